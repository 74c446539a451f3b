// Package rediscache implements a cache.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/udhos/checkout/token"
)

// Cache holds cache client.
type Cache struct {
	key         string
	redisClient *redis.Client
}

// New creates a new cache client.
// redisString = <host>:<port>:<password>:<key>
// redisString = localhost:6379::checkout-oauth
func New(redisString string) (*Cache, error) {
	fields := strings.SplitN(redisString, ":", 4)
	if len(fields) != 4 {
		return nil, fmt.Errorf("4 fields are required, but got: %d", len(fields))
	}
	host := fields[0]
	port := fields[1]
	password := fields[2]
	key := fields[3]
	if key == "" {
		return nil, errors.New("redis cache key is required")
	}
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	}), key), nil
}

// NewWithClient creates a cache on top of an existing redis client.
func NewWithClient(client *redis.Client, key string) *Cache {
	return &Cache{
		redisClient: client,
		key:         key,
	}
}

// getKey generates a unique redis key for storing the token.
func (c *Cache) getKey() string {
	return "github.com/udhos/checkout:token:" + c.key
}

// Get retrieves token from cache.
// A missing key is an empty cache, not an error.
func (c *Cache) Get(ctx context.Context) (token.Token, error) {

	var t token.Token

	buf, errGet := c.redisClient.Get(ctx, c.getKey()).Bytes()
	if errors.Is(errGet, redis.Nil) {
		return t, nil
	}
	if errGet != nil {
		return t, errGet
	}

	return token.NewTokenFromJSON(buf)
}

// Put inserts token into cache.
// Value and deadline travel in one JSON document under one SET.
func (c *Cache) Put(ctx context.Context, t token.Token) error {

	buf, errJSON := t.ExportJSON()
	if errJSON != nil {
		return errJSON
	}

	expiration := time.Until(t.Deadline) + time.Minute // token remaining TTL + 1 minute
	if expiration <= 0 {
		expiration = time.Minute
	}

	return c.redisClient.Set(ctx, c.getKey(), buf, expiration).Err()
}

// Expire invalidates token in cache.
func (c *Cache) Expire(ctx context.Context) error {
	return c.redisClient.Del(ctx, c.getKey()).Err()
}
