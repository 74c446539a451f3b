package token

import (
	"context"
	"sync"
)

// TokenCache defines a cache interface for storing tokens.
//
// Put must replace value and deadline as a unit: a reader never observes
// a new value paired with an old deadline.
type TokenCache interface {
	Get(ctx context.Context) (Token, error)
	Put(ctx context.Context, t Token) error
	Expire(ctx context.Context) error
}

// MemoryCache keeps the token in process memory.
type MemoryCache struct {
	t     Token
	mutex sync.Mutex
}

// NewMemoryCache creates an empty memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Get retrieves token from cache.
func (mc *MemoryCache) Get(_ context.Context) (Token, error) {
	mc.mutex.Lock()
	t := mc.t
	mc.mutex.Unlock()
	return t, nil
}

// Put inserts token into cache.
func (mc *MemoryCache) Put(_ context.Context, t Token) error {
	mc.mutex.Lock()
	mc.t = t
	mc.mutex.Unlock()
	return nil
}

// Expire invalidates token in cache.
func (mc *MemoryCache) Expire(_ context.Context) error {
	mc.mutex.Lock()
	mc.t.Expire()
	mc.mutex.Unlock()
	return nil
}
