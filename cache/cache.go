// Package cache provides cache implementations.
package cache

import (
	"fmt"
	"strings"

	"github.com/udhos/checkout/cache/errorcache"
	"github.com/udhos/checkout/cache/filecache"
	"github.com/udhos/checkout/cache/rediscache"
	"github.com/udhos/checkout/token"
)

// New creates cache from string.
//
//	""                                    memory cache
//	"error"                               errorcache
//	"file:<path>"                         filecache
//	"redis:<host>:<port>:<password>:<key>" rediscache
func New(s string) (token.TokenCache, error) {
	switch {
	case s == "" || s == "memory":
		return token.NewMemoryCache(), nil
	case s == "error":
		return errorcache.New()
	case strings.HasPrefix(s, "file:"):
		return filecache.New(strings.TrimPrefix(s, "file:"))
	case strings.HasPrefix(s, "redis:"):
		return rediscache.New(strings.TrimPrefix(s, "redis:"))
	}
	return nil, fmt.Errorf("unknown cache: %s", s)
}
