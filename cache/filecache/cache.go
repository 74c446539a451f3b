// Package filecache implements a cache.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/udhos/checkout/token"
)

// Cache keeps the token in a JSON file, so it survives restarts.
type Cache struct {
	filename string
	mutex    sync.Mutex
}

// New creates a new cache client.
func New(filename string) (*Cache, error) {
	if filename == "" {
		return nil, errors.New("filecache: empty filename")
	}
	return &Cache{filename: filename}, nil
}

// Get retrieves token from cache.
// A missing file is an empty cache, not an error.
func (c *Cache) Get(_ context.Context) (token.Token, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return tokenFromFile(c.filename)
}

func tokenFromFile(filename string) (token.Token, error) {
	buf, errRead := os.ReadFile(filename)
	if errors.Is(errRead, fs.ErrNotExist) {
		return token.Token{}, nil
	}
	if errRead != nil {
		return token.Token{}, errRead
	}
	return token.NewTokenFromJSON(buf)
}

// Put inserts token into cache.
func (c *Cache) Put(_ context.Context, t token.Token) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return saveToken(t, c.filename)
}

// saveToken writes to a temporary file and renames it over the cache file,
// so a concurrent reader in another process sees either the old or the new pair.
func saveToken(t token.Token, filename string) error {
	buf, errJSON := t.ExportJSON()
	if errJSON != nil {
		return errJSON
	}
	tmp, errTemp := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp-*")
	if errTemp != nil {
		return errTemp
	}
	tmpName := tmp.Name()
	if _, errWrite := tmp.Write(buf); errWrite != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("filecache write: %w", errWrite)
	}
	if errClose := tmp.Close(); errClose != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filecache close: %w", errClose)
	}
	if errRename := os.Rename(tmpName, filename); errRename != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filecache rename: %w", errRename)
	}
	return nil
}

// Expire invalidates token in cache.
func (c *Cache) Expire(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	t, errGet := tokenFromFile(c.filename)
	if errGet != nil {
		return errGet
	}
	if t.IsEmpty() {
		return nil
	}
	t.Expire()
	return saveToken(t, c.filename)
}
