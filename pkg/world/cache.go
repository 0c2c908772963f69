package world

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// LoadFunc loads a column on a cache miss.
type LoadFunc func(ctx context.Context) (*Column, error)

// ColumnCache keeps recently used columns in memory. Concurrent misses for
// the same key share a single load, so a burst of context and delivery
// requests from several players generates each column once.
type ColumnCache struct {
	cache *cache.Cache
	group singleflight.Group
	ttl   time.Duration
}

// NewColumnCache creates a cache whose entries expire ttl after their last
// store.
func NewColumnCache(ttl, cleanupInterval time.Duration) *ColumnCache {
	return &ColumnCache{
		cache: cache.New(ttl, cleanupInterval),
		ttl:   ttl,
	}
}

// GetOrLoad returns the cached column for key, calling load at most once
// across concurrent callers when it is absent.
func (c *ColumnCache) GetOrLoad(ctx context.Context, key ChunkKey, load LoadFunc) (*Column, error) {
	k := key.String()
	if v, ok := c.cache.Get(k); ok {
		return v.(*Column), nil
	}

	v, err, _ := c.group.Do(k, func() (any, error) {
		if v, ok := c.cache.Get(k); ok {
			return v, nil
		}
		col, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.Set(k, col, c.ttl)
		return col, nil
	})
	if err != nil {
		return nil, err
	}
	col, ok := v.(*Column)
	if !ok {
		return nil, fmt.Errorf("unexpected type in column cache for %s", k)
	}
	return col, nil
}

// Put replaces the cached column for key.
func (c *ColumnCache) Put(key ChunkKey, col *Column) {
	c.cache.Set(key.String(), col, c.ttl)
}

// Peek returns the cached column without loading.
func (c *ColumnCache) Peek(key ChunkKey) (*Column, bool) {
	v, ok := c.cache.Get(key.String())
	if !ok {
		return nil, false
	}
	return v.(*Column), true
}

// Len returns the number of cached columns, including expired ones not yet
// cleaned up.
func (c *ColumnCache) Len() int { return c.cache.ItemCount() }

// Flush drops every cached column.
func (c *ColumnCache) Flush() { c.cache.Flush() }
