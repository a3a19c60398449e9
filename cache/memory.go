package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is the bounded in-process cache tier. Eviction is recency based.
// Lookups and inserts are single locked operations; callers recompute missing
// values outside the cache and publish the result afterwards, tolerating
// redundant concurrent recomputation of the same (pure) value.
type Memory[V any] struct {
	c *lru.Cache[string, V]
}

// NewMemory creates a memory cache bounded to the given number of entries.
func NewMemory[V any](capacity int) (*Memory[V], error) {
	c, err := lru.New[string, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &Memory[V]{c: c}, nil
}

// Get returns the cached value for key, if present.
func (m *Memory[V]) Get(key string) (V, bool) {
	return m.c.Get(key)
}

// Put publishes a value under key, evicting the least recently used entry
// when the cache is full.
func (m *Memory[V]) Put(key string, value V) {
	m.c.Add(key, value)
}

// Len returns the number of cached entries.
func (m *Memory[V]) Len() int {
	return m.c.Len()
}
