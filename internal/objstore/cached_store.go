package objstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore fronts another Store with an LRU of fetched objects. Objects
// are immutable once written, so cached entries never go stale.
type CachedStore struct {
	next  Store
	cache *lru.Cache[string, []byte]
}

func NewCachedStore(next Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{next: next, cache: cache}, nil
}

func (c *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	if c.cache.Contains(k) {
		return true, nil
	}
	return c.next.Exists(ctx, k)
}

func (c *CachedStore) Put(ctx context.Context, key string, content []byte) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := c.next.Put(ctx, k, content); err != nil {
		return err
	}
	c.cache.Add(k, append([]byte(nil), content...))
	return nil
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if data, ok := c.cache.Get(k); ok {
		return append([]byte(nil), data...), nil
	}
	data, err := c.next.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, append([]byte(nil), data...))
	return data, nil
}
