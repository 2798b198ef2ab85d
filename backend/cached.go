package backend

import (
	"context"
	"iter"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kvtx/objectdb/keyrange"
)

// Cached is the CachedWrapper Store variant: it
// decorates another Store with an LRU cache of the raw stored bytes,
// backing ObjectStoreOptions.EnableLRUCache / LRUCacheSize. Range queries
// (Keys/Values/MinKey/MaxKey/Count) always go straight to the wrapped
// Store, since an LRU only helps point lookups; Get is cached.
type Cached struct {
	inner Store
	cache *lru.Cache[cachedKey, []byte]
}

type cachedKey struct {
	table, key string
}

// NewCached wraps inner with a point-lookup LRU cache of the given size.
func NewCached(inner Store, size int) (*Cached, error) {
	c, err := lru.New[cachedKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: c}, nil
}

func (c *Cached) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	ck := cachedKey{table, key}
	if v, ok := c.cache.Get(ck); ok {
		if v == nil {
			return nil, false, nil
		}
		return v, true, nil
	}
	v, ok, err := c.inner.Get(ctx, table, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.cache.Add(ck, nil)
		return nil, false, nil
	}
	c.cache.Add(ck, v)
	return v, true, nil
}

func (c *Cached) Keys(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[string, error] {
	return c.inner.Keys(ctx, table, q)
}

func (c *Cached) Values(ctx context.Context, table string, q *keyrange.Range) iter.Seq2[Entry, error] {
	return c.inner.Values(ctx, table, q)
}

func (c *Cached) MinKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	return c.inner.MinKey(ctx, table, q)
}

func (c *Cached) MaxKey(ctx context.Context, table string, q *keyrange.Range) (string, bool, error) {
	return c.inner.MaxKey(ctx, table, q)
}

func (c *Cached) Count(ctx context.Context, table string, q *keyrange.Range) (int, error) {
	return c.inner.Count(ctx, table, q)
}

// invalidate drops cached entries for every op about to be written, so a
// commit can never leave a stale cached value behind.
func (c *Cached) invalidate(ops []BatchOp) {
	for _, op := range ops {
		c.cache.Remove(cachedKey{op.Table, op.Key})
	}
}

func (c *Cached) Commit(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (bool, error) {
	ok, err := c.inner.Commit(ctx, truncate, ops, oldValues)
	if err != nil || !ok {
		return ok, err
	}
	if len(truncate) > 0 {
		c.cache.Purge()
	}
	c.invalidate(ops)
	return true, nil
}

func (c *Cached) ApplyCombined(ctx context.Context, truncate []string, ops []BatchOp, oldValues map[TableKey]OldValue) (Fragment, bool, error) {
	frag, ok, err := c.inner.ApplyCombined(ctx, truncate, ops, oldValues)
	if err != nil || !ok {
		return frag, ok, err
	}
	frag.Deferred = append(frag.Deferred, func() error {
		if len(truncate) > 0 {
			c.cache.Purge()
		}
		c.invalidate(ops)
		return nil
	})
	return frag, true, nil
}

func (c *Cached) Truncate(ctx context.Context, table string) error {
	if err := c.inner.Truncate(ctx, table); err != nil {
		return err
	}
	c.cache.Purge()
	return nil
}

func (c *Cached) OpenView(ctx context.Context) (View, error) {
	return c.inner.OpenView(ctx)
}

var _ Store = (*Cached)(nil)
