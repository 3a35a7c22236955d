// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Strob0t/Chimera/internal/port/cache"
)

// Stats counts lookups by the level that answered them.
type Stats struct {
	L1Hits int64
	L2Hits int64
	Misses int64
}

// Cache combines an L1 (in-process) and L2 (remote) cache.
// Get checks L1 first, then L2 (backfilling L1 on L2 hit).
// Set and Delete operate on both levels. L1 failures are logged and
// skipped; L2 is authoritative and its errors are returned.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration

	l1Hits atomic.Int64
	l2Hits atomic.Int64
	misses atomic.Int64
}

// New creates a tiered cache with the given L1 and L2 backends.
// l1Expire caps how long entries live in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "l1 cache get failed", "key", key, "error", err)
	} else if found {
		c.l1Hits.Add(1)
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.l2Hits.Add(1)
	if err := c.l1.Set(ctx, key, val, c.l1Expire); err != nil {
		slog.WarnContext(ctx, "l1 cache backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l1.Set(ctx, key, value, min(ttl, c.l1Expire)); err != nil {
		slog.WarnContext(ctx, "l1 cache set failed", "key", key, "error", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "l1 cache delete failed", "key", key, "error", err)
	}
	return c.l2.Delete(ctx, key)
}

// Stats returns a snapshot of the lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits: c.l1Hits.Load(),
		L2Hits: c.l2Hits.Load(),
		Misses: c.misses.Load(),
	}
}
