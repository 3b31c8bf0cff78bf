package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/config"
)

func init() {
	Register(Plugin{
		Name:   "ristretto",
		Loader: loadRistretto,
	})
}

func loadRistretto(ctx context.Context) (MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	ttl := 10 * time.Minute
	if cfg != nil && cfg.CacheEpochTTL > 0 {
		ttl = cfg.CacheEpochTTL
	}
	inner, err := ristretto.NewCache(&ristretto.Config[string, CachedMemoryEntries]{
		NumCounters: 1e6,
		MaxCost:     256 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: inner, ttl: ttl}, nil
}

// RistrettoCache is the in-process cache. Fast, but per-instance: entries
// written by one replica are invisible to the others, so it only suits
// single-instance deployments.
type RistrettoCache struct {
	cache *ristretto.Cache[string, CachedMemoryEntries]
	ttl   time.Duration
}

var _ MemoryEntriesCache = (*RistrettoCache)(nil)

func (c *RistrettoCache) Available(context.Context) bool { return true }

func (c *RistrettoCache) Get(_ context.Context, conversationID uuid.UUID, clientID string) (*CachedMemoryEntries, bool) {
	value, ok := c.cache.Get(Key(conversationID, clientID))
	if !ok {
		return nil, false
	}
	return &value, true
}

func (c *RistrettoCache) Set(_ context.Context, conversationID uuid.UUID, clientID string, value CachedMemoryEntries) {
	cost := int64(1)
	for _, e := range value.Entries {
		cost += int64(len(e.Content))
	}
	c.cache.SetWithTTL(Key(conversationID, clientID), value, cost, c.ttl)
	c.cache.Wait()
}

func (c *RistrettoCache) Remove(_ context.Context, conversationID uuid.UUID, clientID string) {
	c.cache.Del(Key(conversationID, clientID))
}
