package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/threadkeep/threadkeep/internal/config"
)

func init() {
	Register(Plugin{
		Name:   "redis",
		Loader: loadRedis,
	})
}

func loadRedis(ctx context.Context) (MemoryEntriesCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis url is not configured")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	ttl := cfg.CacheEpochTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}, nil
}

// RedisCache stores cached memory entries as JSON values in Redis, shared
// across service instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ MemoryEntriesCache = (*RedisCache)(nil)

func (c *RedisCache) Available(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

func (c *RedisCache) Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*CachedMemoryEntries, bool) {
	data, err := c.client.Get(ctx, Key(conversationID, clientID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug("redis cache get failed", "error", err)
		}
		return nil, false
	}
	var value CachedMemoryEntries
	if err := json.Unmarshal(data, &value); err != nil {
		log.Warn("discarding undecodable cache value", "key", Key(conversationID, clientID), "error", err)
		c.Remove(ctx, conversationID, clientID)
		return nil, false
	}
	return &value, true
}

func (c *RedisCache) Set(ctx context.Context, conversationID uuid.UUID, clientID string, value CachedMemoryEntries) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn("failed to encode cache value", "error", err)
		return
	}
	if err := c.client.Set(ctx, Key(conversationID, clientID), data, c.ttl).Err(); err != nil {
		log.Debug("redis cache set failed", "error", err)
	}
}

func (c *RedisCache) Remove(ctx context.Context, conversationID uuid.UUID, clientID string) {
	if err := c.client.Del(ctx, Key(conversationID, clientID)).Err(); err != nil {
		log.Debug("redis cache remove failed", "error", err)
	}
}
