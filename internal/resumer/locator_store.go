package resumer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LocatorStore maps a conversation with a live recording to the instance
// holding it. Entries expire unless the recording instance keeps
// refreshing them.
type LocatorStore interface {
	Put(ctx context.Context, conversationID uuid.UUID, locator Locator, ttl time.Duration) error
	Refresh(ctx context.Context, conversationID uuid.UUID, ttl time.Duration) error
	// Get returns (nil, nil) when no locator is registered.
	Get(ctx context.Context, conversationID uuid.UUID) (*Locator, error)
	Delete(ctx context.Context, conversationID uuid.UUID) error
}

// NoopLocatorStore is used for single-instance deployments: every replay
// resolves locally.
type NoopLocatorStore struct{}

var _ LocatorStore = NoopLocatorStore{}

func (NoopLocatorStore) Put(context.Context, uuid.UUID, Locator, time.Duration) error { return nil }

func (NoopLocatorStore) Refresh(context.Context, uuid.UUID, time.Duration) error { return nil }

func (NoopLocatorStore) Get(context.Context, uuid.UUID) (*Locator, error) { return nil, nil }

func (NoopLocatorStore) Delete(context.Context, uuid.UUID) error { return nil }

const locatorKeyPrefix = "resumer:locator:"

// RedisLocatorStore shares locators across instances through redis.
type RedisLocatorStore struct {
	client redis.UniversalClient
}

var _ LocatorStore = (*RedisLocatorStore)(nil)

func NewRedisLocatorStore(client redis.UniversalClient) *RedisLocatorStore {
	return &RedisLocatorStore{client: client}
}

func locatorKey(conversationID uuid.UUID) string {
	return locatorKeyPrefix + conversationID.String()
}

func (s *RedisLocatorStore) Put(ctx context.Context, conversationID uuid.UUID, locator Locator, ttl time.Duration) error {
	if err := s.client.Set(ctx, locatorKey(conversationID), locator.Encode(), ttl).Err(); err != nil {
		return fmt.Errorf("storing locator for %s: %w", conversationID, err)
	}
	return nil
}

func (s *RedisLocatorStore) Refresh(ctx context.Context, conversationID uuid.UUID, ttl time.Duration) error {
	if err := s.client.Expire(ctx, locatorKey(conversationID), ttl).Err(); err != nil {
		return fmt.Errorf("refreshing locator for %s: %w", conversationID, err)
	}
	return nil
}

func (s *RedisLocatorStore) Get(ctx context.Context, conversationID uuid.UUID) (*Locator, error) {
	raw, err := s.client.Get(ctx, locatorKey(conversationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("loading locator for %s: %w", conversationID, err)
	}
	locator, ok := DecodeLocator(raw)
	if !ok {
		return nil, nil
	}
	return &locator, nil
}

func (s *RedisLocatorStore) Delete(ctx context.Context, conversationID uuid.UUID) error {
	if err := s.client.Del(ctx, locatorKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("deleting locator for %s: %w", conversationID, err)
	}
	return nil
}
