// Package cache provides the latest-epoch memory entries cache. The cache is
// strictly an accelerator: every mutation path invalidates or rewrites the
// cached value, and a miss falls through to the datastore.
package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
)

// CachedMemoryEntries is the cached value for one (conversation, client)
// pair: the full latest-epoch memory entry list.
type CachedMemoryEntries struct {
	Entries []model.Entry `json:"entries"`
	Epoch   int64         `json:"epoch"`
}

// MemoryEntriesCache caches latest-epoch memory entries per conversation and
// client.
type MemoryEntriesCache interface {
	// Available reports whether the cache backend is reachable.
	Available(ctx context.Context) bool
	Get(ctx context.Context, conversationID uuid.UUID, clientID string) (*CachedMemoryEntries, bool)
	Set(ctx context.Context, conversationID uuid.UUID, clientID string, value CachedMemoryEntries)
	Remove(ctx context.Context, conversationID uuid.UUID, clientID string)
}

// Key builds the cache key for a (conversation, client) pair.
func Key(conversationID uuid.UUID, clientID string) string {
	return fmt.Sprintf("mem-entries:%s:%s", conversationID, clientID)
}

// Loader creates a cache from config carried on the context.
type Loader func(ctx context.Context) (MemoryEntriesCache, error)

// Plugin registers a cache backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache backend plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache backend names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache backend.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache type %q; valid: %v", name, Names())
}
