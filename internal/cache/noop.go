package cache

import (
	"context"

	"github.com/google/uuid"
)

func init() {
	Register(Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (MemoryEntriesCache, error) {
			return Noop{}, nil
		},
	})
}

// Noop is the disabled cache: never available, never hits.
type Noop struct{}

var _ MemoryEntriesCache = Noop{}

func (Noop) Available(context.Context) bool { return false }

func (Noop) Get(context.Context, uuid.UUID, string) (*CachedMemoryEntries, bool) {
	return nil, false
}

func (Noop) Set(context.Context, uuid.UUID, string, CachedMemoryEntries) {}

func (Noop) Remove(context.Context, uuid.UUID, string) {}
