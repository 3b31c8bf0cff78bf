// Package vector defines the semantic-search capability. No backend ships
// in-tree yet; the disabled implementation keeps the indexer and task
// processor wiring honest until one does.
package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SearchResult is a single semantic search hit.
type SearchResult struct {
	EntryID        uuid.UUID `json:"entryId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Score          float64   `json:"score"`
}

// UpsertRequest holds the data for one vector upsert.
type UpsertRequest struct {
	ConversationGroupID uuid.UUID
	ConversationID      uuid.UUID
	EntryID             uuid.UUID
	Embedding           []float32
	ModelName           string
}

// Store is the vector search backend.
type Store interface {
	Search(ctx context.Context, embedding []float32, conversationGroupIDs []uuid.UUID, limit int) ([]SearchResult, error)
	Upsert(ctx context.Context, entries []UpsertRequest) error
	// DeleteByConversationGroupID removes all embeddings for an evicted
	// conversation group.
	DeleteByConversationGroupID(ctx context.Context, conversationGroupID uuid.UUID) error
	IsEnabled() bool
	Name() string
}

// Disabled is the no-backend vector store.
type Disabled struct{}

var _ Store = Disabled{}

func (Disabled) Search(context.Context, []float32, []uuid.UUID, int) ([]SearchResult, error) {
	return nil, nil
}

func (Disabled) Upsert(context.Context, []UpsertRequest) error { return nil }

func (Disabled) DeleteByConversationGroupID(context.Context, uuid.UUID) error { return nil }

func (Disabled) IsEnabled() bool { return false }

func (Disabled) Name() string { return "disabled" }

// Loader creates a Store from config carried on the context.
type Loader func(ctx context.Context) (Store, error)

// Plugin registers a vector store backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins = []Plugin{{
	Name:   "",
	Loader: func(context.Context) (Store, error) { return Disabled{}, nil },
}}

// Register adds a vector store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector store names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector store.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector store %q; valid: %v", name, Names())
}
