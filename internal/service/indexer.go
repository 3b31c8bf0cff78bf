package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/threadkeep/threadkeep/internal/embed"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
	"github.com/threadkeep/threadkeep/internal/store"
	"github.com/threadkeep/threadkeep/internal/vector"
)

// TextIndexer extracts searchable text out of encrypted entry content so
// the datastore's text search can see it.
type TextIndexer struct {
	store    *store.Service
	interval time.Duration
	batch    int
}

// NewTextIndexer creates the search-text extraction loop.
func NewTextIndexer(s *store.Service, batchSize int) *TextIndexer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TextIndexer{store: s, interval: 30 * time.Second, batch: batchSize}
}

// Start runs the extraction loop until ctx is cancelled.
func (t *TextIndexer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := t.store.IndexPendingEntries(ctx, t.batch)
			if err != nil {
				log.Error("Indexer: text extraction failed", "err", err)
				continue
			}
			if count > 0 {
				log.Info("Indexer: extracted entry text", "count", count)
			}
		}
	}
}

// BackgroundIndexer embeds extracted entry text and pushes it to the
// vector store.
type BackgroundIndexer struct {
	repo     repo.Repository
	embedder embed.Embedder
	vector   vector.Store
	interval time.Duration
	batch    int
}

// NewBackgroundIndexer creates the vector indexing loop.
func NewBackgroundIndexer(r repo.Repository, embedder embed.Embedder, v vector.Store, batchSize int) *BackgroundIndexer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BackgroundIndexer{
		repo:     r,
		embedder: embedder,
		vector:   v,
		interval: 30 * time.Second,
		batch:    batchSize,
	}
}

// Start runs the vector indexing loop until ctx is cancelled. A missing
// embedder or disabled vector store turns the loop off.
func (b *BackgroundIndexer) Start(ctx context.Context) {
	if b.embedder == nil || b.vector == nil || !b.vector.IsEnabled() {
		log.Info("Background indexer disabled (no embedder or vector store)")
		return
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.indexBatch(ctx)
		}
	}
}

func (b *BackgroundIndexer) indexBatch(ctx context.Context) {
	entries, err := b.repo.ListEntriesPendingEmbedding(ctx, b.batch)
	if err != nil {
		log.Error("Indexer: list pending entries failed", "err", err)
		return
	}

	var candidates []model.Entry
	var texts []string
	for _, e := range entries {
		if e.IndexedContent != nil && *e.IndexedContent != "" {
			candidates = append(candidates, e)
			texts = append(texts, *e.IndexedContent)
		}
	}
	if len(candidates) == 0 {
		return
	}

	embeddings, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		log.Error("Indexer: batch embed failed", "err", err)
		return
	}

	upserts := make([]vector.UpsertRequest, len(candidates))
	for i, e := range candidates {
		upserts[i] = vector.UpsertRequest{
			ConversationGroupID: e.ConversationGroupID,
			ConversationID:      e.ConversationID,
			EntryID:             e.ID,
			Embedding:           embeddings[i],
			ModelName:           b.embedder.ModelName(),
		}
	}
	if err := b.vector.Upsert(ctx, upserts); err != nil {
		log.Error("Indexer: batch vector upsert failed", "err", err)
		return
	}

	now := time.Now()
	count := 0
	for _, e := range candidates {
		if err := b.repo.SetEntryIndexedAt(ctx, e.ID, e.ConversationGroupID, now); err != nil {
			log.Error("Indexer: set indexed_at failed", "entryId", e.ID, "err", err)
			continue
		}
		count++
	}
	if count > 0 {
		log.Info("Indexer: indexed entries", "count", count)
	}
}
