// Package service holds the background loops: eviction of soft-deleted
// data past retention, membership sweeping, search-text extraction, vector
// indexing, and deferred task processing.
package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/metrics"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
)

// TaskTypeVectorStoreDelete removes a deleted group's embeddings from the
// vector store.
const TaskTypeVectorStoreDelete = "vector_store_delete"

// EvictionService hard-deletes soft-deleted conversation groups and
// memberships once they age past the retention window.
type EvictionService struct {
	repo      repo.Repository
	interval  time.Duration
	retention time.Duration
	batchSize int
	delay     time.Duration
}

// NewEvictionService creates the eviction sweeper.
func NewEvictionService(r repo.Repository, retention time.Duration, batchSize int, delayMs int) *EvictionService {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &EvictionService{
		repo:      r,
		interval:  time.Hour,
		retention: retention,
		batchSize: batchSize,
		delay:     time.Duration(delayMs) * time.Millisecond,
	}
}

// Start runs the periodic eviction loop until ctx is cancelled.
func (e *EvictionService) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single eviction pass: expired groups in batches, then
// expired memberships.
func (e *EvictionService) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-e.retention)
	e.evictGroups(ctx, cutoff)
	e.sweepMemberships(ctx, cutoff)
}

func (e *EvictionService) evictGroups(ctx context.Context, cutoff time.Time) {
	total, err := e.repo.CountEvictableGroups(ctx, cutoff)
	if err != nil {
		log.Error("Eviction: count failed", "err", err)
		return
	}
	if total == 0 {
		return
	}

	log.Info("Eviction: starting", "total", total, "cutoff", cutoff)
	evicted := 0
	for {
		ids, err := e.repo.FindEvictableGroupIDs(ctx, cutoff, e.batchSize)
		if err != nil {
			log.Error("Eviction: find IDs failed", "err", err)
			return
		}
		if len(ids) == 0 {
			break
		}
		// Queue vector cleanup before the rows disappear so orphaned
		// embeddings get removed asynchronously.
		for _, id := range ids {
			task := &model.Task{
				ID:       uuid.New(),
				TaskType: TaskTypeVectorStoreDelete,
				TaskBody: map[string]interface{}{"conversationGroupId": id.String()},
				RetryAt:  time.Now(),
			}
			if err := e.repo.CreateTask(ctx, task); err != nil {
				log.Error("Eviction: create vector delete task failed", "groupId", id, "err", err)
			}
		}
		if err := e.repo.HardDeleteGroups(ctx, ids); err != nil {
			log.Error("Eviction: hard delete failed", "err", err)
		} else {
			evicted += len(ids)
			metrics.EvictionGroupsTotal.Add(float64(len(ids)))
		}

		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.delay):
			}
		}
	}
	log.Info("Eviction: completed", "evicted", evicted)
}

func (e *EvictionService) sweepMemberships(ctx context.Context, cutoff time.Time) {
	swept, err := e.repo.HardDeleteExpiredMemberships(ctx, cutoff)
	if err != nil {
		log.Error("Eviction: membership sweep failed", "err", err)
		return
	}
	if swept > 0 {
		metrics.MembershipsSweptTotal.Add(float64(swept))
		log.Info("Eviction: swept expired memberships", "count", swept)
	}
}
