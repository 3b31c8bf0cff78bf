package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/metrics"
	"github.com/threadkeep/threadkeep/internal/repo"
	"github.com/threadkeep/threadkeep/internal/vector"
)

// TaskProcessor drains the deferred task table: claims ready tasks, runs
// them, and reschedules failures.
type TaskProcessor struct {
	repo       repo.Repository
	vector     vector.Store
	interval   time.Duration
	retryDelay time.Duration
	claimFor   time.Duration
	batchSize  int
}

// NewTaskProcessor creates the background task processor.
func NewTaskProcessor(r repo.Repository, v vector.Store) *TaskProcessor {
	return &TaskProcessor{
		repo:       r,
		vector:     v,
		interval:   time.Minute,
		retryDelay: 10 * time.Minute,
		claimFor:   10 * time.Minute,
		batchSize:  100,
	}
}

// Start runs the processing loop until ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims and executes one batch of ready tasks.
func (p *TaskProcessor) ProcessBatch(ctx context.Context) {
	tasks, err := p.repo.ClaimReadyTasks(ctx, p.batchSize, p.claimFor)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		if err := p.executeTask(ctx, task.TaskType, task.TaskBody); err != nil {
			log.Error("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
			metrics.TasksProcessedTotal.WithLabelValues("failed").Inc()
			if fErr := p.repo.FailTask(ctx, task.ID, err.Error(), time.Now().Add(p.retryDelay)); fErr != nil {
				log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
			}
		} else {
			metrics.TasksProcessedTotal.WithLabelValues("succeeded").Inc()
			if dErr := p.repo.DeleteTask(ctx, task.ID); dErr != nil {
				log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
			}
		}
	}
}

func (p *TaskProcessor) executeTask(ctx context.Context, taskType string, body map[string]interface{}) error {
	switch taskType {
	case TaskTypeVectorStoreDelete:
		return p.executeVectorStoreDelete(ctx, body)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (p *TaskProcessor) executeVectorStoreDelete(ctx context.Context, body map[string]interface{}) error {
	if p.vector == nil || !p.vector.IsEnabled() {
		return nil
	}
	groupIDStr, ok := body["conversationGroupId"].(string)
	if !ok {
		return fmt.Errorf("missing or invalid conversationGroupId in task body")
	}
	groupID, err := uuid.Parse(groupIDStr)
	if err != nil {
		return fmt.Errorf("invalid conversationGroupId %q: %w", groupIDStr, err)
	}
	return p.vector.DeleteByConversationGroupID(ctx, groupID)
}
