package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/repo"
	"github.com/threadkeep/threadkeep/internal/repo/memory"
	"github.com/threadkeep/threadkeep/internal/vector"
)

func seedDeletedGroup(t *testing.T, r repo.Repository, deletedAt time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	groupID := uuid.New()
	require.NoError(t, r.CreateGroup(ctx, &model.ConversationGroup{ID: groupID, CreatedAt: deletedAt.Add(-time.Hour)}))
	require.NoError(t, r.CreateConversation(ctx, &model.Conversation{
		ID:                  groupID,
		OwnerUserID:         "alice",
		ConversationGroupID: groupID,
		CreatedAt:           deletedAt.Add(-time.Hour),
		UpdatedAt:           deletedAt.Add(-time.Hour),
	}))
	require.NoError(t, r.CreateMembership(ctx, &model.ConversationMembership{
		ConversationGroupID: groupID,
		UserID:              "alice",
		AccessLevel:         model.AccessLevelOwner,
		CreatedAt:           deletedAt.Add(-time.Hour),
	}))
	require.NoError(t, r.SoftDeleteGroup(ctx, groupID, deletedAt))
	return groupID
}

func TestEvictionRemovesExpiredGroupsAndQueuesVectorCleanup(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	expired := seedDeletedGroup(t, r, time.Now().Add(-48*time.Hour))
	recent := seedDeletedGroup(t, r, time.Now().Add(-time.Hour))

	ev := NewEvictionService(r, 24*time.Hour, 10, 0)
	ev.RunOnce(ctx)

	_, err := r.GetGroup(ctx, expired)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = r.GetGroup(ctx, recent)
	assert.NoError(t, err, "groups inside the retention window stay")

	tasks, err := r.ClaimReadyTasks(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskTypeVectorStoreDelete, tasks[0].TaskType)
	assert.Equal(t, expired.String(), tasks[0].TaskBody["conversationGroupId"])
}

func TestEvictionSweepsExpiredMemberships(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	groupID := uuid.New()
	require.NoError(t, r.CreateGroup(ctx, &model.ConversationGroup{ID: groupID, CreatedAt: time.Now().Add(-72 * time.Hour)}))
	require.NoError(t, r.CreateMembership(ctx, &model.ConversationMembership{
		ConversationGroupID: groupID,
		UserID:              "bob",
		AccessLevel:         model.AccessLevelReader,
		CreatedAt:           time.Now().Add(-72 * time.Hour),
	}))
	require.NoError(t, r.SoftDeleteMembership(ctx, groupID, "bob", time.Now().Add(-48*time.Hour)))

	ev := NewEvictionService(r, 24*time.Hour, 10, 0)
	ev.RunOnce(ctx)

	members, err := r.MembershipsByGroup(ctx, groupID, true)
	require.NoError(t, err)
	assert.Empty(t, members, "soft-deleted membership past retention should be gone")
}

type fakeVector struct {
	mu      sync.Mutex
	deleted []uuid.UUID
	fail    bool
}

func (f *fakeVector) Search(context.Context, []float32, []uuid.UUID, int) ([]vector.SearchResult, error) {
	return nil, nil
}

func (f *fakeVector) Upsert(context.Context, []vector.UpsertRequest) error { return nil }

func (f *fakeVector) DeleteByConversationGroupID(_ context.Context, groupID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("vector store unavailable")
	}
	f.deleted = append(f.deleted, groupID)
	return nil
}

func (f *fakeVector) IsEnabled() bool { return true }

func (f *fakeVector) Name() string { return "fake" }

func TestTaskProcessorExecutesVectorDelete(t *testing.T) {
	r := memory.New()
	ctx := context.Background()
	groupID := uuid.New()

	require.NoError(t, r.CreateTask(ctx, &model.Task{
		ID:       uuid.New(),
		TaskType: TaskTypeVectorStoreDelete,
		TaskBody: map[string]interface{}{"conversationGroupId": groupID.String()},
		RetryAt:  time.Now().Add(-time.Second),
	}))

	v := &fakeVector{}
	p := NewTaskProcessor(r, v)
	p.ProcessBatch(ctx)

	assert.Equal(t, []uuid.UUID{groupID}, v.deleted)

	// Success deletes the task row.
	tasks, err := r.ClaimReadyTasks(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskProcessorReschedulesFailures(t *testing.T) {
	r := memory.New()
	ctx := context.Background()
	taskID := uuid.New()

	require.NoError(t, r.CreateTask(ctx, &model.Task{
		ID:       taskID,
		TaskType: TaskTypeVectorStoreDelete,
		TaskBody: map[string]interface{}{"conversationGroupId": uuid.New().String()},
		RetryAt:  time.Now().Add(-time.Second),
	}))

	v := &fakeVector{fail: true}
	p := NewTaskProcessor(r, v)
	p.ProcessBatch(ctx)

	// The task survives with a future retry time and the error recorded.
	tasks, err := r.ClaimReadyTasks(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks, "failed task should not be ready again yet")
}

func TestTaskProcessorSkipsVectorDeleteWhenDisabled(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	require.NoError(t, r.CreateTask(ctx, &model.Task{
		ID:       uuid.New(),
		TaskType: TaskTypeVectorStoreDelete,
		TaskBody: map[string]interface{}{"conversationGroupId": uuid.New().String()},
		RetryAt:  time.Now().Add(-time.Second),
	}))

	p := NewTaskProcessor(r, vector.Disabled{})
	p.ProcessBatch(ctx)

	tasks, err := r.ClaimReadyTasks(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks, "disabled vector store still consumes the task")
}

func TestTaskProcessorRejectsUnknownTaskTypes(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	require.NoError(t, r.CreateTask(ctx, &model.Task{
		ID:       uuid.New(),
		TaskType: "launch_missiles",
		TaskBody: map[string]interface{}{},
		RetryAt:  time.Now().Add(-time.Second),
	}))

	p := NewTaskProcessor(r, vector.Disabled{})
	p.ProcessBatch(ctx)

	tasks, err := r.ClaimReadyTasks(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks, "unknown task should be rescheduled into the future")
}
