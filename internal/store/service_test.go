package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadkeep/threadkeep/internal/cache"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/crypto"
	"github.com/threadkeep/threadkeep/internal/identity"
	"github.com/threadkeep/threadkeep/internal/model"
	repomemory "github.com/threadkeep/threadkeep/internal/repo/memory"
)

// newService builds a Service over the in-process backend with a
// deterministic clock so entry ordering in tests is stable.
func newService(t *testing.T) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	codec, err := crypto.NewCodec(&cfg)
	require.NoError(t, err)
	s := New(repomemory.New(), codec, cache.Noop{})
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return s
}

func ctxAs(userID, clientID string) context.Context {
	return identity.WithContext(context.Background(), identity.Identity{
		UserID:   userID,
		ClientID: clientID,
	})
}

func ctxAsAdmin(userID string) context.Context {
	return identity.WithContext(context.Background(), identity.Identity{
		UserID: userID,
		Admin:  true,
	})
}

func historyEntry(text string) CreateEntryRequest {
	return CreateEntryRequest{
		Channel:     model.ChannelHistory,
		ContentType: "application/json",
		Content:     []interface{}{map[string]interface{}{"type": "text", "text": text}},
	}
}

func appendOne(t *testing.T, s *Service, ctx context.Context, convID uuid.UUID, req CreateEntryRequest) EntryDto {
	t.Helper()
	_, dtos, err := s.AppendEntries(ctx, convID, []CreateEntryRequest{req})
	require.NoError(t, err)
	require.Len(t, dtos, 1)
	return dtos[0]
}

func TestCreateConversationRootOwnsGroup(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")

	detail, err := s.CreateConversation(ctx, CreateConversationRequest{Title: "planning"})
	require.NoError(t, err)
	assert.Equal(t, "alice", detail.OwnerUserID)
	assert.Equal(t, model.AccessLevelOwner, detail.AccessLevel)

	got, err := s.GetConversation(ctx, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, "planning", got.Title)
	assert.Equal(t, model.AccessLevelOwner, got.AccessLevel)

	// Strangers cannot even learn that the conversation exists.
	_, err = s.GetConversation(ctxAs("mallory", ""), detail.ID)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestAppendAutoCreatesWithInferredTitle(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")
	convID := uuid.New()

	long := "this title is much longer than the forty character limit allows"
	result, _, err := s.AppendEntries(ctx, convID, []CreateEntryRequest{historyEntry(long)})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, convID, result.ConversationID)

	got, err := s.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, long[:40], got.Title)
	assert.Len(t, got.Title, 40)
}

func TestGetEntriesOrderAndPagination(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")
	convID := uuid.New()

	texts := []string{"one", "two", "three", "four", "five"}
	for _, txt := range texts {
		appendOne(t, s, ctx, convID, historyEntry(txt))
	}

	page1, err := s.GetEntries(ctx, convID, GetEntriesQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1.Entries, 3)
	require.NotNil(t, page1.NextCursor)

	page2, err := s.GetEntries(ctx, convID, GetEntriesQuery{Limit: 3, AfterID: page1.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2.Entries, 2)
	assert.Nil(t, page2.NextCursor)

	var got []string
	for _, page := range []*PagedEntries{page1, page2} {
		for _, e := range page.Entries {
			blocks := e.Content.([]interface{})
			got = append(got, blocks[0].(map[string]interface{})["text"].(string))
		}
	}
	assert.Equal(t, texts, got)
}

func TestForkSeesLineageBeforeForkPoint(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")
	rootID := uuid.New()

	e1 := appendOne(t, s, ctx, rootID, historyEntry("one"))
	e2 := appendOne(t, s, ctx, rootID, historyEntry("two"))
	appendOne(t, s, ctx, rootID, historyEntry("three"))

	// Forking "at" e2 excludes e2: the fork sees only e1 from the parent.
	fork, err := s.CreateConversation(ctx, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e2.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, fork.ForkedAtEntryID)
	assert.Equal(t, e1.ID, *fork.ForkedAtEntryID)

	appendOne(t, s, ctx, fork.ID, historyEntry("fork-only"))

	page, err := s.GetEntries(ctx, fork.ID, GetEntriesQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, e1.ID, page.Entries[0].ID)
	assert.Equal(t, fork.ID, page.Entries[1].ConversationID)

	// The parent still sees its full history plus nothing from the fork.
	rootPage, err := s.GetEntries(ctx, rootID, GetEntriesQuery{})
	require.NoError(t, err)
	assert.Len(t, rootPage.Entries, 3)
}

func TestForkAtFirstEntrySeesNothingFromSource(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")
	rootID := uuid.New()

	e1 := appendOne(t, s, ctx, rootID, historyEntry("first"))
	appendOne(t, s, ctx, rootID, historyEntry("second"))

	// Forking at the very first entry leaves nothing to inherit: the stop
	// point is empty and the parent contributes no entries to the fork's
	// view.
	fork, err := s.CreateConversation(ctx, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e1.ID,
	})
	require.NoError(t, err)
	assert.Nil(t, fork.ForkedAtEntryID)

	appendOne(t, s, ctx, fork.ID, historyEntry("fork-only"))
	page, err := s.GetEntries(ctx, fork.ID, GetEntriesQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, fork.ID, page.Entries[0].ConversationID)
}

func TestForkPointIgnoresSiblingAndMemoryEntries(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	rootID := uuid.New()

	e1 := appendOne(t, s, ctx, rootID, historyEntry("one"))
	firstFork, err := s.CreateConversation(ctx, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e1.ID,
	})
	require.NoError(t, err)
	appendOne(t, s, ctx, firstFork.ID, historyEntry("sibling noise"))
	appendOne(t, s, ctx, rootID, CreateEntryRequest{
		Channel:     model.ChannelMemory,
		ContentType: "application/json",
		Content:     []interface{}{map[string]interface{}{"type": "text", "text": "memory noise"}},
	})
	e2 := appendOne(t, s, ctx, rootID, historyEntry("two"))

	// The fork point walks back through the source's own history only: the
	// sibling fork's entry and the memory entry in between never count.
	secondFork, err := s.CreateConversation(ctx, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e2.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, secondFork.ForkedAtEntryID)
	assert.Equal(t, e1.ID, *secondFork.ForkedAtEntryID)
}

func TestForkValidation(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "agent-1")
	rootID := uuid.New()
	e1 := appendOne(t, s, alice, rootID, historyEntry("one"))
	appendOne(t, s, alice, rootID, historyEntry("two"))
	mem := appendOne(t, s, alice, rootID, CreateEntryRequest{
		Channel:     model.ChannelMemory,
		ContentType: "application/json",
		Content:     []interface{}{map[string]interface{}{"type": "text", "text": "m"}},
	})

	// Readers cannot fork.
	require.NoError(t, s.ShareConversation(alice, rootID, "bob", model.AccessLevelReader))
	_, err := s.CreateConversation(ctxAs("bob", ""), CreateConversationRequest{
		ForkedAtConversationID: &rootID,
	})
	assert.IsType(t, &ForbiddenError{}, err)

	// A memory entry is not a fork point.
	_, err = s.CreateConversation(alice, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &mem.ID,
	})
	assert.IsType(t, &ValidationError{}, err)

	// Neither is an entry of a sibling fork in the same group.
	fork, err := s.CreateConversation(alice, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e1.ID,
	})
	require.NoError(t, err)
	forkEntry := appendOne(t, s, alice, fork.ID, historyEntry("divergent"))
	_, err = s.CreateConversation(alice, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &forkEntry.ID,
	})
	assert.IsType(t, &NotFoundError{}, err)
}

func TestAllForksView(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")
	rootID := uuid.New()

	appendOne(t, s, ctx, rootID, historyEntry("one"))
	e2 := appendOne(t, s, ctx, rootID, historyEntry("two"))
	fork, err := s.CreateConversation(ctx, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e2.ID,
	})
	require.NoError(t, err)
	appendOne(t, s, ctx, fork.ID, historyEntry("divergent"))

	page, err := s.GetEntries(ctx, rootID, GetEntriesQuery{AllForks: true})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 3)
}

func TestAccessLevelEnforcement(t *testing.T) {
	s := newService(t)
	owner := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, owner, convID, historyEntry("hello"))

	require.NoError(t, s.ShareConversation(owner, convID, "bob", model.AccessLevelReader))

	reader := ctxAs("bob", "")
	_, err := s.GetEntries(reader, convID, GetEntriesQuery{})
	require.NoError(t, err)

	// Reader cannot write.
	_, _, err = s.AppendEntries(reader, convID, []CreateEntryRequest{historyEntry("nope")})
	assert.IsType(t, &ForbiddenError{}, err)

	// Reader cannot share.
	err = s.ShareConversation(reader, convID, "carol", model.AccessLevelReader)
	assert.IsType(t, &ForbiddenError{}, err)

	// Writer can write but not retitle or delete.
	require.NoError(t, s.SetMemberAccessLevel(owner, convID, "bob", model.AccessLevelWriter))
	_, _, err = s.AppendEntries(reader, convID, []CreateEntryRequest{historyEntry("now allowed")})
	require.NoError(t, err)
	title := "renamed"
	_, err = s.UpdateConversation(reader, convID, &title, nil)
	assert.IsType(t, &ForbiddenError{}, err)
	err = s.DeleteConversation(reader, convID)
	assert.IsType(t, &ForbiddenError{}, err)

	// Manager can retitle, share, and even grant a co-owner membership.
	require.NoError(t, s.SetMemberAccessLevel(owner, convID, "bob", model.AccessLevelManager))
	_, err = s.UpdateConversation(reader, convID, &title, nil)
	require.NoError(t, err)
	require.NoError(t, s.ShareConversation(reader, convID, "carol", model.AccessLevelReader))
	require.NoError(t, s.ShareConversation(reader, convID, "dave", model.AccessLevelOwner))
	daveView, err := s.GetConversation(ctxAs("dave", ""), convID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelOwner, daveView.AccessLevel)
}

func TestManagerCanDeleteConversation(t *testing.T) {
	s := newService(t)
	owner := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, owner, convID, historyEntry("hello"))
	require.NoError(t, s.ShareConversation(owner, convID, "bob", model.AccessLevelManager))

	require.NoError(t, s.DeleteConversation(ctxAs("bob", ""), convID))
	_, err := s.GetConversation(owner, convID)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestShareDuplicateConflicts(t *testing.T) {
	s := newService(t)
	owner := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, owner, convID, historyEntry("hello"))

	require.NoError(t, s.ShareConversation(owner, convID, "bob", model.AccessLevelReader))
	err := s.ShareConversation(owner, convID, "bob", model.AccessLevelWriter)
	assert.IsType(t, &ConflictError{}, err)
}

func TestUnshareRules(t *testing.T) {
	s := newService(t)
	owner := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, owner, convID, historyEntry("hello"))
	require.NoError(t, s.ShareConversation(owner, convID, "bob", model.AccessLevelWriter))

	// The owner cannot be removed.
	err := s.UnshareConversation(owner, convID, "alice")
	assert.IsType(t, &ValidationError{}, err)

	// A member may remove themselves.
	require.NoError(t, s.UnshareConversation(ctxAs("bob", ""), convID, "bob"))
	_, err = s.GetConversation(ctxAs("bob", ""), convID)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestGroupDeleteCascadesAndRestores(t *testing.T) {
	s := newService(t)
	owner := ctxAs("alice", "")
	rootID := uuid.New()
	e1 := appendOne(t, s, owner, rootID, historyEntry("one"))
	fork, err := s.CreateConversation(owner, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e1.ID,
	})
	require.NoError(t, err)
	require.NoError(t, s.ShareConversation(owner, rootID, "bob", model.AccessLevelReader))

	require.NoError(t, s.DeleteConversation(owner, rootID))

	// Every fork and membership in the group is gone.
	_, err = s.GetConversation(owner, rootID)
	assert.IsType(t, &NotFoundError{}, err)
	_, err = s.GetConversation(owner, fork.ID)
	assert.IsType(t, &NotFoundError{}, err)
	_, err = s.GetConversation(ctxAs("bob", ""), rootID)
	assert.IsType(t, &NotFoundError{}, err)

	// Admin restore brings the whole group back.
	require.NoError(t, s.AdminRestoreConversation(ctxAsAdmin("root"), rootID))
	got, err := s.GetConversation(owner, rootID)
	require.NoError(t, err)
	assert.Equal(t, rootID, got.ID)
	_, err = s.GetConversation(owner, fork.ID)
	require.NoError(t, err)
}

func TestOwnershipTransferLifecycle(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "")
	bob := ctxAs("bob", "")
	convID := uuid.New()
	appendOne(t, s, alice, convID, historyEntry("hello"))
	require.NoError(t, s.ShareConversation(alice, convID, "bob", model.AccessLevelReader))

	// Transfer to self is invalid.
	_, err := s.CreateOwnershipTransfer(alice, convID, "alice")
	assert.IsType(t, &ValidationError{}, err)

	// Transfer to a non-member is invalid.
	_, err = s.CreateOwnershipTransfer(alice, convID, "carol")
	assert.IsType(t, &ValidationError{}, err)

	// Only the owner may start a transfer.
	_, err = s.CreateOwnershipTransfer(bob, convID, "alice")
	assert.IsType(t, &ForbiddenError{}, err)

	transfer, err := s.CreateOwnershipTransfer(alice, convID, "bob")
	require.NoError(t, err)

	// A second pending transfer conflicts and names the existing one.
	_, err = s.CreateOwnershipTransfer(alice, convID, "bob")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "TRANSFER_ALREADY_PENDING", conflict.Code)
	assert.Equal(t, transfer.ID.String(), conflict.Details["existingTransferId"])

	// Only the recipient may accept.
	err = s.AcceptOwnershipTransfer(alice, transfer.ID)
	assert.IsType(t, &ForbiddenError{}, err)

	require.NoError(t, s.AcceptOwnershipTransfer(bob, transfer.ID))

	// Ownership flipped: bob is owner, alice dropped to manager.
	got, err := s.GetConversation(bob, convID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.OwnerUserID)
	assert.Equal(t, model.AccessLevelOwner, got.AccessLevel)
	aliceView, err := s.GetConversation(alice, convID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLevelManager, aliceView.AccessLevel)

	// Accepting again reports not found.
	err = s.AcceptOwnershipTransfer(bob, transfer.ID)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestDeclineOwnershipTransfer(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, alice, convID, historyEntry("hello"))
	require.NoError(t, s.ShareConversation(alice, convID, "bob", model.AccessLevelWriter))

	transfer, err := s.CreateOwnershipTransfer(alice, convID, "bob")
	require.NoError(t, err)
	require.NoError(t, s.DeclineOwnershipTransfer(ctxAs("bob", ""), transfer.ID))

	// Ownership unchanged, and a new transfer can start.
	got, err := s.GetConversation(alice, convID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerUserID)
	_, err = s.CreateOwnershipTransfer(alice, convID, "bob")
	require.NoError(t, err)
}

func TestGetOwnershipTransfer(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, alice, convID, historyEntry("hello"))
	require.NoError(t, s.ShareConversation(alice, convID, "bob", model.AccessLevelWriter))
	transfer, err := s.CreateOwnershipTransfer(alice, convID, "bob")
	require.NoError(t, err)

	// Both sides of the transfer may read it.
	got, err := s.GetOwnershipTransfer(ctxAs("bob", ""), transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.FromUserID)
	assert.Equal(t, convID, got.ConversationID)
	_, err = s.GetOwnershipTransfer(alice, transfer.ID)
	require.NoError(t, err)

	// Uninvolved users cannot.
	_, err = s.GetOwnershipTransfer(ctxAs("mallory", ""), transfer.ID)
	assert.IsType(t, &ForbiddenError{}, err)

	_, err = s.GetOwnershipTransfer(alice, uuid.New())
	assert.IsType(t, &NotFoundError{}, err)
}

func TestUnshareCancelsTransferToRemovedMember(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, alice, convID, historyEntry("hello"))
	require.NoError(t, s.ShareConversation(alice, convID, "bob", model.AccessLevelWriter))
	transfer, err := s.CreateOwnershipTransfer(alice, convID, "bob")
	require.NoError(t, err)

	require.NoError(t, s.UnshareConversation(alice, convID, "bob"))

	err = s.AcceptOwnershipTransfer(ctxAs("bob", ""), transfer.ID)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestMemoryEntriesRequireClientID(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	convID := uuid.New()
	appendOne(t, s, ctx, convID, historyEntry("hello"))

	_, err := s.GetEntries(ctxAs("alice", ""), convID, GetEntriesQuery{
		Channels: []model.Channel{model.ChannelMemory},
	})
	assert.IsType(t, &ForbiddenError{}, err)

	_, _, err = s.AppendEntries(ctxAs("alice", ""), convID, []CreateEntryRequest{{
		Channel:     model.ChannelMemory,
		ContentType: "application/json",
		Content:     []interface{}{map[string]interface{}{"type": "text", "text": "m"}},
	}})
	assert.IsType(t, &ForbiddenError{}, err)
}

func TestMemoryEntriesScopedPerClient(t *testing.T) {
	s := newService(t)
	convID := uuid.New()
	agent1 := ctxAs("alice", "agent-1")
	agent2 := ctxAs("alice", "agent-2")
	appendOne(t, s, agent1, convID, historyEntry("hello"))

	memEntry := CreateEntryRequest{
		Channel:     model.ChannelMemory,
		ContentType: "application/json",
		Content:     []interface{}{map[string]interface{}{"type": "text", "text": "agent-1 memory"}},
	}
	appendOne(t, s, agent1, convID, memEntry)

	page, err := s.GetEntries(agent1, convID, GetEntriesQuery{Channels: []model.Channel{model.ChannelMemory}})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)

	page, err = s.GetEntries(agent2, convID, GetEntriesQuery{Channels: []model.Channel{model.ChannelMemory}})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func syncContent(items ...string) CreateEntryRequest {
	blocks := make([]interface{}, len(items))
	for i, item := range items {
		blocks[i] = map[string]interface{}{"type": "text", "text": item}
	}
	return CreateEntryRequest{ContentType: "application/json", Content: blocks}
}

func TestSyncNoOpOnIdenticalContent(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	convID := uuid.New()

	first, err := s.SyncMemoryEntries(ctx, convID, syncContent("a", "b"))
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.True(t, first.AutoCreated)
	assert.Equal(t, int64(1), first.Epoch)

	second, err := s.SyncMemoryEntries(ctx, convID, syncContent("a", "b"))
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, int64(1), second.Epoch)
}

func TestSyncAppendsDeltaUnderSameEpoch(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	convID := uuid.New()

	_, err := s.SyncMemoryEntries(ctx, convID, syncContent("a"))
	require.NoError(t, err)

	result, err := s.SyncMemoryEntries(ctx, convID, syncContent("a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.False(t, result.EpochIncremented)
	assert.Equal(t, int64(1), result.Epoch)

	// Only the delta was appended.
	require.Len(t, result.Entries, 1)
	blocks := result.Entries[0].Content.([]interface{})
	require.Len(t, blocks, 2)
	assert.Equal(t, "b", blocks[0].(map[string]interface{})["text"])

	// The flattened view matches the incoming list.
	page, err := s.GetEntries(ctx, convID, GetEntriesQuery{Channels: []model.Channel{model.ChannelMemory}})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
}

func TestSyncDivergenceStartsNewEpoch(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	convID := uuid.New()

	_, err := s.SyncMemoryEntries(ctx, convID, syncContent("a", "b"))
	require.NoError(t, err)

	result, err := s.SyncMemoryEntries(ctx, convID, syncContent("a", "x"))
	require.NoError(t, err)
	assert.True(t, result.EpochIncremented)
	assert.Equal(t, int64(2), result.Epoch)

	// Latest epoch view shows only the new content.
	page, err := s.GetEntries(ctx, convID, GetEntriesQuery{Channels: []model.Channel{model.ChannelMemory}})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(2), *page.Entries[0].Epoch)

	// The previous epoch is still reachable explicitly.
	one := int64(1)
	page, err = s.GetEntries(ctx, convID, GetEntriesQuery{
		Channels:      []model.Channel{model.ChannelMemory},
		MemoryEpoch:   MemoryEpochLatest,
		SpecificEpoch: &one,
	})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(1), *page.Entries[0].Epoch)
}

func TestSyncEmptyClearsMemory(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	convID := uuid.New()

	_, err := s.SyncMemoryEntries(ctx, convID, syncContent("a"))
	require.NoError(t, err)

	result, err := s.SyncMemoryEntries(ctx, convID, syncContent())
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.True(t, result.EpochIncremented)
	assert.Equal(t, int64(2), result.Epoch)

	// A further empty sync is a no-op.
	again, err := s.SyncMemoryEntries(ctx, convID, syncContent())
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestSyncRejectsNonMemoryChannel(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	convID := uuid.New()

	req := syncContent("a")
	req.Channel = model.ChannelHistory
	_, err := s.SyncMemoryEntries(ctx, convID, req)
	assert.IsType(t, &ValidationError{}, err)

	// Nothing was written or auto-created along the way.
	_, err = s.GetConversation(ctx, convID)
	assert.IsType(t, &NotFoundError{}, err)

	// Naming the memory channel explicitly is fine.
	req = syncContent("a")
	req.Channel = model.ChannelMemory
	result, err := s.SyncMemoryEntries(ctx, convID, req)
	require.NoError(t, err)
	assert.True(t, result.Changed)
}

func TestSyncEmptyOnMissingConversationIsNoOp(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "agent-1")
	convID := uuid.New()

	result, err := s.SyncMemoryEntries(ctx, convID, syncContent())
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.False(t, result.AutoCreated)

	_, err = s.GetConversation(ctx, convID)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestListConversationsModes(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")
	rootID := uuid.New()
	e1 := appendOne(t, s, ctx, rootID, historyEntry("root"))
	fork, err := s.CreateConversation(ctx, CreateConversationRequest{
		ForkedAtConversationID: &rootID,
		ForkedAtEntryID:        &e1.ID,
	})
	require.NoError(t, err)
	appendOne(t, s, ctx, fork.ID, historyEntry("fork entry"))

	all, err := s.ListConversations(ctx, ListConversationsQuery{Mode: model.ListModeAll})
	require.NoError(t, err)
	assert.Len(t, all.Conversations, 2)

	roots, err := s.ListConversations(ctx, ListConversationsQuery{Mode: model.ListModeRoots})
	require.NoError(t, err)
	require.Len(t, roots.Conversations, 1)
	assert.Equal(t, rootID, roots.Conversations[0].ID)

	// The fork was updated last, so latest-fork mode returns it.
	latest, err := s.ListConversations(ctx, ListConversationsQuery{Mode: model.ListModeLatestFork})
	require.NoError(t, err)
	require.Len(t, latest.Conversations, 1)
	assert.Equal(t, fork.ID, latest.Conversations[0].ID)
}

func TestListConversationsTitleFilter(t *testing.T) {
	s := newService(t)
	ctx := ctxAs("alice", "")
	_, err := s.CreateConversation(ctx, CreateConversationRequest{Title: "Quarterly planning"})
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, CreateConversationRequest{Title: "Grocery list"})
	require.NoError(t, err)

	page, err := s.ListConversations(ctx, ListConversationsQuery{TitleFilter: "planning"})
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, "Quarterly planning", page.Conversations[0].Title)
}

func TestSearchFindsIndexedEntries(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, alice, convID, historyEntry("the mitochondria is the powerhouse of the cell"))

	indexed, err := s.IndexPendingEntries(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)

	results, err := s.SearchEntries(alice, "powerhouse", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, convID, results[0].ConversationID)
	assert.Contains(t, results[0].Highlight, "powerhouse")

	// Users without membership see nothing.
	results, err = s.SearchEntries(ctxAs("bob", ""), "powerhouse", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAdminListAndPurge(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "")
	admin := ctxAsAdmin("root")
	convID := uuid.New()
	appendOne(t, s, alice, convID, historyEntry("hello"))

	// Non-admins are rejected.
	_, err := s.AdminListConversations(alice, AdminConversationQuery{})
	assert.IsType(t, &ForbiddenError{}, err)

	require.NoError(t, s.DeleteConversation(alice, convID))

	deleted, err := s.AdminListConversations(admin, AdminConversationQuery{OnlyDeleted: true})
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	require.NoError(t, s.AdminPurgeConversation(admin, convID))
	all, err := s.AdminListConversations(admin, AdminConversationQuery{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAdminInspection(t *testing.T) {
	s := newService(t)
	alice := ctxAs("alice", "agent-1")
	admin := ctxAsAdmin("root")
	convID := uuid.New()
	appendOne(t, s, alice, convID, historyEntry("the quarterly numbers"))
	require.NoError(t, s.ShareConversation(alice, convID, "bob", model.AccessLevelReader))
	require.NoError(t, s.UnshareConversation(alice, convID, "bob"))

	// Non-admins are rejected everywhere.
	_, err := s.AdminGetConversation(alice, convID)
	assert.IsType(t, &ForbiddenError{}, err)
	_, err = s.AdminSearchEntries(alice, "numbers", 10)
	assert.IsType(t, &ForbiddenError{}, err)

	conv, err := s.AdminGetConversation(admin, convID)
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.OwnerUserID)

	page, err := s.AdminGetEntries(admin, convID, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)

	// Revoked members still show up, flagged with their removal time.
	members, err := s.AdminListMemberships(admin, convID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	byUser := map[string]MembershipDto{}
	for _, m := range members {
		byUser[m.UserID] = m
	}
	assert.Nil(t, byUser["alice"].DeletedAt)
	assert.NotNil(t, byUser["bob"].DeletedAt)

	// Admin search spans every group, no membership required.
	indexed, err := s.AdminIndexEntries(admin, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)
	results, err := s.AdminSearchEntries(admin, "quarterly", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, convID, results[0].ConversationID)
}

func TestEncryptionAtRest(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	codec, err := crypto.NewCodec(&cfg)
	require.NoError(t, err)
	backend := repomemory.New()
	s := New(backend, codec, cache.Noop{})

	ctx := ctxAs("alice", "")
	convID := uuid.New()
	appendOne(t, s, ctx, convID, historyEntry("secret message"))

	// The stored bytes are ciphertext.
	var stored model.Entry
	entries, err := backend.EntriesByGroup(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	stored = entries[0]
	assert.NotContains(t, string(stored.Content), "secret message")

	// The read path decrypts transparently.
	page, err := s.GetEntries(ctx, convID, GetEntriesQuery{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	blocks := page.Entries[0].Content.([]interface{})
	assert.Equal(t, "secret message", blocks[0].(map[string]interface{})["text"])

	// Titles are encrypted too.
	conv, err := backend.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.NotContains(t, string(conv.Title), "secret")
}
