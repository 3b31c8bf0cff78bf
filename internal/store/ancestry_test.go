package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/threadkeep/threadkeep/internal/model"
)

func mkEntry(convID uuid.UUID, channel model.Channel, clientID string, epoch int64, at time.Time) model.Entry {
	e := model.Entry{
		ID:             uuid.New(),
		ConversationID: convID,
		Channel:        channel,
		CreatedAt:      at,
	}
	if clientID != "" {
		e.ClientID = &clientID
	}
	if epoch > 0 {
		e.Epoch = &epoch
	}
	return e
}

func TestFilterMemoryEntriesLatestResetsOnHigherEpoch(t *testing.T) {
	convID := uuid.New()
	base := time.Now()
	entries := []model.Entry{
		mkEntry(convID, model.ChannelMemory, "agent", 1, base),
		mkEntry(convID, model.ChannelMemory, "agent", 1, base.Add(time.Second)),
		mkEntry(convID, model.ChannelMemory, "agent", 2, base.Add(2*time.Second)),
	}
	ancestry := []forkAncestor{{ConversationID: convID}}

	latest := filterMemoryEntriesWithEpoch(entries, ancestry, "agent", MemoryEpochLatest, nil)
	assert.Len(t, latest, 1)
	assert.Equal(t, int64(2), *latest[0].Epoch)

	all := filterMemoryEntriesWithEpoch(entries, ancestry, "agent", MemoryEpochAll, nil)
	assert.Len(t, all, 3)

	one := int64(1)
	epochOne := filterMemoryEntriesWithEpoch(entries, ancestry, "agent", MemoryEpochLatest, &one)
	assert.Len(t, epochOne, 2)
}

func TestFilterMemoryEntriesIgnoresOtherClients(t *testing.T) {
	convID := uuid.New()
	base := time.Now()
	entries := []model.Entry{
		mkEntry(convID, model.ChannelMemory, "agent-a", 1, base),
		mkEntry(convID, model.ChannelMemory, "agent-b", 5, base.Add(time.Second)),
		mkEntry(convID, model.ChannelHistory, "", 0, base.Add(2*time.Second)),
	}
	ancestry := []forkAncestor{{ConversationID: convID}}

	got := filterMemoryEntriesWithEpoch(entries, ancestry, "agent-a", MemoryEpochLatest, nil)
	assert.Len(t, got, 1)
	assert.Equal(t, "agent-a", *got[0].ClientID)
}

func TestPaginateEntries(t *testing.T) {
	convID := uuid.New()
	base := time.Now()
	var entries []model.Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, mkEntry(convID, model.ChannelHistory, "", 0, base.Add(time.Duration(i)*time.Second)))
	}

	page, cursor := paginateEntries(entries, nil, 2)
	assert.Len(t, page, 2)
	assert.Equal(t, entries[1].ID, *cursor)

	page, cursor = paginateEntries(entries, cursor, 10)
	assert.Len(t, page, 3)
	assert.Nil(t, cursor)

	// Unknown cursor restarts from the top.
	unknown := uuid.New()
	page, _ = paginateEntries(entries, &unknown, 2)
	assert.Len(t, page, 2)
	assert.Equal(t, entries[0].ID, page[0].ID)

	// Cursor at the end yields an empty page.
	last := entries[4].ID
	page, cursor = paginateEntries(entries, &last, 2)
	assert.Empty(t, page)
	assert.Nil(t, cursor)
}
