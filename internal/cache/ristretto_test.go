package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/model"
)

func newRistretto(t *testing.T) MemoryEntriesCache {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CacheEpochTTL = time.Minute
	ctx := config.WithContext(context.Background(), &cfg)
	c, err := loadRistretto(ctx)
	require.NoError(t, err)
	return c
}

func TestRistrettoRoundTrip(t *testing.T) {
	c := newRistretto(t)
	ctx := context.Background()
	convID := uuid.New()

	_, ok := c.Get(ctx, convID, "client-1")
	assert.False(t, ok)

	epoch := int64(3)
	value := CachedMemoryEntries{
		Epoch: epoch,
		Entries: []model.Entry{{
			ID:             uuid.New(),
			ConversationID: convID,
			Channel:        model.ChannelMemory,
			Epoch:          &epoch,
			ContentType:    "application/json",
			Content:        []byte(`[{"type":"text","text":"remembered"}]`),
			CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		}},
	}
	c.Set(ctx, convID, "client-1", value)

	got, ok := c.Get(ctx, convID, "client-1")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Epoch)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, value.Entries[0].Content, got.Entries[0].Content)

	// Different client id is a different key.
	_, ok = c.Get(ctx, convID, "client-2")
	assert.False(t, ok)

	c.Remove(ctx, convID, "client-1")
	_, ok = c.Get(ctx, convID, "client-1")
	assert.False(t, ok)
}

func TestNoopNeverHits(t *testing.T) {
	ctx := context.Background()
	convID := uuid.New()
	var c MemoryEntriesCache = Noop{}

	assert.False(t, c.Available(ctx))
	c.Set(ctx, convID, "client", CachedMemoryEntries{Epoch: 1})
	_, ok := c.Get(ctx, convID, "client")
	assert.False(t, ok)
}

func TestCachedEntriesJSONRoundTrip(t *testing.T) {
	epoch := int64(2)
	value := CachedMemoryEntries{
		Epoch: epoch,
		Entries: []model.Entry{{
			ID:             uuid.New(),
			ConversationID: uuid.New(),
			Channel:        model.ChannelMemory,
			Epoch:          &epoch,
			ContentType:    "application/json",
			Content:        []byte(`[{"type":"text","text":"hi"}]`),
			CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		}},
	}
	data, err := json.Marshal(value)
	require.NoError(t, err)

	var decoded CachedMemoryEntries
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, value.Epoch, decoded.Epoch)
	require.Len(t, decoded.Entries, 1)
	assert.JSONEq(t, string(value.Entries[0].Content), string(decoded.Entries[0].Content))
}
