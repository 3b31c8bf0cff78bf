package resumer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(StoreOptions{
		TempDir:   t.TempDir(),
		Retention: time.Hour,
	})
}

func collect(t *testing.T, ch <-chan string) string {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case token, ok := <-ch:
			if !ok {
				return sb.String()
			}
			sb.WriteString(token)
		case <-timeout:
			t.Fatal("timed out waiting for replay to finish")
		}
	}
}

func TestReplayReturnsFullRecording(t *testing.T) {
	s := newTestStore(t)
	convID := uuid.New()

	rec, err := s.Recorder(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, rec.Record("Hello"))
	require.NoError(t, rec.Record(", "))
	require.NoError(t, rec.Record("world"))
	require.NoError(t, rec.Complete())

	ch, err := s.Replay(context.Background(), convID, 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", collect(t, ch))
}

func TestReplayFollowsLiveRecording(t *testing.T) {
	s := newTestStore(t)
	convID := uuid.New()

	rec, err := s.Recorder(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, rec.Record("first "))

	ch, err := s.Replay(context.Background(), convID, 0)
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() { done <- collect(t, ch) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rec.Record("second"))
	require.NoError(t, rec.Complete())

	select {
	case got := <-done:
		assert.Equal(t, "first second", got)
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish after completion")
	}
}

func TestReplayFromResumePosition(t *testing.T) {
	s := newTestStore(t)
	convID := uuid.New()

	rec, err := s.Recorder(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, rec.Record("0123456789"))
	require.NoError(t, rec.Complete())

	ch, err := s.Replay(context.Background(), convID, 4)
	require.NoError(t, err)
	assert.Equal(t, "456789", collect(t, ch))
}

func TestReplayUnknownConversation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Replay(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, ErrNoRecording)
}

func TestNewRecorderCompletesPrevious(t *testing.T) {
	s := newTestStore(t)
	convID := uuid.New()

	first, err := s.Recorder(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, first.Record("old"))

	second, err := s.Recorder(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, second.Record("new"))

	assert.Error(t, first.Record("more"), "first recording should reject writes once replaced")

	require.NoError(t, second.Complete())
	ch, err := s.Replay(context.Background(), convID, 0)
	require.NoError(t, err)
	assert.Equal(t, "new", collect(t, ch))
}

func TestRequestCancelSignalsRecorder(t *testing.T) {
	s := newTestStore(t)
	convID := uuid.New()

	rec, err := s.Recorder(context.Background(), convID)
	require.NoError(t, err)

	select {
	case <-rec.CancelStream():
		t.Fatal("cancel stream closed before cancel was requested")
	default:
	}

	require.NoError(t, s.RequestCancel(context.Background(), convID))
	select {
	case <-rec.CancelStream():
	case <-time.After(time.Second):
		t.Fatal("cancel stream never closed")
	}

	// Cancelling twice is fine.
	require.NoError(t, s.RequestCancel(context.Background(), convID))
}

func TestHasResponseInProgress(t *testing.T) {
	s := newTestStore(t)
	convID := uuid.New()
	ctx := context.Background()

	inProgress, err := s.HasResponseInProgress(ctx, convID)
	require.NoError(t, err)
	assert.False(t, inProgress)

	rec, err := s.Recorder(ctx, convID)
	require.NoError(t, err)

	inProgress, err = s.HasResponseInProgress(ctx, convID)
	require.NoError(t, err)
	assert.True(t, inProgress)

	other := uuid.New()
	live, err := s.Check(ctx, []uuid.UUID{convID, other})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{convID}, live)

	require.NoError(t, rec.Complete())
	inProgress, err = s.HasResponseInProgress(ctx, convID)
	require.NoError(t, err)
	assert.False(t, inProgress)
}

func TestStaleTempFileCleanup(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, tempFilePrefix+"stale"+tempFileSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(dir, tempFilePrefix+"fresh"+tempFileSuffix)
	require.NoError(t, os.WriteFile(fresh, []byte("recent"), 0o600))

	unrelated := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o600))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	NewStore(StoreOptions{TempDir: dir, Retention: time.Hour})

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated)
}

func TestExpiredRecordingSweep(t *testing.T) {
	s := NewStore(StoreOptions{TempDir: t.TempDir(), Retention: 10 * time.Millisecond})
	convID := uuid.New()

	rec, err := s.Recorder(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, rec.Record("done"))
	require.NoError(t, rec.Complete())

	time.Sleep(30 * time.Millisecond)
	s.Sweep(context.Background())

	_, err = s.Replay(context.Background(), convID, 0)
	assert.ErrorIs(t, err, ErrNoRecording)
}

func TestLocatorEncodeDecode(t *testing.T) {
	loc := Locator{Host: "node-1.internal", Port: 9090, FileName: "response-resume-abc.tokens"}

	decoded, ok := DecodeLocator(loc.Encode())
	require.True(t, ok)
	assert.Equal(t, loc, decoded)

	_, ok = DecodeLocator("not-a-locator")
	assert.False(t, ok)
}

func TestLocatorMatchesAddress(t *testing.T) {
	loc := Locator{Host: "Node-1", Port: 9090}

	assert.True(t, loc.MatchesAddress("node-1:9090"))
	assert.False(t, loc.MatchesAddress("node-2:9090"))
	assert.False(t, loc.MatchesAddress("node-1:9091"))
	assert.False(t, loc.MatchesAddress(""))

	bare := Locator{Host: "node-1"}
	assert.Equal(t, "node-1", bare.Address())

	empty := Locator{Port: 8080}
	assert.Equal(t, "localhost:8080", empty.Address())
}

func TestSelectPrefersEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, Noop{}, Select(ctx))
	assert.Equal(t, Noop{}, Select(ctx, Noop{}, nil))

	var picked ResponseResumer = Select(ctx, Noop{}, s)
	assert.Same(t, s, picked)
}
