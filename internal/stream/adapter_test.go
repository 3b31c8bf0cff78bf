package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/store"
)

type fakePersister struct {
	mu    sync.Mutex
	reqs  [][]store.CreateEntryRequest
	fail  bool
	convs []uuid.UUID
}

func (f *fakePersister) AppendEntries(_ context.Context, convID uuid.UUID, reqs []store.CreateEntryRequest) (*store.AppendResult, []store.EntryDto, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, nil, errors.New("datastore down")
	}
	f.reqs = append(f.reqs, reqs)
	f.convs = append(f.convs, convID)
	return &store.AppendResult{ConversationID: convID}, nil, nil
}

func (f *fakePersister) persisted() []store.CreateEntryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

type fakeRecorder struct {
	mu        sync.Mutex
	tokens    []string
	completed int
	failWith  error
	cancelCh  chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{cancelCh: make(chan struct{})}
}

func (r *fakeRecorder) Record(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.tokens = append(r.tokens, token)
	return nil
}

func (r *fakeRecorder) Complete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
	return nil
}

func (r *fakeRecorder) CancelStream() <-chan struct{} { return r.cancelCh }

func (r *fakeRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func (r *fakeRecorder) completions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out collecting downstream events")
		}
	}
}

func TestCoalescerMergesAdjacentText(t *testing.T) {
	c := &Coalescer{}
	c.Add(Event{Type: EventText, Text: "Hel"})
	c.Add(Event{Type: EventText, Text: "lo "})
	c.Add(Event{Type: EventThinking, Text: "hmm"})
	c.Add(Event{Type: EventThinking, Text: "..."})
	c.Add(Event{Type: EventToolResult, ToolName: "search", Text: "3 results", Attachments: []Attachment{{URL: "https://example.com/a.pdf"}}})
	c.Add(Event{Type: EventText, Text: "world"})
	c.Add(Event{Type: EventText, Text: ""})

	blocks := c.Blocks()
	require.Len(t, blocks, 4)
	assert.Equal(t, Block{Type: EventText, Text: "Hello "}, blocks[0])
	assert.Equal(t, Block{Type: EventThinking, Text: "hmm..."}, blocks[1])
	assert.Equal(t, Block{Type: EventToolResult, Tool: "search", Text: "3 results"}, blocks[2])
	assert.Equal(t, Block{Type: EventText, Text: "world"}, blocks[3])

	assert.Equal(t, "Hello world", c.FinalText())
	assert.Len(t, c.Attachments(), 1)

	content := c.Content()
	assert.Equal(t, "assistant", content["role"])
	assert.Equal(t, "Hello world", content["text"])
}

func TestAdapterForwardsRecordsAndPersists(t *testing.T) {
	convID := uuid.New()
	persister := &fakePersister{}
	recorder := newFakeRecorder()

	adapter := NewAdapter(AdapterOptions{
		ConversationID: convID,
		Persister:      persister,
		Recorder:       recorder,
		Buffer:         8,
	})

	upstream := make(chan Event)
	go func() {
		upstream <- Event{Type: EventText, Text: "The answer "}
		upstream <- Event{Type: EventText, Text: "is 42."}
		close(upstream)
	}()

	var outcome Outcome
	done := make(chan struct{})
	go func() {
		outcome = adapter.Run(context.Background(), upstream, nil)
		close(done)
	}()

	events := collectEvents(t, adapter.Events())
	<-done

	assert.Equal(t, OutcomeCompleted, outcome)
	require.Len(t, events, 2)
	assert.Equal(t, "The answer ", events[0].Text)

	// Every event became a JSON line in the recording.
	recorded := recorder.recorded()
	require.Len(t, recorded, 2)
	assert.Contains(t, recorded[0], `"text":"The answer "`)
	assert.True(t, strings.HasSuffix(recorded[0], "\n"))
	assert.Equal(t, 1, recorder.completions())

	// One coalesced history entry was persisted.
	reqs := persister.persisted()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.ChannelHistory, reqs[0].Channel)
	content, ok := reqs[0].Content.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "The answer is 42.", content["text"])
}

func TestAdapterFailureStillPersistsAndCompletes(t *testing.T) {
	convID := uuid.New()
	persister := &fakePersister{}
	recorder := newFakeRecorder()

	adapter := NewAdapter(AdapterOptions{
		ConversationID: convID,
		Persister:      persister,
		Recorder:       recorder,
		Buffer:         8,
	})

	upstream := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		upstream <- Event{Type: EventText, Text: "partial answ"}
		errs <- errors.New("model connection reset")
	}()

	var outcome Outcome
	done := make(chan struct{})
	go func() {
		outcome = adapter.Run(context.Background(), upstream, errs)
		close(done)
	}()

	events := collectEvents(t, adapter.Events())
	<-done

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, recorder.completions())

	reqs := persister.persisted()
	require.Len(t, reqs, 1)
	content := reqs[0].Content.(map[string]interface{})
	assert.Equal(t, "partial answ", content["text"])
}

func TestAdapterCancelStopsUpstreamAndFinalizesOnce(t *testing.T) {
	convID := uuid.New()
	persister := &fakePersister{}
	recorder := newFakeRecorder()

	upstreamCtx, cancelUpstream := context.WithCancel(context.Background())
	adapter := NewAdapter(AdapterOptions{
		ConversationID: convID,
		Persister:      persister,
		Recorder:       recorder,
		CancelUpstream: cancelUpstream,
		Buffer:         8,
	})

	upstream := make(chan Event)
	go func() {
		upstream <- Event{Type: EventText, Text: "before cancel"}
		// Keep producing until cancelled.
		<-upstreamCtx.Done()
		close(upstream)
	}()

	var outcome Outcome
	done := make(chan struct{})
	go func() {
		outcome = adapter.Run(context.Background(), upstream, nil)
		close(done)
	}()

	// Wait for the first event downstream, then cancel via the recorder.
	select {
	case <-adapter.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("first event never arrived")
	}
	close(recorder.cancelCh)
	<-done

	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Error(t, upstreamCtx.Err(), "upstream should have been cancelled")
	assert.Equal(t, 1, recorder.completions())

	reqs := persister.persisted()
	require.Len(t, reqs, 1)
	content := reqs[0].Content.(map[string]interface{})
	assert.Equal(t, "before cancel", content["text"])
}

func TestAdapterSwallowsPersistenceErrors(t *testing.T) {
	persister := &fakePersister{fail: true}
	adapter := NewAdapter(AdapterOptions{
		ConversationID: uuid.New(),
		Persister:      persister,
		Buffer:         8,
	})

	upstream := make(chan Event)
	go func() {
		upstream <- Event{Type: EventText, Text: "lost forever"}
		close(upstream)
	}()

	done := make(chan struct{})
	var outcome Outcome
	go func() {
		outcome = adapter.Run(context.Background(), upstream, nil)
		close(done)
	}()

	collectEvents(t, adapter.Events())
	<-done

	// Persistence failed but the stream outcome is unaffected.
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestAdapterEmptyStreamPersistsNothing(t *testing.T) {
	persister := &fakePersister{}
	adapter := NewAdapter(AdapterOptions{
		ConversationID: uuid.New(),
		Persister:      persister,
	})

	upstream := make(chan Event)
	close(upstream)

	outcome := adapter.Run(context.Background(), upstream, nil)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Nil(t, persister.persisted())
}
