// Package resumer lets clients re-attach to an in-progress agent response.
// Tokens stream into an append-only recording as they are generated; a
// reconnecting client replays the recording from any position and then
// follows it live until the response completes.
package resumer

import (
	"context"

	"github.com/google/uuid"
)

// ResponseResumer records and replays in-progress responses.
type ResponseResumer interface {
	// Enabled reports whether recordings are actually kept. The noop
	// resumer returns false and all other operations degrade gracefully.
	Enabled(ctx context.Context) bool

	// Recorder starts (or restarts) the recording for a conversation. An
	// existing recording for the same conversation is completed first.
	Recorder(ctx context.Context, conversationID uuid.UUID) (Recorder, error)

	// Replay streams the recording from resumeFrom (a byte position into
	// the token stream) and then follows it live. The channel closes when
	// the response completes or ctx is done.
	Replay(ctx context.Context, conversationID uuid.UUID, resumeFrom int64) (<-chan string, error)

	// RequestCancel asks whoever is producing the response to stop.
	RequestCancel(ctx context.Context, conversationID uuid.UUID) error

	// HasResponseInProgress reports whether a recording is currently live.
	HasResponseInProgress(ctx context.Context, conversationID uuid.UUID) (bool, error)

	// Check filters the given conversations down to those with a live
	// response.
	Check(ctx context.Context, conversationIDs []uuid.UUID) ([]uuid.UUID, error)
}

// Recorder writes tokens into one conversation's active recording.
type Recorder interface {
	Record(token string) error
	// Complete finalizes the recording. Idempotent.
	Complete() error
	// CancelStream is closed when a cancel has been requested for this
	// recording.
	CancelStream() <-chan struct{}
}

// Noop is the disabled resumer. It is an explicit injected value, not a
// hidden global: components receive it when resuming is off.
type Noop struct{}

var _ ResponseResumer = Noop{}

func (Noop) Enabled(context.Context) bool { return false }

func (Noop) Recorder(context.Context, uuid.UUID) (Recorder, error) {
	return noopRecorder{}, nil
}

func (Noop) Replay(context.Context, uuid.UUID, int64) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (Noop) RequestCancel(context.Context, uuid.UUID) error { return nil }

func (Noop) HasResponseInProgress(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

func (Noop) Check(context.Context, []uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

// Select returns the first enabled resumer, falling back to Noop when
// nothing is configured.
func Select(ctx context.Context, candidates ...ResponseResumer) ResponseResumer {
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if candidate.Enabled(ctx) {
			return candidate
		}
	}
	return Noop{}
}

type noopRecorder struct{}

func (noopRecorder) Record(string) error { return nil }

func (noopRecorder) Complete() error { return nil }

func (noopRecorder) CancelStream() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
