package stream

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"github.com/threadkeep/threadkeep/internal/store"
)

// TurnPersister is the slice of the domain layer the adapter needs to save
// the finished turn.
type TurnPersister interface {
	AppendEntries(ctx context.Context, conversationID uuid.UUID, reqs []store.CreateEntryRequest) (*store.AppendResult, []store.EntryDto, error)
}

// Outcome is the terminal state of an adapted stream.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

type signalKind int

const (
	sigEvent signalKind = iota
	sigComplete
	sigError
	sigCancel
)

// signal is the one message type every concurrent source reduces to. A
// single goroutine consumes the channel and owns all terminal state, so no
// lock guards the "already finalized" flag.
type signal struct {
	kind  signalKind
	event Event
	err   error
}

// AdapterOptions wires an Adapter.
type AdapterOptions struct {
	ConversationID uuid.UUID
	Persister      TurnPersister
	// Recorder receives every event as a JSON line so disconnected clients
	// can resume. Nil disables recording.
	Recorder resumer.Recorder
	// CancelUpstream stops the agent when a cancel signal wins the race.
	CancelUpstream context.CancelFunc
	Logger         *log.Logger
	// Buffer sizes the downstream channel. Zero means unbuffered.
	Buffer int
}

// Adapter multiplexes an upstream agent stream, the resumer recorder, and
// a cancel watcher onto one downstream event channel, and persists the
// coalesced turn exactly once on termination.
type Adapter struct {
	conversationID uuid.UUID
	persister      TurnPersister
	recorder       resumer.Recorder
	cancelUpstream context.CancelFunc
	logger         *log.Logger

	signals chan signal
	out     chan Event
	done    chan struct{}
	outcome Outcome
}

// NewAdapter builds an Adapter. Call Run to start it.
func NewAdapter(opts AdapterOptions) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		conversationID: opts.ConversationID,
		persister:      opts.Persister,
		recorder:       opts.Recorder,
		cancelUpstream: opts.CancelUpstream,
		logger:         logger,
		signals:        make(chan signal, 16),
		out:            make(chan Event, opts.Buffer),
		done:           make(chan struct{}),
	}
}

// Events is the downstream channel. It closes when the stream terminates.
func (a *Adapter) Events() <-chan Event {
	return a.out
}

// Done closes after the terminal path has run, including persistence.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Outcome reports the terminal state. Valid after Done closes.
func (a *Adapter) Outcome() Outcome {
	return a.outcome
}

// Run consumes the upstream channel until it closes or errors. It returns
// the terminal outcome after the turn has been persisted and downstream
// closed. errs may be nil when the upstream cannot fail.
func (a *Adapter) Run(ctx context.Context, upstream <-chan Event, errs <-chan error) Outcome {
	// Upstream reader.
	go func() {
		for {
			select {
			case ev, ok := <-upstream:
				if !ok {
					a.send(signal{kind: sigComplete})
					return
				}
				if !a.send(signal{kind: sigEvent, event: ev}) {
					return
				}
			case err, ok := <-errs:
				if ok && err != nil {
					a.send(signal{kind: sigError, err: err})
				} else {
					a.send(signal{kind: sigComplete})
				}
				return
			case <-ctx.Done():
				a.send(signal{kind: sigCancel})
				return
			}
		}
	}()

	// Cancel watcher: a cancel requested through the resumer races the
	// stream's own termination.
	if a.recorder != nil {
		go func() {
			select {
			case <-a.recorder.CancelStream():
				a.send(signal{kind: sigCancel})
			case <-a.done:
			}
		}()
	}

	return a.finalizeLoop(ctx)
}

// send delivers a signal unless the terminal path already ran. Reports
// whether the loop is still consuming.
func (a *Adapter) send(sig signal) bool {
	select {
	case a.signals <- sig:
		return true
	case <-a.done:
		return false
	}
}

// finalizeLoop is the single consumer of the signal channel. Whichever
// terminal signal arrives first wins; later ones find the loop gone.
func (a *Adapter) finalizeLoop(ctx context.Context) Outcome {
	coalescer := &Coalescer{}

	for sig := range a.signals {
		switch sig.kind {
		case sigEvent:
			a.record(sig.event)
			coalescer.Add(sig.event)
			select {
			case a.out <- sig.event:
			case <-ctx.Done():
				a.finalize(ctx, coalescer, OutcomeCancelled)
				return a.outcome
			}
		case sigComplete:
			a.finalize(ctx, coalescer, OutcomeCompleted)
			return a.outcome
		case sigError:
			a.logger.Warn("agent stream failed",
				"conversationId", a.conversationID, "error", sig.err)
			a.finalize(ctx, coalescer, OutcomeFailed)
			return a.outcome
		case sigCancel:
			if a.cancelUpstream != nil {
				a.cancelUpstream()
			}
			a.finalize(ctx, coalescer, OutcomeCancelled)
			return a.outcome
		}
	}
	a.finalize(ctx, coalescer, OutcomeCompleted)
	return a.outcome
}

// record feeds one event to the resumer as a JSON line. Losing the ability
// to resume must never abort the stream, so failures are logged and
// swallowed.
func (a *Adapter) record(ev Event) {
	if a.recorder == nil {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		a.logger.Warn("failed to encode stream event for recording",
			"conversationId", a.conversationID, "error", err)
		return
	}
	if err := a.recorder.Record(string(line) + "\n"); err != nil {
		a.logger.Warn("failed to record stream event",
			"conversationId", a.conversationID, "error", err)
	}
}

// finalize runs the terminal path: persist the coalesced turn, complete
// the recording, close downstream. Persistence errors are swallowed so
// they cannot mask the outcome reported to the caller.
func (a *Adapter) finalize(ctx context.Context, coalescer *Coalescer, outcome Outcome) {
	a.outcome = outcome

	if a.persister != nil && !coalescer.Empty() {
		// Persist with a fresh deadline: the caller's context may already be
		// cancelled when we get here.
		persistCtx := context.WithoutCancel(ctx)
		_, _, err := a.persister.AppendEntries(persistCtx, a.conversationID, []store.CreateEntryRequest{{
			Channel:     model.ChannelHistory,
			ContentType: "application/json",
			Content:     coalescer.Content(),
		}})
		if err != nil {
			a.logger.Warn("failed to persist coalesced agent turn",
				"conversationId", a.conversationID, "outcome", outcome, "error", err)
		}
	}

	if a.recorder != nil {
		if err := a.recorder.Complete(); err != nil {
			a.logger.Warn("failed to complete response recording",
				"conversationId", a.conversationID, "error", err)
		}
	}

	close(a.out)
	close(a.done)
}
