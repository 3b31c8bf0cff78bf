// Package grpcresumer is the remote side of the response resumer: a
// ResponseResumer backed by another instance's rpc service. When a locator
// points elsewhere the remote end answers with a redirect, which the
// client follows up to a configured bound.
package grpcresumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"github.com/threadkeep/threadkeep/internal/resumer/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrTooManyRedirects is returned when a replay or cancel bounces between
// instances more times than allowed.
var ErrTooManyRedirects = errors.New("too many redirects")

const (
	recordMethod    = "/" + wire.ServiceName + "/Record"
	replayMethod    = "/" + wire.ServiceName + "/Replay"
	cancelMethod    = "/" + wire.ServiceName + "/Cancel"
	checkMethod     = "/" + wire.ServiceName + "/Check"
	isEnabledMethod = "/" + wire.ServiceName + "/IsEnabled"
)

var (
	recordStreamDesc = grpc.StreamDesc{StreamName: "Record", ClientStreams: true}
	replayStreamDesc = grpc.StreamDesc{StreamName: "Replay", ServerStreams: true}
)

// Client is a ResponseResumer that records and replays through a remote
// instance.
type Client struct {
	baseAddress  string
	maxRedirects int
	logger       *log.Logger
	dialOpts     []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ resumer.ResponseResumer = (*Client)(nil)

// Options configures a remote resumer client.
type Options struct {
	// Address of the remote resumer service.
	Address string
	// MaxRedirects bounds redirect-following. Zero or negative means one.
	MaxRedirects int
	Logger       *log.Logger
	// DialOptions override the defaults (insecure transport, raw codec).
	DialOptions []grpc.DialOption
}

func New(opts Options) *Client {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialOpts := opts.DialOptions
	if dialOpts == nil {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)))
	return &Client{
		baseAddress:  strings.TrimSpace(opts.Address),
		maxRedirects: maxRedirects,
		logger:       logger,
		dialOpts:     dialOpts,
		conns:        make(map[string]*grpc.ClientConn),
	}
}

// Close tears down all connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.logger.Warn("failed to close resumer connection", "address", addr, "error", err)
		}
		delete(c.conns, addr)
	}
}

func (c *Client) conn(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to resumer at %s: %w", address, err)
	}
	c.conns[address] = conn
	return conn, nil
}

func (c *Client) Enabled(ctx context.Context) bool {
	if c.baseAddress == "" {
		return false
	}
	conn, err := c.conn(c.baseAddress)
	if err != nil {
		return false
	}
	ctx = wire.IdentityToOutgoing(ctx)
	var reply wire.Raw
	if err := conn.Invoke(ctx, isEnabledMethod, wire.Raw{}, &reply); err != nil {
		c.logger.Debug("resumer enabled check failed", "address", c.baseAddress, "error", err)
		return false
	}
	enabled, err := wire.DecodeBool(reply)
	return err == nil && enabled
}

func (c *Client) Recorder(ctx context.Context, conversationID uuid.UUID) (resumer.Recorder, error) {
	conn, err := c.conn(c.baseAddress)
	if err != nil {
		return nil, err
	}
	ctx = wire.IdentityToOutgoing(ctx)
	stream, err := conn.NewStream(ctx, &recordStreamDesc, recordMethod)
	if err != nil {
		return nil, err
	}
	first := wire.EncodeRecordFrame(wire.RecordFrame{ConversationID: &conversationID})
	if err := stream.SendMsg(first); err != nil {
		return nil, err
	}

	cancelCh := make(chan struct{})
	rec := &remoteRecorder{stream: stream, cancelCh: cancelCh}
	// The server has no back-channel on a client stream; a broken stream is
	// the cancel signal for the producer.
	context.AfterFunc(stream.Context(), func() { rec.signalCancel() })
	return rec, nil
}

type remoteRecorder struct {
	stream grpc.ClientStream

	mu        sync.Mutex
	completed bool

	cancelCh     chan struct{}
	cancelOnce   sync.Once
	completeOnce sync.Once
	completeErr  error
}

var _ resumer.Recorder = (*remoteRecorder)(nil)

func (r *remoteRecorder) Record(token string) error {
	if token == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return errors.New("recording already completed")
	}
	err := r.stream.SendMsg(wire.EncodeRecordFrame(wire.RecordFrame{Token: token}))
	if err != nil {
		r.signalCancel()
	}
	return err
}

func (r *remoteRecorder) Complete() error {
	r.completeOnce.Do(func() {
		r.mu.Lock()
		r.completed = true
		r.mu.Unlock()

		if err := r.stream.SendMsg(wire.EncodeRecordFrame(wire.RecordFrame{Complete: true})); err != nil {
			r.completeErr = err
			return
		}
		if err := r.stream.CloseSend(); err != nil {
			r.completeErr = err
			return
		}
		var reply wire.Raw
		if err := r.stream.RecvMsg(&reply); err != nil && err != io.EOF {
			r.completeErr = err
		}
	})
	return r.completeErr
}

func (r *remoteRecorder) CancelStream() <-chan struct{} { return r.cancelCh }

func (r *remoteRecorder) signalCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (c *Client) Replay(ctx context.Context, conversationID uuid.UUID, resumeFrom int64) (<-chan string, error) {
	address := c.baseAddress
	ctx = wire.IdentityToOutgoing(ctx)
	request := wire.EncodeReplayRequest(wire.ReplayRequest{ConversationID: conversationID, ResumeFrom: resumeFrom})

	for hop := 0; ; hop++ {
		conn, err := c.conn(address)
		if err != nil {
			return nil, err
		}
		stream, err := conn.NewStream(ctx, &replayStreamDesc, replayMethod)
		if err != nil {
			return nil, err
		}
		if err := stream.SendMsg(request); err != nil {
			return nil, err
		}
		if err := stream.CloseSend(); err != nil {
			return nil, err
		}

		var raw wire.Raw
		if err := stream.RecvMsg(&raw); err != nil {
			if err == io.EOF {
				ch := make(chan string)
				close(ch)
				return ch, nil
			}
			if status.Code(err) == codes.NotFound {
				return nil, resumer.ErrNoRecording
			}
			return nil, err
		}
		frame, err := wire.DecodeReplayFrame(raw)
		if err != nil {
			return nil, err
		}
		if frame.Redirect {
			if hop >= c.maxRedirects {
				return nil, ErrTooManyRedirects
			}
			c.logger.Debug("following replay redirect",
				"conversationId", conversationID, "address", frame.Payload)
			address = frame.Payload
			continue
		}

		out := make(chan string, 64)
		go func() {
			defer close(out)
			token := frame.Payload
			for {
				if token != "" {
					select {
					case out <- token:
					case <-ctx.Done():
						return
					}
				}
				var next wire.Raw
				if err := stream.RecvMsg(&next); err != nil {
					if err != io.EOF && ctx.Err() == nil {
						c.logger.Warn("replay stream failed",
							"conversationId", conversationID, "error", err)
					}
					return
				}
				decoded, err := wire.DecodeReplayFrame(next)
				if err != nil {
					c.logger.Warn("replay stream sent a bad frame",
						"conversationId", conversationID, "error", err)
					return
				}
				token = decoded.Payload
			}
		}()
		return out, nil
	}
}

func (c *Client) RequestCancel(ctx context.Context, conversationID uuid.UUID) error {
	address := c.baseAddress
	ctx = wire.IdentityToOutgoing(ctx)
	request := wire.EncodeUUID(conversationID)

	for hop := 0; ; hop++ {
		conn, err := c.conn(address)
		if err != nil {
			return err
		}
		var raw wire.Raw
		if err := conn.Invoke(ctx, cancelMethod, request, &raw); err != nil {
			return err
		}
		reply, err := wire.DecodeCancelReply(raw)
		if err != nil {
			return err
		}
		if reply.RedirectAddress == "" {
			return nil
		}
		if hop >= c.maxRedirects {
			return ErrTooManyRedirects
		}
		address = reply.RedirectAddress
	}
}

func (c *Client) HasResponseInProgress(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	live, err := c.Check(ctx, []uuid.UUID{conversationID})
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

func (c *Client) Check(ctx context.Context, conversationIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	conn, err := c.conn(c.baseAddress)
	if err != nil {
		return nil, err
	}
	ctx = wire.IdentityToOutgoing(ctx)
	var raw wire.Raw
	if err := conn.Invoke(ctx, checkMethod, wire.EncodeUUIDList(conversationIDs), &raw); err != nil {
		// A remote without the resumer service simply has no live responses.
		switch status.Code(err) {
		case codes.Unimplemented, codes.NotFound:
			return nil, nil
		}
		return nil, err
	}
	return wire.DecodeUUIDList(raw)
}
