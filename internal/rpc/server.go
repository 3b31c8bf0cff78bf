// Package rpc exposes the response resumer over grpc so that instances can
// record to and replay from each other. Identity travels as metadata; the
// payloads are the raw frames defined in the wire package.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/model"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"github.com/threadkeep/threadkeep/internal/resumer/wire"
	"github.com/threadkeep/threadkeep/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ConversationAccess is the slice of the domain layer the resumer service
// needs for authorization.
type ConversationAccess interface {
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*store.ConversationDetail, error)
}

// ResumerServer serves the response resumer rpc surface on top of the
// local temp-file store.
type ResumerServer struct {
	Resumer *resumer.Store
	Access  ConversationAccess
	Config  *config.Config
	Enabled bool
}

// Register adds the resumer service to a grpc server. The server must be
// built with grpc.ForceServerCodec(wire.Codec{}).
func (s *ResumerServer) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, s)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*resumerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IsEnabled", Handler: isEnabledHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Record", Handler: recordHandler, ClientStreams: true},
		{StreamName: "Replay", Handler: replayHandler, ServerStreams: true},
	},
	Metadata: "threadkeep/resumer/v1",
}

type resumerService interface {
	isEnabled(ctx context.Context, req wire.Raw) (wire.Raw, error)
	cancel(ctx context.Context, req wire.Raw) (wire.Raw, error)
	check(ctx context.Context, req wire.Raw) (wire.Raw, error)
	record(stream grpc.ServerStream) error
	replay(stream grpc.ServerStream) error
}

func unaryHandler(name string, invoke func(resumerService, context.Context, wire.Raw) (wire.Raw, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := fmt.Sprintf("/%s/%s", wire.ServiceName, name)
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(wire.Raw)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return invoke(srv.(resumerService), ctx, *in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return invoke(srv.(resumerService), ctx, *req.(*wire.Raw))
		})
	}
}

var (
	isEnabledHandler = unaryHandler("IsEnabled", resumerService.isEnabled)
	cancelHandler    = unaryHandler("Cancel", resumerService.cancel)
	checkHandler     = unaryHandler("Check", resumerService.check)
)

func recordHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(resumerService).record(stream)
}

func replayHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(resumerService).replay(stream)
}

func (s *ResumerServer) isEnabled(context.Context, wire.Raw) (wire.Raw, error) {
	return wire.EncodeBool(s.Enabled), nil
}

func (s *ResumerServer) cancel(ctx context.Context, req wire.Raw) (wire.Raw, error) {
	if !s.Enabled {
		return nil, status.Error(codes.FailedPrecondition, "response resumer disabled")
	}
	convID, err := wire.DecodeUUID(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid conversation id")
	}
	if err := s.requireConversationAccess(ctx, convID, model.AccessLevelWriter); err != nil {
		return nil, err
	}

	redirect, err := s.Resumer.CancelWithAddress(ctx, convID, s.resolveAdvertisedAddress(ctx))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wire.EncodeCancelReply(wire.CancelReply{
		Accepted:        redirect == "",
		RedirectAddress: redirect,
	}), nil
}

func (s *ResumerServer) check(ctx context.Context, req wire.Raw) (wire.Raw, error) {
	if !s.Enabled {
		return wire.EncodeUUIDList(nil), nil
	}
	ids, err := wire.DecodeUUIDList(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid conversation id list")
	}

	readable := ids[:0]
	for _, id := range ids {
		if err := s.requireConversationAccess(ctx, id, model.AccessLevelReader); err != nil {
			continue
		}
		readable = append(readable, id)
	}
	live, err := s.Resumer.Check(ctx, readable)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wire.EncodeUUIDList(live), nil
}

func (s *ResumerServer) record(stream grpc.ServerStream) error {
	if !s.Enabled {
		return status.Error(codes.FailedPrecondition, "response resumer disabled")
	}

	var convID uuid.UUID
	var recorder resumer.Recorder

	finish := func() error {
		if recorder != nil {
			if err := recorder.Complete(); err != nil {
				return status.Error(codes.Internal, err.Error())
			}
		}
		return stream.SendMsg(wire.EncodeBool(true))
	}

	for {
		var raw wire.Raw
		if err := stream.RecvMsg(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return finish()
			}
			return err
		}
		frame, err := wire.DecodeRecordFrame(raw)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}

		if recorder == nil {
			if frame.ConversationID == nil {
				return status.Error(codes.InvalidArgument, "first record frame must carry the conversation id")
			}
			convID = *frame.ConversationID
			if err := s.requireConversationAccess(stream.Context(), convID, model.AccessLevelWriter); err != nil {
				return err
			}
			recorder, err = s.Resumer.RecorderWithAddress(stream.Context(), convID, s.resolveAdvertisedAddress(stream.Context()))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
		}

		if frame.Token != "" {
			if err := recorder.Record(frame.Token); err != nil {
				return status.Error(codes.Internal, err.Error())
			}
		}
		if frame.Complete {
			return finish()
		}
	}
}

func (s *ResumerServer) replay(stream grpc.ServerStream) error {
	if !s.Enabled {
		return nil
	}

	var raw wire.Raw
	if err := stream.RecvMsg(&raw); err != nil {
		return err
	}
	req, err := wire.DecodeReplayRequest(raw)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.requireConversationAccess(stream.Context(), req.ConversationID, model.AccessLevelReader); err != nil {
		return err
	}

	ch, redirect, err := s.Resumer.ReplayWithAddress(stream.Context(), req.ConversationID, req.ResumeFrom, s.resolveAdvertisedAddress(stream.Context()))
	if err != nil {
		if errors.Is(err, resumer.ErrNoRecording) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	if redirect != "" {
		return stream.SendMsg(wire.EncodeReplayFrame(wire.ReplayFrame{Redirect: true, Payload: redirect}))
	}

	for token := range ch {
		if err := stream.SendMsg(wire.EncodeReplayFrame(wire.ReplayFrame{Payload: token})); err != nil {
			return err
		}
	}
	return nil
}

func (s *ResumerServer) requireConversationAccess(ctx context.Context, conversationID uuid.UUID, minLevel model.AccessLevel) error {
	if s.Access == nil {
		return status.Error(codes.Internal, "resumer access checker not configured")
	}
	conv, err := s.Access.GetConversation(ctx, conversationID)
	if err != nil {
		return mapError(err)
	}
	if !conv.AccessLevel.IsAtLeast(minLevel) {
		return status.Error(codes.PermissionDenied, "forbidden")
	}
	return nil
}

// resolveAdvertisedAddress determines the address this instance publishes
// in recording locators: explicit config, then caller-provided metadata,
// then hostname and listener port.
func (s *ResumerServer) resolveAdvertisedAddress(ctx context.Context) string {
	if s.Config != nil {
		if explicit := strings.TrimSpace(s.Config.ResumerAdvertisedAddress); explicit != "" {
			return explicit
		}
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, key := range []string{"x-resumer-advertised-address", "x-advertised-address"} {
			if values := md.Get(key); len(values) > 0 {
				if v := strings.TrimSpace(values[0]); v != "" {
					return v
				}
			}
		}
	}

	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	port := 8080
	if s.Config != nil && s.Config.Listener.Port > 0 {
		port = s.Config.Listener.Port
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}

	var notFound *store.NotFoundError
	var forbidden *store.ForbiddenError
	var validation *store.ValidationError
	var conflict *store.ConflictError

	switch {
	case errors.As(err, &notFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &forbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &conflict):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
