// Package wire defines the byte-level frames of the response resumer RPC
// service. The service moves opaque token bytes, so instead of generated
// message types it uses a raw codec and hand-packed frames: a flags byte,
// fixed-width conversation ids, and the token payload.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc/encoding"
)

// ServiceName is the fully qualified grpc service name.
const ServiceName = "threadkeep.resumer.v1.ResponseResumer"

// CodecName is registered with grpc for raw byte payloads.
const CodecName = "raw"

// Raw is a grpc message that is just bytes.
type Raw []byte

// Codec passes Raw messages through unmodified.
type Codec struct{}

var _ encoding.Codec = Codec{}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case Raw:
		return m, nil
	case *Raw:
		return *m, nil
	default:
		return nil, fmt.Errorf("raw codec: unsupported message type %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*Raw)
	if !ok {
		return fmt.Errorf("raw codec: unsupported message type %T", v)
	}
	*m = make([]byte, len(data))
	copy(*m, data)
	return nil
}

// Record frame flags.
const (
	RecordFlagHasConversationID = 1 << 0
	RecordFlagComplete          = 1 << 1
)

// RecordFrame is one chunk of a client-streamed recording. The first frame
// of a stream must carry the conversation id.
type RecordFrame struct {
	ConversationID *uuid.UUID
	Complete       bool
	Token          string
}

func EncodeRecordFrame(f RecordFrame) Raw {
	size := 1 + len(f.Token)
	if f.ConversationID != nil {
		size += 16
	}
	buf := make([]byte, 1, size)
	if f.ConversationID != nil {
		buf[0] |= RecordFlagHasConversationID
		buf = append(buf, f.ConversationID[:]...)
	}
	if f.Complete {
		buf[0] |= RecordFlagComplete
	}
	return append(buf, f.Token...)
}

func DecodeRecordFrame(data []byte) (RecordFrame, error) {
	if len(data) < 1 {
		return RecordFrame{}, fmt.Errorf("record frame too short")
	}
	flags := data[0]
	rest := data[1:]
	var f RecordFrame
	if flags&RecordFlagHasConversationID != 0 {
		id, remaining, err := takeUUID(rest)
		if err != nil {
			return RecordFrame{}, fmt.Errorf("record frame: %w", err)
		}
		f.ConversationID = &id
		rest = remaining
	}
	f.Complete = flags&RecordFlagComplete != 0
	f.Token = string(rest)
	return f, nil
}

// ReplayRequest asks for a recording starting at a byte position.
type ReplayRequest struct {
	ConversationID uuid.UUID
	ResumeFrom     int64
}

func EncodeReplayRequest(r ReplayRequest) Raw {
	buf := make([]byte, 24)
	copy(buf[:16], r.ConversationID[:])
	binary.BigEndian.PutUint64(buf[16:], uint64(r.ResumeFrom))
	return buf
}

func DecodeReplayRequest(data []byte) (ReplayRequest, error) {
	if len(data) != 24 {
		return ReplayRequest{}, fmt.Errorf("replay request: expected 24 bytes, got %d", len(data))
	}
	var r ReplayRequest
	copy(r.ConversationID[:], data[:16])
	r.ResumeFrom = int64(binary.BigEndian.Uint64(data[16:]))
	return r, nil
}

// Replay frame flags.
const ReplayFlagRedirect = 1 << 0

// ReplayFrame is one server-streamed chunk of a replay. A redirect frame
// names the instance holding the recording and ends the stream.
type ReplayFrame struct {
	Redirect bool
	// Token chunk, or the redirect address when Redirect is set.
	Payload string
}

func EncodeReplayFrame(f ReplayFrame) Raw {
	buf := make([]byte, 1, 1+len(f.Payload))
	if f.Redirect {
		buf[0] |= ReplayFlagRedirect
	}
	return append(buf, f.Payload...)
}

func DecodeReplayFrame(data []byte) (ReplayFrame, error) {
	if len(data) < 1 {
		return ReplayFrame{}, fmt.Errorf("replay frame too short")
	}
	return ReplayFrame{
		Redirect: data[0]&ReplayFlagRedirect != 0,
		Payload:  string(data[1:]),
	}, nil
}

// Cancel reply flags.
const (
	CancelFlagAccepted = 1 << 0
	CancelFlagRedirect = 1 << 1
)

// CancelReply reports whether a cancel was accepted locally or must be
// retried against the named instance.
type CancelReply struct {
	Accepted        bool
	RedirectAddress string
}

func EncodeCancelReply(r CancelReply) Raw {
	buf := make([]byte, 1, 1+len(r.RedirectAddress))
	if r.Accepted {
		buf[0] |= CancelFlagAccepted
	}
	if r.RedirectAddress != "" {
		buf[0] |= CancelFlagRedirect
		buf = append(buf, r.RedirectAddress...)
	}
	return buf
}

func DecodeCancelReply(data []byte) (CancelReply, error) {
	if len(data) < 1 {
		return CancelReply{}, fmt.Errorf("cancel reply too short")
	}
	r := CancelReply{Accepted: data[0]&CancelFlagAccepted != 0}
	if data[0]&CancelFlagRedirect != 0 {
		r.RedirectAddress = string(data[1:])
	}
	return r, nil
}

// EncodeUUID packs a single conversation id.
func EncodeUUID(id uuid.UUID) Raw {
	buf := make([]byte, 16)
	copy(buf, id[:])
	return buf
}

// DecodeUUID unpacks a single conversation id.
func DecodeUUID(data []byte) (uuid.UUID, error) {
	id, rest, err := takeUUID(data)
	if err != nil {
		return uuid.Nil, err
	}
	if len(rest) != 0 {
		return uuid.Nil, fmt.Errorf("trailing bytes after conversation id")
	}
	return id, nil
}

// EncodeUUIDList packs conversation ids back to back, 16 bytes each.
func EncodeUUIDList(ids []uuid.UUID) Raw {
	buf := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	return buf
}

func DecodeUUIDList(data []byte) ([]uuid.UUID, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("conversation id list: length %d not a multiple of 16", len(data))
	}
	ids := make([]uuid.UUID, 0, len(data)/16)
	for len(data) > 0 {
		var id uuid.UUID
		copy(id[:], data[:16])
		ids = append(ids, id)
		data = data[16:]
	}
	return ids, nil
}

// EncodeBool packs a single-byte boolean reply.
func EncodeBool(v bool) Raw {
	if v {
		return Raw{1}
	}
	return Raw{0}
}

func DecodeBool(data []byte) (bool, error) {
	if len(data) != 1 {
		return false, fmt.Errorf("bool reply: expected 1 byte, got %d", len(data))
	}
	return data[0] != 0, nil
}

func takeUUID(data []byte) (uuid.UUID, []byte, error) {
	if len(data) < 16 {
		return uuid.Nil, nil, fmt.Errorf("expected 16 byte conversation id, got %d bytes", len(data))
	}
	var id uuid.UUID
	copy(id[:], data[:16])
	return id, data[16:], nil
}
