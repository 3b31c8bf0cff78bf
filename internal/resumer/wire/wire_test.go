package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFrameRoundTrip(t *testing.T) {
	convID := uuid.New()
	frame := RecordFrame{ConversationID: &convID, Token: "hello"}

	decoded, err := DecodeRecordFrame(EncodeRecordFrame(frame))
	require.NoError(t, err)
	require.NotNil(t, decoded.ConversationID)
	assert.Equal(t, convID, *decoded.ConversationID)
	assert.Equal(t, "hello", decoded.Token)
	assert.False(t, decoded.Complete)

	// Follow-up frames omit the id.
	decoded, err = DecodeRecordFrame(EncodeRecordFrame(RecordFrame{Token: "world", Complete: true}))
	require.NoError(t, err)
	assert.Nil(t, decoded.ConversationID)
	assert.Equal(t, "world", decoded.Token)
	assert.True(t, decoded.Complete)
}

func TestRecordFrameRejectsTruncatedID(t *testing.T) {
	data := []byte{RecordFlagHasConversationID, 1, 2, 3}
	_, err := DecodeRecordFrame(data)
	assert.Error(t, err)

	_, err = DecodeRecordFrame(nil)
	assert.Error(t, err)
}

func TestReplayRequestRoundTrip(t *testing.T) {
	req := ReplayRequest{ConversationID: uuid.New(), ResumeFrom: 1 << 33}

	decoded, err := DecodeReplayRequest(EncodeReplayRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	_, err = DecodeReplayRequest([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestReplayFrameRoundTrip(t *testing.T) {
	decoded, err := DecodeReplayFrame(EncodeReplayFrame(ReplayFrame{Payload: "token"}))
	require.NoError(t, err)
	assert.False(t, decoded.Redirect)
	assert.Equal(t, "token", decoded.Payload)

	decoded, err = DecodeReplayFrame(EncodeReplayFrame(ReplayFrame{Redirect: true, Payload: "node-2:9090"}))
	require.NoError(t, err)
	assert.True(t, decoded.Redirect)
	assert.Equal(t, "node-2:9090", decoded.Payload)
}

func TestCancelReplyRoundTrip(t *testing.T) {
	decoded, err := DecodeCancelReply(EncodeCancelReply(CancelReply{Accepted: true}))
	require.NoError(t, err)
	assert.True(t, decoded.Accepted)
	assert.Empty(t, decoded.RedirectAddress)

	decoded, err = DecodeCancelReply(EncodeCancelReply(CancelReply{RedirectAddress: "node-2:9090"}))
	require.NoError(t, err)
	assert.False(t, decoded.Accepted)
	assert.Equal(t, "node-2:9090", decoded.RedirectAddress)
}

func TestUUIDListRoundTrip(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	decoded, err := DecodeUUIDList(EncodeUUIDList(ids))
	require.NoError(t, err)
	assert.Equal(t, ids, decoded)

	decoded, err = DecodeUUIDList(nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)

	_, err = DecodeUUIDList([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRawCodec(t *testing.T) {
	codec := Codec{}

	data, err := codec.Marshal(Raw("payload"))
	require.NoError(t, err)

	var decoded Raw
	require.NoError(t, codec.Unmarshal(data, &decoded))
	assert.Equal(t, Raw("payload"), decoded)

	_, err = codec.Marshal("not raw")
	assert.Error(t, err)
}
