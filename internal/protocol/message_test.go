package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommand_RoundTrip(t *testing.T) {
	dto := OpLogDTO{
		LocalID:   "local-1",
		DeviceID:  "device-a",
		UserID:    "user-1",
		Sequence:  7,
		Data:      []byte{0x01, 0x02},
		IV:        []byte{0x03},
		QueryKeys: []string{"transactions", "accounts"},
		CreateAt:  time.Now().UTC(),
	}

	msg, err := NewCommand(DestOpLogInsert, CommandCreateOpLog, dto, RequestInfo{
		RequestID: "req-1",
		UserID:    "user-1",
		DeviceID:  "device-a",
	})
	require.NoError(t, err)
	assert.Equal(t, TypeCommand, msg.Type)
	assert.Equal(t, DestOpLogInsert, msg.Destination)

	// Simulate the wire: marshal the envelope and decode it back.
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))

	cmd, err := decoded.DecodeCommand()
	require.NoError(t, err)
	assert.Equal(t, CommandCreateOpLog, cmd.Type)
	assert.NotEmpty(t, cmd.CommandID)

	var got OpLogDTO
	require.NoError(t, json.Unmarshal(cmd.Data, &got))
	assert.Equal(t, dto.LocalID, got.LocalID)
	assert.Equal(t, dto.Sequence, got.Sequence)
	assert.Equal(t, dto.Data, got.Data)
	assert.Equal(t, dto.QueryKeys, got.QueryKeys)
}

func TestNewQuery_CursorParameters(t *testing.T) {
	params := GetOpLogsParams{Cursors: []SyncCursor{
		{DeviceID: "device-a", Sequence: 12},
		{DeviceID: "device-b", Sequence: 0},
	}}

	msg, err := NewQuery(DestOpLogGet, QueryGetOpLogs, params, RequestInfo{DeviceID: "device-a"})
	require.NoError(t, err)

	q, err := msg.DecodeQuery()
	require.NoError(t, err)
	assert.Equal(t, QueryGetOpLogs, q.Type)

	var got GetOpLogsParams
	require.NoError(t, json.Unmarshal(q.Parameters, &got))
	assert.Equal(t, params.Cursors, got.Cursors)
}

func TestDecode_TypeMismatch(t *testing.T) {
	msg := NewInternal(InternalConnectionStateUpdate, "open")

	_, err := msg.DecodeCommand()
	assert.Error(t, err)

	_, err = msg.DecodeEvent()
	assert.Error(t, err)

	in, err := msg.DecodeInternal()
	require.NoError(t, err)
	assert.Equal(t, InternalConnectionStateUpdate, in.Op)
	assert.Equal(t, "open", in.State)
}

func TestSelfOriginated(t *testing.T) {
	msg := Message{
		Type:        TypeEvent,
		RequestInfo: &RequestInfo{DeviceID: "device-a"},
	}

	assert.True(t, msg.SelfOriginated("device-a"))
	assert.False(t, msg.SelfOriginated("device-b"))

	// Broadcasts without request info are never self-originated.
	assert.False(t, Message{Type: TypeEvent}.SelfOriginated("device-a"))
}

func TestNewError(t *testing.T) {
	msg := NewError("protocol", "bad frame")

	body, err := msg.DecodeError()
	require.NoError(t, err)
	assert.Equal(t, "protocol", body.Code)
	assert.Equal(t, "bad frame", body.Message)
}
