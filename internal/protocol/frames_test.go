package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_ExtractsTypeAndKeepsRaw(t *testing.T) {
	data := []byte(`{"type":"new_direct_message","message":{"id":3,"senderId":7,"content":"hi","createdAt":"2026-01-02T15:04:05Z"}}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeNewDirectMessage, env.Type)
	assert.JSONEq(t, string(data), string(env.Raw))

	var frame MessageFrame
	require.NoError(t, env.Decode(&frame))
	assert.Equal(t, int64(3), frame.Message.ID)
	assert.Equal(t, int64(7), frame.Message.SenderID)
	assert.Equal(t, "hi", frame.Message.Content)
}

func TestEnvelope_MissingTypeRejected(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"message":{"id":1}}`), &env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame type")
}

func TestEnvelope_DecodeBadPayload(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"database_status","connected":"nope"}`), &env))

	var frame DatabaseStatusFrame
	assert.Error(t, env.Decode(&frame))
}

func TestNewAuth(t *testing.T) {
	f := NewAuth(12, "grace")
	assert.Equal(t, TypeAuth, f.Type)
	assert.Equal(t, int64(12), f.UserID)
	assert.Equal(t, "grace", f.Username)
}

func TestNewDirectMessage_StampsTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	f := NewDirectMessage(5, "hello", "c-abc")
	after := time.Now().UnixMilli()

	assert.Equal(t, TypeDirectMessage, f.Type)
	assert.Equal(t, int64(5), f.ReceiverID)
	assert.Equal(t, "c-abc", f.ClientID)
	assert.GreaterOrEqual(t, f.Timestamp, before)
	assert.LessOrEqual(t, f.Timestamp, after)
}

func TestNewEditMessage(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	f := NewEditMessage(44, "fixed", ts)

	assert.Equal(t, TypeEditMessage, f.Type)
	assert.Equal(t, int64(44), f.MessageID)
	assert.Equal(t, ts.UnixMilli(), f.Timestamp)
}
