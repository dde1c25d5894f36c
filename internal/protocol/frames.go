// Package protocol defines the JSON frames exchanged with the realtime
// server. Every frame carries a "type" discriminator; the Envelope type
// captures it along with the raw bytes so payloads can be decoded into
// concrete structs after routing.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> Server frame types.
const (
	TypeAuth           = "auth"
	TypeDirectMessage  = "direct_message"
	TypeChannelMessage = "channel_message"
	TypeEditMessage    = "edit_message"
	TypePing           = "ping"
)

// Server -> Client frame types.
const (
	TypeNewDirectMessage  = "new_direct_message"
	TypeDirectMessageSent = "direct_message_sent"
	TypeNewChannelMessage = "new_channel_message"
	TypeMessageEdited     = "message_edited"
	TypeDatabaseStatus    = "database_status"
	TypePong              = "pong"
	TypeError             = "error"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw frame and extracts only the
// "type" field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("unmarshalling envelope: %w", err)
	}

	if partial.Type == "" {
		return fmt.Errorf("missing or empty frame type")
	}

	e.Type = partial.Type

	return nil
}

// Decode unmarshals the captured payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decoding %q payload: %w", e.Type, err)
	}

	return nil
}

// AuthFrame authenticates the connection. Sent once per connection,
// immediately after the dial succeeds.
type AuthFrame struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// DirectMessageFrame is an outbound 1:1 message. ClientID is generated
// on the client and used to match the optimistic copy against the
// server confirmation.
type DirectMessageFrame struct {
	Type       string `json:"type"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId"`
	Timestamp  int64  `json:"timestamp"`
}

// ChannelMessageFrame is an outbound channel message.
type ChannelMessageFrame struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channelId"`
	Content   string `json:"content"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

// EditMessageFrame carries an in-place edit of an existing message.
type EditMessageFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Message is a server-confirmed message record, carried in
// new_direct_message, direct_message_sent, new_channel_message and
// message_edited frames.
type Message struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId,omitempty"`
	ChannelID  int64  `json:"channelId,omitempty"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId,omitempty"`
	CreatedAt  string `json:"createdAt"`
	EditedAt   string `json:"editedAt,omitempty"`
}

// MessageFrame wraps a confirmed message record.
type MessageFrame struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// DatabaseStatusFrame is a server push reporting backend data-store
// reachability, independent of the transport connection.
type DatabaseStatusFrame struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// ErrorFrame reports a server-side error condition.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAuth builds an auth frame for the given identity.
func NewAuth(userID int64, username string) AuthFrame {
	return AuthFrame{Type: TypeAuth, UserID: userID, Username: username}
}

// NewDirectMessage builds an outbound direct message frame stamped with
// the current time.
func NewDirectMessage(receiverID int64, content, clientID string) DirectMessageFrame {
	return DirectMessageFrame{
		Type:       TypeDirectMessage,
		ReceiverID: receiverID,
		Content:    content,
		ClientID:   clientID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// NewChannelMessage builds an outbound channel message frame.
func NewChannelMessage(channelID int64, content, clientID string) ChannelMessageFrame {
	return ChannelMessageFrame{
		Type:      TypeChannelMessage,
		ChannelID: channelID,
		Content:   content,
		ClientID:  clientID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewEditMessage builds an outbound edit frame.
func NewEditMessage(messageID int64, content string, ts time.Time) EditMessageFrame {
	return EditMessageFrame{
		Type:      TypeEditMessage,
		MessageID: messageID,
		Content:   content,
		Timestamp: ts.UnixMilli(),
	}
}
