// Package protocol defines the realtime event names and payloads exchanged
// between clients and the gateway. Every frame is a JSON envelope of the form
// {"type": <event>, "data": <payload>} in both directions.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeJoin             = "join"
	TypeSendMessage      = "sendMessage"
	TypeTyping           = "typing"
	TypeMarkAsRead       = "markAsRead"
	TypeEditMessage      = "editMessage"
	TypeDeleteMessage    = "deleteMessage"
	TypeSendNotification = "sendNotification"
	TypePing             = "ping"
)

// Server -> Client events.
const (
	TypeUserStatus      = "userStatus"
	TypeReceiveMessage  = "receiveMessage"
	TypeUserTyping      = "userTyping"
	TypeMessageRead     = "messageRead"
	TypeMessageUpdated  = "messageUpdated"
	TypeMessageDeleted  = "messageDeleted"
	TypeNewNotification = "newNotification"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw payload for deferred parsing.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler and rejects frames without a
// type discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.Data = partial.Data
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg announces the user identity of a connection.
type JoinMsg struct {
	UserID string `json:"userId"`
}

// MessageRef identifies an already persisted message.
type MessageRef struct {
	ID string `json:"id"`
}

// SendMessageMsg asks the gateway to route a persisted message to its
// recipient.
type SendMessageMsg struct {
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Message    MessageRef `json:"message"`
}

// TypingMsg starts or stops the typing indicator towards ReceiverID.
type TypingMsg struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// MarkAsReadMsg marks a received message as read.
type MarkAsReadMsg struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// EditMessageMsg replaces the content of a sent message.
type EditMessageMsg struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	UserID    string `json:"userId"`
}

// DeleteMessageMsg soft-deletes a sent message.
type DeleteMessageMsg struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// SendNotificationMsg stores a notification for UserID and pushes it live.
type SendNotificationMsg struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// PingMsg is a client keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// UserStatus is one element of a userStatus broadcast.
type UserStatus struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
}

// UserTypingMsg relays a typing indicator to the recipient.
type UserTypingMsg struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageReadMsg tells the sender that UserID read MessageID.
type MessageReadMsg struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// NotificationMsg carries the text of a live notification.
type NotificationMsg struct {
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses a raw frame into a typed client payload. It
// returns the event name, the decoded struct and any parsing error. Unknown
// or server-only events are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = decode(env.Data, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = decode(env.Data, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = decode(env.Data, &m)
		msg = m
	case TypeMarkAsRead:
		var m MarkAsReadMsg
		err = decode(env.Data, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = decode(env.Data, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = decode(env.Data, &m)
		msg = m
	case TypeSendNotification:
		var m SendNotificationMsg
		err = decode(env.Data, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(raw, v)
}

// NewServerMessage encodes an outbound event envelope.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	out, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
