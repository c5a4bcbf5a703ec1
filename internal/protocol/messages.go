// Package protocol defines the WebSocket event types and structures exchanged
// between the chat client and server. All events are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
//
// Room and user identifiers arrive from the backend as either JSON strings or
// JSON numbers depending on the endpoint. The ID type normalizes both forms to
// a canonical decimal string at decode time so that identifier comparison is
// always strict equality.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuth        = "auth"
	TypeJoinRoom    = "join_room"
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
)

// Server -> Client event types.
const (
	TypeAuthOK         = "auth_ok"
	TypeReceiveMessage = "receive_message"
	TypeUserTyping     = "user_typing"
	TypeUserStatus     = "user_status"
	TypeError          = "error"
)

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

// ID is a canonical room or user identifier. Backends are inconsistent about
// whether identifiers are JSON strings or numbers ("12" vs 12); ID accepts
// both and stores the normalized form, so two IDs refer to the same entity
// exactly when they compare equal with ==.
type ID string

// NormalizeID converts a raw identifier string to its canonical form. Numeric
// identifiers are reduced to their decimal representation (so "007" and "7"
// name the same room); everything else is trimmed and kept as-is.
func NormalizeID(s string) ID {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ID(strconv.FormatInt(n, 10))
	}
	return ID(s)
}

// UnmarshalJSON accepts a string, a number, or null and stores the canonical
// form.
func (id *ID) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("protocol: invalid identifier: %w", err)
	}
	switch t := v.(type) {
	case string:
		*id = NormalizeID(t)
	case float64:
		if t == float64(int64(t)) {
			*id = ID(strconv.FormatInt(int64(t), 10))
		} else {
			*id = ID(strconv.FormatFloat(t, 'f', -1, 64))
		}
	case nil:
		*id = ""
	default:
		return fmt.Errorf("protocol: identifier must be string or number, got %T", v)
	}
	return nil
}

// String returns the canonical identifier string.
func (id ID) String() string { return string(id) }

// ---------------------------------------------------------------------------
// Domain model
// ---------------------------------------------------------------------------

// Message is a single chat message within a room.
type Message struct {
	ID        ID        `json:"id"`
	RoomID    ID        `json:"room_id"`
	SenderID  ID        `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AuthMsg is the first frame sent after the WebSocket is established. The
// server accepts no other event until it has answered with auth_ok.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// JoinRoomMsg subscribes the connection to a room's event stream. Room
// membership is not remembered across reconnects, so this is re-sent after
// every successful handshake.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID ID     `json:"room_id"`
}

// SendMessageMsg carries an outbound chat message. ClientMsgID is a
// client-generated UUID that the server includes in the echo, which lets an
// optimistic-append mode de-duplicate if one is ever enabled.
type SendMessageMsg struct {
	Type        string `json:"type"`
	RoomID      ID     `json:"room_id"`
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

// TypingMsg signals that the local user is typing in a room.
type TypingMsg struct {
	Type   string `json:"type"`
	RoomID ID     `json:"room_id"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// AuthOKMsg completes the handshake and identifies the authenticated user.
type AuthOKMsg struct {
	Type   string `json:"type"`
	UserID ID     `json:"user_id"`
}

// ReceiveMessageMsg delivers a message for a room, including the echo of the
// client's own sends.
type ReceiveMessageMsg struct {
	Type        string  `json:"type"`
	RoomID      ID      `json:"room_id"`
	ClientMsgID string  `json:"client_msg_id"`
	Message     Message `json:"message"`
}

// UserTypingMsg relays that the counterpart in a room is typing.
type UserTypingMsg struct {
	Type   string `json:"type"`
	RoomID ID     `json:"room_id"`
}

// UserStatusMsg reports a user's online/offline transition.
type UserStatusMsg struct {
	Type   string `json:"type"`
	UserID ID     `json:"user_id"`
	Online bool   `json:"online"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes the client reacts to specifically.
const (
	CodeAuthFailed = "auth_failed"
)

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses raw WebSocket bytes into a typed server event. It
// returns the event type string, the decoded struct, and any error encountered
// during parsing. An error is returned for unknown or client-only event types.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthOK:
		var m AuthOKMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReceiveMessage:
		var m ReceiveMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserTyping:
		var m UserTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserStatus:
		var m UserStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates a JSON-encoded byte slice for a client event. The
// msgType is injected into the payload under the "type" key so callers do not
// need to fill the Type field on the struct themselves.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
