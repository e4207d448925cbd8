// Package protocol defines the WebSocket frame types exchanged between chat
// clients and the broker. Every frame is a JSON object carrying a "type"
// discriminator; unknown or malformed frames are rejected at parse time so
// the broker never has to guess at a payload's shape.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownType marks a well-formed frame whose type the server does not
// accept from clients. Such frames are ignored rather than answered.
var ErrUnknownType = errors.New("protocol: unknown client frame type")

// Client -> Server frame types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypePing    = "ping"
)

// Server -> Client frame types.
const (
	TypeReadReceipt = "read_receipt"
	TypePresence    = "presence"
	TypeError       = "error"
	TypePong        = "pong"
)

// Presence status values.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Error codes carried in outbound error frames.
const (
	CodeParseError     = "parse_error"
	CodeInvalidMessage = "invalid_message"
	CodeNotCoTenant    = "not_co_tenant"
	CodePersistFailed  = "persist_failed"
	CodeRateLimited    = "rate_limited"
	CodeUnsupported    = "unsupported_type"
	CodeInternal       = "internal_error"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
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
// Client -> Server frames
// ---------------------------------------------------------------------------

// ChatFrame is a chat message sent by a client to a peer in the same tenant.
// ReceiverID is a UUID string; it is parsed (and rejected if invalid) by the
// broker so that a garbled id is treated as a malformed frame rather than a
// decode failure.
type ChatFrame struct {
	Type       string  `json:"type"`
	ReceiverID string  `json:"receiver_id"`
	Content    string  `json:"content"`
	Attachment *string `json:"attachment,omitempty"`
}

// TypingFrame signals that the client is typing to the given peer.
type TypingFrame struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

// PingFrame is a client-initiated keepalive ping.
type PingFrame struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// ServerChatFrame carries a persisted message to its recipient. All fields
// mirror the stored record, so the receiving session can append it with the
// server-assigned id.
type ServerChatFrame struct {
	Type       string    `json:"type"`
	ID         uuid.UUID `json:"id"`
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	TenantID   uuid.UUID `json:"company_id"`
	Content    string    `json:"content"`
	Attachment *string   `json:"attachment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
}

// ServerTypingFrame relays a peer's typing indicator.
type ServerTypingFrame struct {
	Type string    `json:"type"`
	From uuid.UUID `json:"from"`
}

// ReadReceiptFrame notifies the original sender that a message was read.
type ReadReceiptFrame struct {
	Type      string    `json:"type"`
	MessageID uuid.UUID `json:"message_id"`
	ReaderID  uuid.UUID `json:"reader_id"`
}

// PresenceFrame announces that a tenant member came online or went offline.
type PresenceFrame struct {
	Type   string    `json:"type"`
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
}

// ErrorFrame communicates a per-frame error condition. The connection stays
// open after an error frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongFrame is the server's response to a client ping.
type PongFrame struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw WebSocket bytes into a typed client frame.
// It returns the frame type string, the decoded struct, and any error
// encountered during parsing. Unknown or server-only frame types are an
// error; the broker drops such frames without closing the connection.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		frame interface{}
		err   error
	)

	switch env.Type {
	case TypeMessage:
		var f ChatFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeTyping:
		var f TypingFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypePing:
		var f PingFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, frame, nil
}

// NewServerFrame creates a JSON-encoded byte slice for a server frame. The
// frameType is injected into the payload under the "type" key, so the
// Server*Frame structs can leave their Type field zero.
func NewServerFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server frame: %w", err)
	}
	return out, nil
}
