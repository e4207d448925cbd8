package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid chat frame
// ---------------------------------------------------------------------------

func TestParseClientFrame_Chat(t *testing.T) {
	input := []byte(`{"type":"message","receiver_id":"7e57ed00-0000-4000-8000-000000000001","content":"hello there"}`)

	frameType, frame, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, frameType)
	}

	cf, ok := frame.(ChatFrame)
	if !ok {
		t.Fatalf("expected ChatFrame, got %T", frame)
	}
	if cf.ReceiverID != "7e57ed00-0000-4000-8000-000000000001" {
		t.Errorf("unexpected receiver_id %q", cf.ReceiverID)
	}
	if cf.Content != "hello there" {
		t.Errorf("expected content %q, got %q", "hello there", cf.Content)
	}
	if cf.Attachment != nil {
		t.Errorf("expected nil attachment, got %v", *cf.Attachment)
	}
}

func TestParseClientFrame_ChatWithAttachment(t *testing.T) {
	input := []byte(`{"type":"message","receiver_id":"abc","content":"see attached","attachment":"/uploads/doc.pdf"}`)

	_, frame, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cf := frame.(ChatFrame)
	if cf.Attachment == nil || *cf.Attachment != "/uploads/doc.pdf" {
		t.Fatalf("expected attachment /uploads/doc.pdf, got %v", cf.Attachment)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a typing frame
// ---------------------------------------------------------------------------

func TestParseClientFrame_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","to":"7e57ed00-0000-4000-8000-000000000002"}`)

	frameType, frame, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, frameType)
	}

	tf, ok := frame.(TypingFrame)
	if !ok {
		t.Fatalf("expected TypingFrame, got %T", frame)
	}
	if tf.To != "7e57ed00-0000-4000-8000-000000000002" {
		t.Errorf("unexpected to %q", tf.To)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed and unknown frames
// ---------------------------------------------------------------------------

func TestParseClientFrame_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientFrame([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientFrame_MissingType(t *testing.T) {
	_, _, err := ParseClientFrame([]byte(`{"content":"no type"}`))
	if err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientFrame_UnknownType(t *testing.T) {
	frameType, _, err := ParseClientFrame([]byte(`{"type":"presence"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType for server-only type, got %v", err)
	}
	if frameType != TypePresence {
		t.Errorf("expected reported type %q, got %q", TypePresence, frameType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server frame construction
// ---------------------------------------------------------------------------

func TestNewServerFrame_InjectsType(t *testing.T) {
	sender := uuid.New()
	data, err := NewServerFrame(TypeTyping, ServerTypingFrame{From: sender})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeTyping {
		t.Errorf("expected type %q, got %v", TypeTyping, decoded["type"])
	}
	if decoded["from"] != sender.String() {
		t.Errorf("expected from %q, got %v", sender.String(), decoded["from"])
	}
}

func TestNewServerFrame_ErrorFrame(t *testing.T) {
	data, err := NewServerFrame(TypeError, ErrorFrame{
		Code:    CodePersistFailed,
		Message: "storage unavailable",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ErrorFrame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeError {
		t.Errorf("expected type %q, got %q", TypeError, decoded.Type)
	}
	if decoded.Code != CodePersistFailed {
		t.Errorf("expected code %q, got %q", CodePersistFailed, decoded.Code)
	}
}

// A round trip through NewServerFrame must keep the persisted message fields
// the receiving session needs for deduplication.
func TestNewServerFrame_ChatCarriesID(t *testing.T) {
	id := uuid.New()
	data, err := NewServerFrame(TypeMessage, ServerChatFrame{
		ID:         id,
		SenderID:   uuid.New(),
		ReceiverID: uuid.New(),
		TenantID:   uuid.New(),
		Content:    "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded ServerChatFrame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != id {
		t.Errorf("expected id %s, got %s", id, decoded.ID)
	}
	if decoded.Content != "hi" {
		t.Errorf("expected content %q, got %q", "hi", decoded.Content)
	}
}
