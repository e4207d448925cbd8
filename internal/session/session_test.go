package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/messenger/internal/message"
)

func TestAppendDeduplicatesByID(t *testing.T) {
	tenant, self, peer := uuid.New(), uuid.New(), uuid.New()
	s := New(tenant, self)

	m := message.New(tenant, peer, self, "hi", nil)
	m.ID = uuid.New()

	if !s.Append(m) {
		t.Fatal("first append rejected")
	}
	if s.Append(m) {
		t.Error("duplicate append accepted")
	}
	if got := len(s.Messages()); got != 1 {
		t.Errorf("message count = %d, want 1", got)
	}
}

func TestLoadMergesWithLivePushes(t *testing.T) {
	tenant, self, peer := uuid.New(), uuid.New(), uuid.New()
	store := message.NewMemoryStore()
	ctx := context.Background()

	first, err := store.Create(ctx, message.New(tenant, peer, self, "old", nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.Create(ctx, message.New(tenant, self, peer, "reply", nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := New(tenant, self)
	// A live push arrives before history finishes loading.
	s.Append(second)

	if err := s.Load(ctx, store, peer); err != nil {
		t.Fatalf("load: %v", err)
	}

	got := s.Messages()
	if len(got) != 2 {
		t.Fatalf("message count = %d, want 2", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("unexpected order: %v, %v", got[0].Content, got[1].Content)
	}

	// Re-delivering the pushed message after the load is still a no-op.
	if s.Append(second) {
		t.Error("append after load accepted a duplicate")
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	tenant, self, peer := uuid.New(), uuid.New(), uuid.New()
	s := New(tenant, self, WithTypingExpiry(20*time.Millisecond))

	s.SignalTyping(peer)
	if got, ok := s.TypingPeer(); !ok || got != peer {
		t.Fatalf("TypingPeer = %v, %v; want %v, true", got, ok, peer)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := s.TypingPeer(); ok {
		t.Error("typing indicator did not expire")
	}
}

func TestTypingSignalRestartsExpiry(t *testing.T) {
	tenant, self, peer := uuid.New(), uuid.New(), uuid.New()
	s := New(tenant, self, WithTypingExpiry(50*time.Millisecond))

	s.SignalTyping(peer)
	time.Sleep(30 * time.Millisecond)
	s.SignalTyping(peer)
	time.Sleep(30 * time.Millisecond)

	// 60ms after the first signal but only 30ms after the refresh.
	if _, ok := s.TypingPeer(); !ok {
		t.Error("refreshed typing indicator expired early")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := s.TypingPeer(); ok {
		t.Error("typing indicator did not expire after the refreshed deadline")
	}
}

func TestCloseDetaches(t *testing.T) {
	tenant, self, peer := uuid.New(), uuid.New(), uuid.New()
	s := New(tenant, self)

	m := message.New(tenant, peer, self, "hi", nil)
	m.ID = uuid.New()
	s.Append(m)
	s.SignalTyping(peer)

	s.Close()

	if _, ok := s.TypingPeer(); ok {
		t.Error("typing indicator survived Close")
	}

	late := message.New(tenant, peer, self, "late", nil)
	late.ID = uuid.New()
	if s.Append(late) {
		t.Error("append accepted after Close")
	}
	s.SignalTyping(peer)
	if _, ok := s.TypingPeer(); ok {
		t.Error("SignalTyping had effect after Close")
	}
	if got := len(s.Messages()); got != 1 {
		t.Errorf("message count = %d, want 1", got)
	}

	// Close is idempotent.
	s.Close()
}
