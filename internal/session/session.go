// Package session maintains the client-side view of one conversation: an
// ordered, deduplicated message list merged from history fetches and live
// pushes, plus a self-expiring typing indicator. It is the in-process
// correlate of what a chat UI holds per open conversation.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/messenger/internal/message"
)

// DefaultTypingExpiry clears a typing indicator that has not been refreshed.
const DefaultTypingExpiry = 2 * time.Second

// Fetcher loads conversation history. Satisfied by message.Store and by the
// REST client a real frontend would use.
type Fetcher interface {
	History(ctx context.Context, tenant, a, b uuid.UUID) ([]message.Message, error)
}

// Session is the conversation state for one (self, peer) pair. Safe for
// concurrent use: live pushes, history loads, and the typing expiry timer
// all race against each other by design.
type Session struct {
	tenant uuid.UUID
	self   uuid.UUID

	mu        sync.Mutex
	messages  []message.Message
	seen      map[uuid.UUID]bool
	typing    uuid.UUID
	typingSeq uint64
	timer     *time.Timer
	expiry    time.Duration
	closed    bool
}

// Option configures a Session.
type Option func(*Session)

// WithTypingExpiry overrides the typing indicator lifetime.
func WithTypingExpiry(d time.Duration) Option {
	return func(s *Session) { s.expiry = d }
}

// New creates a Session for the given identity.
func New(tenant, self uuid.UUID, opts ...Option) *Session {
	s := &Session{
		tenant: tenant,
		self:   self,
		seen:   make(map[uuid.UUID]bool),
		expiry: DefaultTypingExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the session's message list and dedup set with the full
// history against peer. The store is authoritative: a live push that is not
// yet in the fetched snapshot is dropped by the replacement, and one that is
// appears exactly once.
func (s *Session) Load(ctx context.Context, fetcher Fetcher, peer uuid.UUID) error {
	history, err := fetcher.History(ctx, s.tenant, s.self, peer)
	if err != nil {
		return fmt.Errorf("session: load history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	s.messages = s.messages[:0]
	s.seen = make(map[uuid.UUID]bool, len(history))
	for _, m := range history {
		s.seen[m.ID] = true
		s.messages = append(s.messages, m)
	}
	return nil
}

// Append adds a message to the session unless its id has been seen before.
// Reports whether the message was added. No-op after Close.
func (s *Session) Append(m message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.seen[m.ID] {
		return false
	}
	s.seen[m.ID] = true
	s.messages = append(s.messages, m)
	return true
}

// SignalTyping records that peer is typing and restarts the expiry timer.
// Each call pushes the deadline out; last write wins.
func (s *Session) SignalTyping(peer uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.typing = peer
	s.typingSeq++
	seq := s.typingSeq
	if s.timer != nil {
		s.timer.Stop()
	}
	// The sequence check keeps an already-fired timer, stuck waiting on the
	// lock, from clearing an indicator that a later signal refreshed.
	s.timer = time.AfterFunc(s.expiry, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.typingSeq == seq {
			s.typing = uuid.Nil
		}
	})
}

// TypingPeer returns the peer currently typing, if any.
func (s *Session) TypingPeer() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing == uuid.Nil {
		return uuid.Nil, false
	}
	return s.typing, true
}

// Messages returns a snapshot of the conversation in insertion order.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Close detaches the session. The typing timer is stopped and subsequent
// Append, Load, and SignalTyping calls do nothing.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.typing = uuid.Nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
