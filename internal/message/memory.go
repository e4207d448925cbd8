package message

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It honors the same semantics as the Postgres store, including per-tenant
// strictly increasing timestamps.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[uuid.UUID][]Message  // tenant -> messages in insertion order
	lastTs map[uuid.UUID]time.Time  // tenant -> last assigned timestamp
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[uuid.UUID][]Message),
		lastTs: make(map[uuid.UUID]time.Time),
	}
}

func (s *MemoryStore) Create(_ context.Context, m Message) (Message, error) {
	if err := ValidateContent(m.Content); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	// Strictly increasing per tenant so ordering by CreatedAt is total, the
	// way distinct inserts land in Postgres.
	ts := time.Now().UTC()
	if last := s.lastTs[m.TenantID]; !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	m.CreatedAt = ts
	m.Read = false
	s.lastTs[m.TenantID] = ts

	s.rows[m.TenantID] = append(s.rows[m.TenantID], m)
	return m, nil
}

func (s *MemoryStore) Get(_ context.Context, tenant, id uuid.UUID) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.rows[tenant] {
		if m.ID == id {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *MemoryStore) History(_ context.Context, tenant, a, b uuid.UUID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := []Message{}
	for _, m := range s.rows[tenant] {
		if between(m, a, b) {
			msgs = append(msgs, m)
		}
	}
	sortAscending(msgs)
	return msgs, nil
}

func (s *MemoryStore) Paginated(_ context.Context, tenant, a, b uuid.UUID, limit, offset int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := []Message{}
	for _, m := range s.rows[tenant] {
		if between(m, a, b) {
			msgs = append(msgs, m)
		}
	}
	sortDescending(msgs)

	if offset >= len(msgs) {
		return []Message{}, nil
	}
	end := offset + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[offset:end], nil
}

func (s *MemoryStore) MarkRead(_ context.Context, tenant, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[tenant]
	for i := range rows {
		if rows[i].ID == id {
			rows[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) UnreadCount(_ context.Context, tenant, user uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, m := range s.rows[tenant] {
		if m.ReceiverID == user && !m.Read {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Search(_ context.Context, tenant, user uuid.UUID, query string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	msgs := []Message{}
	for _, m := range s.rows[tenant] {
		if m.SenderID != user && m.ReceiverID != user {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), needle) {
			msgs = append(msgs, m)
		}
	}
	sortDescending(msgs)
	return msgs, nil
}

func (s *MemoryStore) Partners(_ context.Context, tenant, user uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[uuid.UUID]struct{}{}
	var partners []uuid.UUID
	for _, m := range s.rows[tenant] {
		var other uuid.UUID
		switch user {
		case m.SenderID:
			other = m.ReceiverID
		case m.ReceiverID:
			other = m.SenderID
		default:
			continue
		}
		if _, ok := seen[other]; !ok {
			seen[other] = struct{}{}
			partners = append(partners, other)
		}
	}
	return partners, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenant, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[tenant]
	for i := range rows {
		if rows[i].ID == id {
			s.rows[tenant] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Inbox(_ context.Context, tenant, user uuid.UUID) (map[uuid.UUID][]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grouped := make(map[uuid.UUID][]Message)
	for _, m := range s.rows[tenant] {
		if m.ReceiverID == user {
			grouped[m.SenderID] = append(grouped[m.SenderID], m)
		}
	}
	for _, msgs := range grouped {
		sortAscending(msgs)
	}
	return grouped, nil
}

func between(m Message, a, b uuid.UUID) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

func sortAscending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func sortDescending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[j].CreatedAt.Before(msgs[i].CreatedAt)
	})
}
