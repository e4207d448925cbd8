// Package registry tracks which tenant users currently hold a live duplex
// connection. State is process-local and in-memory only: a restart loses
// every entry and reconnecting clients simply re-register.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is the transport-level connection owned by a registry entry. The
// registry holds it exclusively for the lifetime of the registration and
// closes it when a newer connection from the same identity evicts it.
type Handle interface {
	// WriteFrame sends one outbound frame. Safe for concurrent use.
	WriteFrame(data []byte) error

	// Close tears down the underlying transport.
	Close() error
}

// Registry maps (tenant, user) to at most one live Handle. Tenants are
// sharded so that registrations in one company never contend with another's;
// within a shard an RWMutex keeps lookups cheap.
type Registry struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*shard
}

type shard struct {
	mu    sync.RWMutex
	users map[uuid.UUID]Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tenants: make(map[uuid.UUID]*shard)}
}

// Register stores h as the live connection for (tenant, user), atomically
// replacing any prior registration. The evicted handle, if any, is closed
// outside the shard lock and returned so callers can log the eviction.
func (r *Registry) Register(tenant, user uuid.UUID, h Handle) (evicted Handle) {
	s := r.shardFor(tenant)

	s.mu.Lock()
	old := s.users[user]
	s.users[user] = h
	s.mu.Unlock()

	if old != nil && old != h {
		old.Close()
		return old
	}
	return nil
}

// Unregister removes the registration for (tenant, user) only if the stored
// handle is h. A stale close racing a reconnect therefore cannot evict the
// newer connection. Reports whether the entry was removed.
func (r *Registry) Unregister(tenant, user uuid.UUID, h Handle) bool {
	r.mu.RLock()
	s := r.tenants[tenant]
	r.mu.RUnlock()
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[user] != h {
		return false
	}
	delete(s.users, user)
	return true
}

// Lookup returns the live handle for (tenant, user), if any. Non-blocking
// with respect to registrations in other tenants.
func (r *Registry) Lookup(tenant, user uuid.UUID) (Handle, bool) {
	r.mu.RLock()
	s := r.tenants[tenant]
	r.mu.RUnlock()
	if s == nil {
		return nil, false
	}

	s.mu.RLock()
	h, ok := s.users[user]
	s.mu.RUnlock()
	return h, ok
}

// Tenant returns a snapshot of every live handle in the tenant, keyed by
// user. Used for presence broadcasts; the snapshot is safe to iterate
// without holding any lock.
func (r *Registry) Tenant(tenant uuid.UUID) map[uuid.UUID]Handle {
	r.mu.RLock()
	s := r.tenants[tenant]
	r.mu.RUnlock()
	if s == nil {
		return map[uuid.UUID]Handle{}
	}

	s.mu.RLock()
	snapshot := make(map[uuid.UUID]Handle, len(s.users))
	for user, h := range s.users {
		snapshot[user] = h
	}
	s.mu.RUnlock()
	return snapshot
}

// Count returns the total number of live registrations across all tenants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, s := range r.tenants {
		s.mu.RLock()
		total += len(s.users)
		s.mu.RUnlock()
	}
	return total
}

// TenantCount returns the number of tenants with at least one live
// registration.
func (r *Registry) TenantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, s := range r.tenants {
		s.mu.RLock()
		if len(s.users) > 0 {
			total++
		}
		s.mu.RUnlock()
	}
	return total
}

// shardFor returns the shard for a tenant, creating it on first use. Empty
// shards are deliberately never reclaimed: the set of tenants is small and
// stable compared to the churn of connections within them.
func (r *Registry) shardFor(tenant uuid.UUID) *shard {
	r.mu.RLock()
	s := r.tenants[tenant]
	r.mu.RUnlock()
	if s != nil {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.tenants[tenant]; s == nil {
		s = &shard{users: make(map[uuid.UUID]Handle)}
		r.tenants[tenant] = s
	}
	return s
}
