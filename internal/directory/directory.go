// Package directory is the boundary to the external user/session directory.
// The messaging core only needs one question answered: does this user belong
// to this company?
package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Directory answers tenant membership checks against the identity service.
type Directory interface {
	// IsMember reports whether user belongs to tenant.
	IsMember(ctx context.Context, tenant, user uuid.UUID) (bool, error)
}

// Postgres checks membership against the identity schema owned by the
// directory service. Read-only; the messaging core never writes here.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (d *Postgres) IsMember(ctx context.Context, tenant, user uuid.UUID) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM company_members WHERE company_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := d.db.QueryRowContext(ctx, query, tenant, user).Scan(&ok); err != nil {
		return false, fmt.Errorf("directory: membership check: %w", err)
	}
	return ok, nil
}

// Static is a fixed in-memory directory for tests and local development.
type Static struct {
	members map[uuid.UUID]map[uuid.UUID]bool
}

// NewStatic builds a Static directory from tenant -> users assignments.
func NewStatic() *Static {
	return &Static{members: make(map[uuid.UUID]map[uuid.UUID]bool)}
}

// Add registers user as a member of tenant.
func (d *Static) Add(tenant uuid.UUID, users ...uuid.UUID) *Static {
	m := d.members[tenant]
	if m == nil {
		m = make(map[uuid.UUID]bool)
		d.members[tenant] = m
	}
	for _, u := range users {
		m[u] = true
	}
	return d
}

func (d *Static) IsMember(_ context.Context, tenant, user uuid.UUID) (bool, error) {
	return d.members[tenant][user], nil
}
