package message

import (
	"context"

	"github.com/google/uuid"
)

// Store is the durable record of messages per tenant. The store is the
// authoritative side of the push/pull split: the broker persists through it
// before any fan-out, and the REST collaborator serves every read path from
// it. Implementations provide their own atomicity for single-record writes;
// no cross-record transactions are required.
type Store interface {
	// Create validates and persists a new message, returning the stored
	// record with its server-assigned id and timestamp. Fails with
	// ErrEmptyContent when the body is empty after trimming.
	Create(ctx context.Context, m Message) (Message, error)

	// Get returns a single message by id within the tenant. Fails with
	// ErrNotFound if absent.
	Get(ctx context.Context, tenant, id uuid.UUID) (Message, error)

	// History returns all messages exchanged between the two users in
	// ascending creation order (oldest first). Used for the initial full
	// conversation load.
	History(ctx context.Context, tenant, a, b uuid.UUID) ([]Message, error)

	// Paginated returns a window of the conversation ordered descending by
	// creation time (newest first). A limit/offset beyond the available
	// data yields an empty slice, never an error.
	Paginated(ctx context.Context, tenant, a, b uuid.UUID, limit, offset int) ([]Message, error)

	// MarkRead flips a message's read flag to true. Idempotent for already
	// read messages; fails with ErrNotFound if the id does not exist in
	// the tenant.
	MarkRead(ctx context.Context, tenant, id uuid.UUID) error

	// UnreadCount counts messages addressed to user that are still unread.
	UnreadCount(ctx context.Context, tenant, user uuid.UUID) (int, error)

	// Search matches query as a case-insensitive substring of content,
	// restricted to conversations involving user, newest first.
	Search(ctx context.Context, tenant, user uuid.UUID, query string) ([]Message, error)

	// Partners returns the distinct users who have exchanged at least one
	// message with user, in either direction.
	Partners(ctx context.Context, tenant, user uuid.UUID) ([]uuid.UUID, error)

	// Delete removes a message permanently. Fails with ErrNotFound if the
	// id does not exist; deleting twice is therefore an error.
	Delete(ctx context.Context, tenant, id uuid.UUID) error

	// Inbox returns all messages received by user grouped by sender, each
	// group in ascending creation order.
	Inbox(ctx context.Context, tenant, user uuid.UUID) (map[uuid.UUID][]Message, error)
}
