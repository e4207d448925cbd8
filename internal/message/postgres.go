package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
)

// PostgresStore implements Store on PostgreSQL. All queries are scoped by
// company_id; the composite (company_id, id) lookup is what enforces tenant
// partitioning at the storage layer.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL with the given DSN, verifies the
// connection, and applies pending schema migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("message: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: postgres ping: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing database handle without running
// migrations. Useful when the caller manages the schema.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so collaborators sharing the same
// database (the membership directory) can reuse the connection pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, m Message) (Message, error) {
	if err := ValidateContent(m.Content); err != nil {
		return Message{}, err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Read = false

	const query = `
		INSERT INTO messages (id, company_id, sender_id, receiver_id, content, attachment, created_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.TenantID, m.SenderID, m.ReceiverID, m.Content, m.Attachment, m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("message: insert: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenant, id uuid.UUID) (Message, error) {
	const query = `
		SELECT id, company_id, sender_id, receiver_id, content, attachment, created_at, read
		FROM messages
		WHERE company_id = $1 AND id = $2`

	var m Message
	err := s.db.QueryRowContext(ctx, query, tenant, id).Scan(
		&m.ID, &m.TenantID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Attachment, &m.CreatedAt, &m.Read)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("message: get: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) History(ctx context.Context, tenant, a, b uuid.UUID) ([]Message, error) {
	const query = `
		SELECT id, company_id, sender_id, receiver_id, content, attachment, created_at, read
		FROM messages
		WHERE company_id = $1
		  AND ((sender_id = $2 AND receiver_id = $3) OR (sender_id = $3 AND receiver_id = $2))
		ORDER BY created_at ASC`

	return s.queryMessages(ctx, query, tenant, a, b)
}

func (s *PostgresStore) Paginated(ctx context.Context, tenant, a, b uuid.UUID, limit, offset int) ([]Message, error) {
	const query = `
		SELECT id, company_id, sender_id, receiver_id, content, attachment, created_at, read
		FROM messages
		WHERE company_id = $1
		  AND ((sender_id = $2 AND receiver_id = $3) OR (sender_id = $3 AND receiver_id = $2))
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	return s.queryMessages(ctx, query, tenant, a, b, limit, offset)
}

func (s *PostgresStore) MarkRead(ctx context.Context, tenant, id uuid.UUID) error {
	const query = `UPDATE messages SET read = true WHERE company_id = $1 AND id = $2`

	res, err := s.db.ExecContext(ctx, query, tenant, id)
	if err != nil {
		return fmt.Errorf("message: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: mark read rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, tenant, user uuid.UUID) (int, error) {
	const query = `
		SELECT COUNT(*) FROM messages
		WHERE company_id = $1 AND receiver_id = $2 AND read = false`

	var count int
	if err := s.db.QueryRowContext(ctx, query, tenant, user).Scan(&count); err != nil {
		return 0, fmt.Errorf("message: unread count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Search(ctx context.Context, tenant, user uuid.UUID, query string) ([]Message, error) {
	const q = `
		SELECT id, company_id, sender_id, receiver_id, content, attachment, created_at, read
		FROM messages
		WHERE company_id = $1
		  AND (sender_id = $2 OR receiver_id = $2)
		  AND content ILIKE $3
		ORDER BY created_at DESC`

	return s.queryMessages(ctx, q, tenant, user, "%"+query+"%")
}

func (s *PostgresStore) Partners(ctx context.Context, tenant, user uuid.UUID) ([]uuid.UUID, error) {
	const query = `
		SELECT DISTINCT CASE WHEN sender_id = $2 THEN receiver_id ELSE sender_id END
		FROM messages
		WHERE company_id = $1 AND (sender_id = $2 OR receiver_id = $2)`

	rows, err := s.db.QueryContext(ctx, query, tenant, user)
	if err != nil {
		return nil, fmt.Errorf("message: partners: %w", err)
	}
	defer rows.Close()

	var partners []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("message: partners scan: %w", err)
		}
		partners = append(partners, id)
	}
	return partners, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, tenant, id uuid.UUID) error {
	const query = `DELETE FROM messages WHERE company_id = $1 AND id = $2`

	res, err := s.db.ExecContext(ctx, query, tenant, id)
	if err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: delete rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Inbox(ctx context.Context, tenant, user uuid.UUID) (map[uuid.UUID][]Message, error) {
	const query = `
		SELECT id, company_id, sender_id, receiver_id, content, attachment, created_at, read
		FROM messages
		WHERE company_id = $1 AND receiver_id = $2
		ORDER BY created_at ASC`

	msgs, err := s.queryMessages(ctx, query, tenant, user)
	if err != nil {
		return nil, err
	}

	grouped := make(map[uuid.UUID][]Message)
	for _, m := range msgs {
		grouped[m.SenderID] = append(grouped[m.SenderID], m)
	}
	return grouped, nil
}

// queryMessages runs a SELECT that yields full message rows and scans them.
func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message: query: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.Attachment, &m.CreatedAt, &m.Read); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
