// Package events publishes messaging lifecycle events over NATS for the
// notification subsystem (an external collaborator that handles push and
// stored notifications). Publishing is strictly best-effort: a NATS outage
// never affects persistence or fan-out, and a nil *Publisher is a valid
// no-op so deployments without NATS need no special casing.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/campuslink/messenger/internal/message"
)

// Subjects are tenant-suffixed so the notification subsystem can subscribe
// per company: messages.stored.<tenant_id>, messages.read.<tenant_id>.
const (
	SubjectMessageStored = "messages.stored"
	SubjectMessageRead   = "messages.read"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// StoredEvent is the payload published when a message has been persisted.
type StoredEvent struct {
	MessageID  uuid.UUID `json:"message_id"`
	TenantID   uuid.UUID `json:"company_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	CreatedAt  time.Time `json:"created_at"`
	Delivered  bool      `json:"delivered"` // whether a live connection received it
}

// ReadEvent is the payload published when a message is marked read.
type ReadEvent struct {
	MessageID uuid.UUID `json:"message_id"`
	TenantID  uuid.UUID `json:"company_id"`
	ReaderID  uuid.UUID `json:"reader_id"`
}

// Publisher wraps the NATS connection. The zero value of a nil pointer is
// usable: every method on a nil *Publisher is a no-op.
type Publisher struct {
	conn *nats.Conn
}

// Connect establishes the NATS connection with reconnect handling.
func Connect(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("events: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("events: nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("events: nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	log.Printf("events: connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// MessageStored publishes a stored event for a persisted message.
func (p *Publisher) MessageStored(m message.Message, delivered bool) {
	if p == nil {
		return
	}
	p.publish(SubjectMessageStored+"."+m.TenantID.String(), StoredEvent{
		MessageID:  m.ID,
		TenantID:   m.TenantID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		CreatedAt:  m.CreatedAt,
		Delivered:  delivered,
	})
}

// MessageRead publishes a read event for a message marked read.
func (p *Publisher) MessageRead(tenant, id, reader uuid.UUID) {
	if p == nil {
		return
	}
	p.publish(SubjectMessageRead+"."+tenant.String(), ReadEvent{
		MessageID: id,
		TenantID:  tenant,
		ReaderID:  reader,
	})
}

func (p *Publisher) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("events: marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("events: publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		log.Printf("events: drain: %v", err)
	}
}
