// Package message defines the durable chat message record and the Store
// that owns it. Every operation is partitioned by tenant: a message belongs
// to exactly one company and is only visible through that company's scope.
package message

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxContentBytes = 4096 // max encoded size of a message body
	MaxContentChars = 2000 // max character count
)

// Sentinel errors returned by Store implementations and ValidateContent.
// Callers classify failures with errors.Is.
var (
	// ErrEmptyContent rejects messages whose content is empty after trimming.
	ErrEmptyContent = errors.New("message: content is empty")

	// ErrNotFound is returned when a message id does not exist in the tenant.
	ErrNotFound = errors.New("message: not found")

	// ErrTenantMismatch is returned when sender and receiver do not belong
	// to the same tenant.
	ErrTenantMismatch = errors.New("message: sender and receiver not co-tenant")
)

// Message is a single chat message between two users of one tenant. It is
// immutable once stored except for the Read flag, which flips false -> true
// exactly once.
type Message struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"company_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	Content    string    `json:"content"`
	Attachment *string   `json:"attachment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
}

// New assembles an unsaved message with a fresh id and server-assigned
// timestamp. The attachment is an opaque reference to a previously uploaded
// file; it is not validated here.
func New(tenant, sender, receiver uuid.UUID, content string, attachment *string) Message {
	return Message{
		ID:         uuid.New(),
		TenantID:   tenant,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Attachment: attachment,
		CreatedAt:  time.Now().UTC(),
	}
}

// ValidateContent checks that a message body meets content requirements.
// Empty-after-trim content fails with ErrEmptyContent so callers can map it
// to the validation error class.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message: content contains invalid UTF-8")
	}
	return nil
}
