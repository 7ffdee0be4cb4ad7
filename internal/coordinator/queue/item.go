// Package queue provides the ordered per-session message queue and its item type.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority determines relative queue position independent of arrival time.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityUrgent
}

// Validation errors returned by NewItem and Revalidate.
var (
	ErrEmptyContent       = errors.New("content must not be empty")
	ErrContentTooLong     = errors.New("content exceeds maximum length")
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum size")
	ErrInvalidPriority    = errors.New("invalid priority")
)

// Limits bounds item construction and edits.
type Limits struct {
	MaxContentLength  int
	MaxAttachmentSize int64

	// InlineLimit is the size below which attachment bytes are carried
	// with the item. At or above it only the reference token is kept.
	InlineLimit int64
}

// Attachment is a typed descriptor for binary data attached to an item.
// Small payloads are inlined; large ones are referenced by an upload token
// and transferred through a side channel.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Ref      string `json:"ref"`
	Data     []byte `json:"data,omitempty"`
}

// Inline reports whether the attachment carries its payload with the item.
func (a *Attachment) Inline() bool {
	return a != nil && len(a.Data) > 0
}

// NewAttachment builds an attachment descriptor from raw payload bytes.
// The inline-vs-reference decision is made here, once, based on limits.
func NewAttachment(data []byte, mimeType string, limits Limits) (*Attachment, error) {
	size := int64(len(data))
	if size > limits.MaxAttachmentSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrAttachmentTooLarge, size, limits.MaxAttachmentSize)
	}

	att := &Attachment{
		MimeType: mimeType,
		Size:     size,
		Ref:      uuid.New().String(),
	}
	if size < limits.InlineLimit {
		att.Data = data
	}
	return att, nil
}

// Item is one pending unit of work in a session's queue.
// Identity is immutable; content and priority may change while queued.
type Item struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Priority   Priority    `json:"priority"`
	CreatedAt  time.Time   `json:"created_at"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
}

// NewItem constructs a validated queue item. Attempts start at zero and
// are incremented only after a failed execution attempt.
func NewItem(sessionID, content string, att *Attachment, priority Priority, limits Limits) (*Item, error) {
	if err := validateContent(content, limits); err != nil {
		return nil, err
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	if att != nil && att.Size > limits.MaxAttachmentSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrAttachmentTooLarge, att.Size, limits.MaxAttachmentSize)
	}

	return &Item{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Content:    content,
		Attachment: att,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Revalidate applies the construction-time content rules to an edit.
func Revalidate(content string, limits Limits) error {
	return validateContent(content, limits)
}

func validateContent(content string, limits Limits) error {
	if content == "" {
		return ErrEmptyContent
	}
	if len(content) > limits.MaxContentLength {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLong, len(content), limits.MaxContentLength)
	}
	return nil
}

// Clone returns a copy of the item safe to hand to observers.
func (i *Item) Clone() *Item {
	cp := *i
	if i.Attachment != nil {
		att := *i.Attachment
		cp.Attachment = &att
	}
	return &cp
}
