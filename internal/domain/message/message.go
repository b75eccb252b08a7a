// Package message keeps the WhatsApp conversation history: every inbound and outbound message
// with its latest delivery status.
package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/schema"
)

// Status is the delivery state of a stored message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ParseStatus normalises a provider status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return status, nil
	case "":
		return "", errs.New("message/status", errs.CodeInvalid, errs.WithMessage("status required"))
	default:
		return "", errs.New("message/status", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unsupported status %q", raw)))
	}
}

// Message is one stored WhatsApp message.
type Message struct {
	ID             string           `json:"id"`
	MessageID      string           `json:"messageId"`
	WaID           string           `json:"waId"`
	ContactName    string           `json:"contactName,omitempty"`
	PhoneNumberID  string           `json:"phoneNumberId"`
	Direction      schema.Direction `json:"direction"`
	MessageType    string           `json:"messageType"`
	Content        string           `json:"content,omitempty"`
	Status         Status           `json:"status"`
	ConversationID string           `json:"conversationId,omitempty"`
	FlowTrigger    string           `json:"flowTrigger,omitempty"`
	RawPayload     json.RawMessage  `json:"rawPayload,omitempty"`
	ReceivedAt     time.Time        `json:"receivedAt"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// FromEvent converts a bus message into a record in the sent state.
func FromEvent(evt schema.MessageEvent) Message {
	content := evt.Content
	if content == "" && evt.Media != nil {
		content = evt.Media.Caption
	}
	return Message{
		MessageID:      evt.MessageID,
		WaID:           evt.WaID,
		ContactName:    evt.ContactName,
		PhoneNumberID:  evt.PhoneNumberID,
		Direction:      evt.Direction,
		MessageType:    evt.MessageType,
		Content:        content,
		Status:         StatusSent,
		ConversationID: evt.ConversationID,
		FlowTrigger:    evt.FlowTrigger,
		RawPayload:     evt.RawPayload,
		ReceivedAt:     evt.ReceivedAt,
	}
}

// Page selects a window of an ordered listing.
type Page struct {
	Limit  int
	Offset int
}

// SearchQuery matches messages whose content or contact name contains Term, ignoring case.
type SearchQuery struct {
	Term        string
	MessageType string
	Limit       int
}

// Bucket counts messages sharing one value of a grouping key.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// DayBucket counts messages received on one UTC calendar day.
type DayBucket struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// Stats summarises the stored history.
type Stats struct {
	Total       int64       `json:"total"`
	ByDirection []Bucket    `json:"byDirection"`
	ByType      []Bucket    `json:"byType"`
	ByStatus    []Bucket    `json:"byStatus"`
	ByDay       []DayBucket `json:"byDay"`
}

// Store persists messages. Listings are ordered by ReceivedAt; ties break on MessageID.
type Store interface {
	// Save inserts msg. A message id that is already stored is left untouched and reported
	// with stored false, since providers redeliver webhooks.
	Save(ctx context.Context, msg Message) (Message, bool, error)
	UpdateStatus(ctx context.Context, messageID string, status Status) (Message, error)
	// ByContact lists newest first.
	ByContact(ctx context.Context, waID string, page Page) ([]Message, error)
	// ByConversation lists oldest first.
	ByConversation(ctx context.Context, conversationID string, page Page) ([]Message, error)
	Search(ctx context.Context, query SearchQuery) ([]Message, error)
	// Recent lists the newest messages across every contact.
	Recent(ctx context.Context, limit int) ([]Message, error)
	// Stats groups the whole history; ByDay only covers messages received at or after since.
	Stats(ctx context.Context, since time.Time) (Stats, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrNotFound reports that no message carries the requested id.
var ErrNotFound = errs.New("message", errs.CodeNotFound, errs.WithMessage("message not found"))

// NotFound returns ErrNotFound annotated with the message id.
func NotFound(messageID string) error {
	return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
}

// ContainsFold reports whether s contains term, ignoring case. Stores without a native
// case-insensitive match share it.
func ContainsFold(s, term string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(term))
}

// DayKey formats t as the UTC calendar day used by Stats.ByDay.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
