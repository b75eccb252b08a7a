// Package schema defines the event topics and payload types carried on the event bus.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/gestion360/errs"
)

// Topic names an event bus channel.
type Topic string

const (
	// TopicMessageReceived carries inbound and outbound WhatsApp messages.
	TopicMessageReceived Topic = "message.received"
	// TopicMessageStatus carries delivery status transitions.
	TopicMessageStatus Topic = "message.status"
	// TopicWebhookReceived carries the raw webhook envelope before parsing.
	TopicWebhookReceived Topic = "webhook.received"
	// TopicProcessingError carries failures raised while handling other events.
	TopicProcessingError Topic = "processing.error"
	// TopicAdminConnected fires when an observer registers.
	TopicAdminConnected Topic = "admin.connected"
	// TopicAdminDisconnected fires when an observer is removed.
	TopicAdminDisconnected Topic = "admin.disconnected"
)

// Topics lists every topic in declaration order.
func Topics() []Topic {
	return []Topic{
		TopicMessageReceived,
		TopicMessageStatus,
		TopicWebhookReceived,
		TopicProcessingError,
		TopicAdminConnected,
		TopicAdminDisconnected,
	}
}

// Valid reports whether the topic is one of the declared topics.
func (t Topic) Valid() bool {
	for _, known := range Topics() {
		if t == known {
			return true
		}
	}
	return false
}

// Event wraps a payload published on a topic.
type Event struct {
	ID          string
	Topic       Topic
	Payload     any
	PublishedAt time.Time
}

// NewEvent stamps a payload with an id and publish time.
func NewEvent(topic Topic, payload any) Event {
	return Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
}

// Direction distinguishes messages received from contacts and messages sent by operators.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MediaRef references an attachment by provider id. Media bytes are never fetched.
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// MessageEvent describes a single WhatsApp message.
type MessageEvent struct {
	MessageID      string          `json:"messageId"`
	WaID           string          `json:"waId"`
	ContactName    string          `json:"contactName,omitempty"`
	PhoneNumberID  string          `json:"phoneNumberId"`
	Direction      Direction       `json:"direction"`
	MessageType    string          `json:"messageType"`
	Content        string          `json:"content,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	FlowTrigger    string          `json:"flowTrigger,omitempty"`
	Media          *MediaRef       `json:"media,omitempty"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	RawPayload     json.RawMessage `json:"rawPayload,omitempty"`
}

// Validate checks the identifiers every observer relies on.
func (m MessageEvent) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("messageId required"))
	}
	if strings.TrimSpace(m.WaID) == "" {
		return errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("waId required"))
	}
	switch m.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("direction must be inbound or outbound"))
	}
	return nil
}

// StatusEvent describes a delivery status transition (sent, delivered, read, failed).
type StatusEvent struct {
	MessageID   string    `json:"messageId"`
	Status      string    `json:"status"`
	RecipientID string    `json:"recipientId"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks the status identifiers.
func (s StatusEvent) Validate() error {
	if strings.TrimSpace(s.MessageID) == "" {
		return errs.New("schema/status", errs.CodeInvalid, errs.WithMessage("messageId required"))
	}
	if strings.TrimSpace(s.Status) == "" {
		return errs.New("schema/status", errs.CodeInvalid, errs.WithMessage("status required"))
	}
	return nil
}

// WebhookReceived carries the undecoded webhook body.
type WebhookReceived struct {
	Object     string          `json:"object"`
	Body       json.RawMessage `json:"body"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// ProcessingError reports a failure raised while handling another event or request.
type ProcessingError struct {
	Source     string            `json:"source"`
	Topic      Topic             `json:"topic,omitempty"`
	Message    string            `json:"message"`
	Context    map[string]string `json:"context,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// AdminConnection reports an observer joining or leaving.
type AdminConnection struct {
	AdminID    string    `json:"adminId"`
	AdminEmail string    `json:"adminEmail,omitempty"`
	Transport  string    `json:"transport,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Disconnect reasons.
const (
	ReasonClientClosed = "client_closed"
	ReasonSuperseded   = "superseded"
	ReasonWriteFailed  = "write_failed"
	ReasonInactive     = "inactive"
	ReasonShutdown     = "shutdown"
)
