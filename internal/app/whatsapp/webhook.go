// Package whatsapp ingests WhatsApp Cloud API webhooks and sends outbound messages.
package whatsapp

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
	"github.com/coachpo/gestion360/internal/observability"
)

// Webhook is the Cloud API notification envelope.
type Webhook struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one field update within an entry.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries messages and statuses for the "messages" field.
type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Contacts         []Contact        `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
	Statuses         []Status         `json:"statuses"`
}

// Metadata identifies the receiving business number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender profile attached to inbound messages.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is a single message sent by a contact.
type InboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Audio    *Media `json:"audio,omitempty"`
	Document *Media `json:"document,omitempty"`
	Sticker  *Media `json:"sticker,omitempty"`
	Button   *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
}

// Media references an attachment hosted by the provider.
type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// Status is a delivery status notification for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
	Timestamp   string `json:"timestamp"`
}

// IngestSummary counts what one webhook produced.
type IngestSummary struct {
	Messages int `json:"messages"`
	Statuses int `json:"statuses"`
	Failures int `json:"failures"`
}

// Ingester turns webhook bodies into bus events.
type Ingester struct {
	bus         eventbus.Bus
	verifyToken string
	clock       func() time.Time
}

// NewIngester constructs an ingester. verifyToken guards the subscription handshake.
func NewIngester(bus eventbus.Bus, verifyToken string) *Ingester {
	return &Ingester{bus: bus, verifyToken: verifyToken, clock: time.Now}
}

// Verify answers the subscription handshake and returns the challenge to echo.
func (i *Ingester) Verify(mode, token, challenge string) (string, error) {
	if mode != "subscribe" {
		return "", errs.New("whatsapp/verify", errs.CodeUnauthorized, errs.WithMessage("unsupported hub.mode"))
	}
	if i.verifyToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(i.verifyToken)) != 1 {
		return "", errs.New("whatsapp/verify", errs.CodeUnauthorized, errs.WithMessage("verify token mismatch"))
	}
	return challenge, nil
}

// Ingest decodes body and publishes webhook.received, then one event per message and status.
// Only an undecodable body is returned as an error; per-item failures go to processing.error.
func (i *Ingester) Ingest(ctx context.Context, body []byte) (IngestSummary, error) {
	var hook Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		i.reportFailure(ctx, "decode", err, nil)
		return IngestSummary{}, errs.New("whatsapp/ingest", errs.CodeInvalid,
			errs.WithMessage("malformed webhook body"), errs.WithCause(err))
	}

	now := i.clock().UTC()
	i.publish(ctx, schema.TopicWebhookReceived, schema.WebhookReceived{
		Object:     hook.Object,
		Body:       json.RawMessage(body),
		ReceivedAt: now,
	})

	var summary IngestSummary
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				evt, err := i.messageEvent(msg, change.Value)
				if err == nil {
					err = i.bus.Publish(ctx, schema.TopicMessageReceived, evt)
				}
				if err != nil {
					summary.Failures++
					i.reportFailure(ctx, "message", err, map[string]string{"messageId": msg.ID, "entryId": entry.ID})
					continue
				}
				summary.Messages++
			}
			for _, st := range change.Value.Statuses {
				evt := StatusEventFrom(st, now)
				err := evt.Validate()
				if err == nil {
					err = i.bus.Publish(ctx, schema.TopicMessageStatus, evt)
				}
				if err != nil {
					summary.Failures++
					i.reportFailure(ctx, "status", err, map[string]string{"messageId": st.ID, "entryId": entry.ID})
					continue
				}
				summary.Statuses++
			}
		}
	}

	observability.Log().Debug("webhook ingested",
		observability.F("entries", len(hook.Entry)),
		observability.F("messages", summary.Messages),
		observability.F("statuses", summary.Statuses),
		observability.F("failures", summary.Failures))
	return summary, nil
}

func (i *Ingester) messageEvent(msg InboundMessage, value ChangeValue) (schema.MessageEvent, error) {
	raw, err := json.Marshal(map[string]string{
		"id":        msg.ID,
		"from":      msg.From,
		"type":      msg.Type,
		"timestamp": msg.Timestamp,
	})
	if err != nil {
		return schema.MessageEvent{}, fmt.Errorf("encode raw payload: %w", err)
	}
	evt := schema.MessageEvent{
		MessageID:      msg.ID,
		WaID:           msg.From,
		ContactName:    contactName(msg.From, value.Contacts),
		PhoneNumberID:  value.Metadata.PhoneNumberID,
		Direction:      schema.DirectionInbound,
		MessageType:    MessageType(msg.Type),
		Content:        Summarize(msg),
		ConversationID: ConversationID(msg.From),
		Media:          mediaRef(msg),
		ReceivedAt:     parseUnix(msg.Timestamp, i.clock()),
		RawPayload:     raw,
	}
	if msg.Button != nil {
		evt.FlowTrigger = msg.Button.Payload
	}
	return evt, evt.Validate()
}

// StatusEventFrom converts a webhook status. fallback is used when the timestamp is unparsable.
func StatusEventFrom(st Status, fallback time.Time) schema.StatusEvent {
	return schema.StatusEvent{
		MessageID:   st.ID,
		Status:      st.Status,
		RecipientID: st.RecipientID,
		Timestamp:   parseUnix(st.Timestamp, fallback),
	}
}

// Summarize renders a short human-readable content string for the message.
func Summarize(msg InboundMessage) string {
	switch msg.Type {
	case "text":
		if msg.Text != nil && msg.Text.Body != "" {
			return msg.Text.Body
		}
		return "Text message"
	case "image":
		return withCaption("Image", msg.Image)
	case "document":
		return withCaption("Document", msg.Document)
	case "audio":
		return "Audio"
	case "video":
		return withCaption("Video", msg.Video)
	case "location":
		return "Location"
	case "contacts", "contact":
		return "Contact"
	case "sticker":
		return "Sticker"
	case "button":
		if msg.Button != nil && msg.Button.Text != "" {
			return msg.Button.Text
		}
		return "Button"
	default:
		return "Message"
	}
}

// MessageType normalises provider message types to the set observers understand.
func MessageType(providerType string) string {
	switch providerType {
	case "text", "image", "document", "audio", "video", "location", "sticker", "button":
		return providerType
	case "contacts", "contact", "interactive":
		return "button"
	default:
		return "text"
	}
}

// ConversationID groups every message exchanged with waID.
func ConversationID(waID string) string {
	return "conv_" + waID
}

func withCaption(label string, media *Media) string {
	if media != nil && strings.TrimSpace(media.Caption) != "" {
		return label + ": " + strings.TrimSpace(media.Caption)
	}
	return label
}

func contactName(from string, contacts []Contact) string {
	for _, c := range contacts {
		if c.WaID == from && c.Profile.Name != "" {
			return c.Profile.Name
		}
	}
	// Single-contact envelopes omit wa_id on some API versions.
	if len(contacts) == 1 && contacts[0].WaID == "" && contacts[0].Profile.Name != "" {
		return contacts[0].Profile.Name
	}
	return "+" + from
}

func mediaRef(msg InboundMessage) *schema.MediaRef {
	var media *Media
	switch msg.Type {
	case "image":
		media = msg.Image
	case "video":
		media = msg.Video
	case "audio":
		media = msg.Audio
	case "document":
		media = msg.Document
	case "sticker":
		media = msg.Sticker
	}
	if media == nil || media.ID == "" {
		return nil
	}
	return &schema.MediaRef{ID: media.ID, MimeType: media.MimeType, Caption: media.Caption, Filename: media.Filename}
}

func parseUnix(raw string, fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return fallback.UTC()
	}
	return time.Unix(secs, 0).UTC()
}

func (i *Ingester) publish(ctx context.Context, topic schema.Topic, payload any) {
	if err := i.bus.Publish(ctx, topic, payload); err != nil {
		observability.Log().Warn("webhook event not published",
			observability.F("topic", string(topic)), observability.Err(err))
	}
}

func (i *Ingester) reportFailure(ctx context.Context, stage string, err error, detail map[string]string) {
	observability.Log().Error("webhook processing failed",
		observability.F("stage", stage), observability.Err(err))
	fields := map[string]string{"stage": stage}
	for k, v := range detail {
		fields[k] = v
	}
	i.publish(ctx, schema.TopicProcessingError, schema.ProcessingError{
		Source:     "whatsapp.webhook",
		Message:    err.Error(),
		Context:    fields,
		OccurredAt: i.clock().UTC(),
	})
}
