package whatsapp

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
)

const sampleWebhook = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "1029384756",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PN-1"},
        "contacts": [{"wa_id": "5215512345678", "profile": {"name": "Lucia"}}],
        "messages": [
          {"id": "wamid.A", "from": "5215512345678", "timestamp": "1714564800", "type": "text", "text": {"body": "hola"}},
          {"id": "wamid.B", "from": "5215599999999", "timestamp": "1714564801", "type": "image",
           "image": {"id": "MEDIA-1", "mime_type": "image/jpeg", "sha256": "abc", "caption": "factura"}}
        ],
        "statuses": [
          {"id": "wamid.OUT", "status": "delivered", "recipient_id": "5215512345678", "timestamp": "1714564900"}
        ]
      }
    }, {
      "field": "account_update",
      "value": {}
    }]
  }]
}`

type busRecorder struct {
	messages []schema.MessageEvent
	statuses []schema.StatusEvent
	webhooks []schema.WebhookReceived
	failures []schema.ProcessingError
}

func recordBus(t *testing.T) (*eventbus.MemoryBus, *busRecorder) {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	t.Cleanup(bus.Close)
	rec := &busRecorder{}
	subscribe := func(topic schema.Topic, fn func(schema.Event)) {
		if _, err := bus.Subscribe(topic, func(_ context.Context, evt schema.Event) error {
			fn(evt)
			return nil
		}); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	subscribe(schema.TopicMessageReceived, func(evt schema.Event) {
		rec.messages = append(rec.messages, evt.Payload.(schema.MessageEvent))
	})
	subscribe(schema.TopicMessageStatus, func(evt schema.Event) {
		rec.statuses = append(rec.statuses, evt.Payload.(schema.StatusEvent))
	})
	subscribe(schema.TopicWebhookReceived, func(evt schema.Event) {
		rec.webhooks = append(rec.webhooks, evt.Payload.(schema.WebhookReceived))
	})
	subscribe(schema.TopicProcessingError, func(evt schema.Event) {
		rec.failures = append(rec.failures, evt.Payload.(schema.ProcessingError))
	})
	return bus, rec
}

func TestIngestPublishesMessagesAndStatuses(t *testing.T) {
	bus, rec := recordBus(t)
	ingester := NewIngester(bus, "token")

	summary, err := ingester.Ingest(context.Background(), []byte(sampleWebhook))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary != (IngestSummary{Messages: 2, Statuses: 1}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(rec.webhooks) != 1 || rec.webhooks[0].Object != "whatsapp_business_account" {
		t.Fatalf("expected one webhook.received, got %+v", rec.webhooks)
	}

	text := rec.messages[0]
	if text.MessageID != "wamid.A" || text.Content != "hola" || text.ContactName != "Lucia" {
		t.Fatalf("unexpected text event %+v", text)
	}
	if text.Direction != schema.DirectionInbound || text.PhoneNumberID != "PN-1" {
		t.Fatalf("unexpected routing fields %+v", text)
	}
	if !text.ReceivedAt.Equal(time.Unix(1714564800, 0)) {
		t.Fatalf("unexpected receivedAt %v", text.ReceivedAt)
	}
	if text.ConversationID != "conv_5215512345678" {
		t.Fatalf("unexpected conversation id %q", text.ConversationID)
	}

	image := rec.messages[1]
	if image.ContactName != "+5215599999999" {
		t.Fatalf("expected phone fallback for unknown contact, got %q", image.ContactName)
	}
	if image.MessageType != "image" || image.Content != "Image: factura" {
		t.Fatalf("unexpected image summary %+v", image)
	}
	if image.Media == nil || image.Media.ID != "MEDIA-1" || image.Media.MimeType != "image/jpeg" {
		t.Fatalf("unexpected media ref %+v", image.Media)
	}

	status := rec.statuses[0]
	if status.MessageID != "wamid.OUT" || status.Status != "delivered" || status.RecipientID != "5215512345678" {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(rec.failures) != 0 {
		t.Fatalf("unexpected failures %+v", rec.failures)
	}
}

func TestIngestReportsInvalidItems(t *testing.T) {
	bus, rec := recordBus(t)
	ingester := NewIngester(bus, "token")

	body := `{"object":"whatsapp_business_account","entry":[{"id":"e1","changes":[{"field":"messages","value":{
	  "messages":[{"id":"","from":"521","type":"text","text":{"body":"x"}}],
	  "statuses":[{"id":"wamid.1","status":"","recipient_id":"521","timestamp":"oops"}]}}]}]}`
	summary, err := ingester.Ingest(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary.Failures != 2 || summary.Messages != 0 || summary.Statuses != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(rec.failures) != 2 {
		t.Fatalf("expected two processing errors, got %d", len(rec.failures))
	}
	if rec.failures[0].Source != "whatsapp.webhook" || rec.failures[0].Context["entryId"] != "e1" {
		t.Fatalf("unexpected failure report %+v", rec.failures[0])
	}
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	bus, rec := recordBus(t)
	ingester := NewIngester(bus, "token")

	_, err := ingester.Ingest(context.Background(), []byte(`{"entry": [`))
	if errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if len(rec.webhooks) != 0 || len(rec.failures) != 1 {
		t.Fatalf("expected only a processing error, got webhooks=%d failures=%d", len(rec.webhooks), len(rec.failures))
	}
}

func TestVerify(t *testing.T) {
	ingester := NewIngester(eventbus.NewMemoryBus(), "s3cret")

	challenge, err := ingester.Verify("subscribe", "s3cret", "12345")
	if err != nil || challenge != "12345" {
		t.Fatalf("expected challenge echo, got %q, %v", challenge, err)
	}
	for _, tc := range []struct{ mode, token string }{
		{"subscribe", "wrong"},
		{"unsubscribe", "s3cret"},
		{"", ""},
	} {
		if _, err := ingester.Verify(tc.mode, tc.token, "1"); errs.CodeOf(err) != errs.CodeUnauthorized {
			t.Fatalf("Verify(%q, %q) = %v, want unauthorized", tc.mode, tc.token, err)
		}
	}
	if _, err := NewIngester(eventbus.NewMemoryBus(), "").Verify("subscribe", "", "1"); err == nil {
		t.Fatal("empty configured token must reject every handshake")
	}
}

func TestSummarizeAndMessageType(t *testing.T) {
	cases := []struct {
		msg     InboundMessage
		content string
		kind    string
	}{
		{InboundMessage{Type: "text"}, "Text message", "text"},
		{InboundMessage{Type: "audio"}, "Audio", "audio"},
		{InboundMessage{Type: "document", Document: &Media{Caption: " contrato "}}, "Document: contrato", "document"},
		{InboundMessage{Type: "location"}, "Location", "location"},
		{InboundMessage{Type: "contacts"}, "Contact", "button"},
		{InboundMessage{Type: "sticker"}, "Sticker", "sticker"},
		{InboundMessage{Type: "reaction"}, "Message", "text"},
	}
	for _, tc := range cases {
		if got := Summarize(tc.msg); got != tc.content {
			t.Fatalf("Summarize(%s) = %q, want %q", tc.msg.Type, got, tc.content)
		}
		if got := MessageType(tc.msg.Type); got != tc.kind {
			t.Fatalf("MessageType(%s) = %q, want %q", tc.msg.Type, got, tc.kind)
		}
	}
}
