package schema

import (
	"testing"
	"time"

	"github.com/coachpo/gestion360/errs"
)

func TestTopicValid(t *testing.T) {
	for _, topic := range Topics() {
		if !topic.Valid() {
			t.Fatalf("expected %s to be valid", topic)
		}
	}
	if Topic("message.deleted").Valid() {
		t.Fatal("expected undeclared topic to be invalid")
	}
}

func TestNewEventStampsIdentity(t *testing.T) {
	before := time.Now().UTC()
	evt := NewEvent(TopicMessageStatus, StatusEvent{MessageID: "wamid.1", Status: "read"})
	if evt.ID == "" {
		t.Fatal("expected event id")
	}
	if evt.PublishedAt.Before(before) {
		t.Fatalf("expected publish time after %v, got %v", before, evt.PublishedAt)
	}
	if evt.Topic != TopicMessageStatus {
		t.Fatalf("unexpected topic %s", evt.Topic)
	}
}

func TestMessageEventValidate(t *testing.T) {
	cases := []struct {
		name  string
		event MessageEvent
		ok    bool
	}{
		{"valid", MessageEvent{MessageID: "wamid.1", WaID: "5491100000000", Direction: DirectionInbound}, true},
		{"missing id", MessageEvent{WaID: "5491100000000", Direction: DirectionInbound}, false},
		{"missing wa id", MessageEvent{MessageID: "wamid.1", Direction: DirectionOutbound}, false},
		{"bad direction", MessageEvent{MessageID: "wamid.1", WaID: "1", Direction: "sideways"}, false},
	}
	for _, tc := range cases {
		err := tc.event.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			if errs.CodeOf(err) != errs.CodeInvalid {
				t.Fatalf("%s: expected invalid code, got %q", tc.name, errs.CodeOf(err))
			}
		}
	}
}

func TestStatusEventValidate(t *testing.T) {
	if err := (StatusEvent{MessageID: "wamid.1", Status: "delivered"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (StatusEvent{MessageID: "wamid.1"}).Validate(); err == nil {
		t.Fatal("expected missing status error")
	}
}
