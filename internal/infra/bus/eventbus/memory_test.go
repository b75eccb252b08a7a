package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/schema"
)

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	if err := bus.Publish(context.Background(), schema.TopicMessageReceived, "payload"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryBusRejectsUnknownTopic(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	err := bus.Publish(context.Background(), schema.Topic("orders.created"), nil)
	if !errors.Is(err, errs.New("", errs.CodeInvalid)) {
		t.Fatalf("expected invalid topic error, got %v", err)
	}
	if _, err := bus.Subscribe(schema.Topic("orders.created"), func(context.Context, schema.Event) error { return nil }); err == nil {
		t.Fatal("expected subscribe to reject unknown topic")
	}
	if _, err := bus.Subscribe(schema.TopicMessageStatus, nil); err == nil {
		t.Fatal("expected subscribe to reject nil handler")
	}
}

func TestMemoryBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := bus.Subscribe(schema.TopicMessageReceived, func(_ context.Context, evt schema.Event) error {
			order = append(order, name+":"+evt.Payload.(string))
			return nil
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	for _, payload := range []string{"a", "b"} {
		if err := bus.Publish(context.Background(), schema.TopicMessageReceived, payload); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	want := "first:a,second:a,third:a,first:b,second:b,third:b"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("delivery order = %s, want %s", got, want)
	}
}

func TestMemoryBusIsolatesTopics(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var statusCalls int
	if _, err := bus.Subscribe(schema.TopicMessageStatus, func(context.Context, schema.Event) error {
		statusCalls++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), schema.TopicMessageReceived, "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if statusCalls != 0 {
		t.Fatalf("status subscriber received %d foreign events", statusCalls)
	}
}

func TestMemoryBusSubscriberFailureReportsProcessingError(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var reports []schema.ProcessingError
	if _, err := bus.Subscribe(schema.TopicProcessingError, func(_ context.Context, evt schema.Event) error {
		reports = append(reports, evt.Payload.(schema.ProcessingError))
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	failing, _ := bus.Subscribe(schema.TopicMessageReceived, func(context.Context, schema.Event) error {
		return errors.New("boom")
	})
	var laterCalled bool
	if _, err := bus.Subscribe(schema.TopicMessageReceived, func(context.Context, schema.Event) error {
		laterCalled = true
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), schema.TopicMessageReceived, "x"); err != nil {
		t.Fatalf("publisher must not observe subscriber failure: %v", err)
	}
	if !laterCalled {
		t.Fatal("failure of one subscriber prevented delivery to the next")
	}
	if len(reports) != 1 {
		t.Fatalf("expected one processing.error report, got %d", len(reports))
	}
	if reports[0].Topic != schema.TopicMessageReceived || reports[0].Context["subscription"] != string(failing) {
		t.Fatalf("unexpected report: %+v", reports[0])
	}
	if !strings.Contains(reports[0].Message, "boom") {
		t.Fatalf("report message %q does not carry cause", reports[0].Message)
	}
}

func TestMemoryBusRecoversSubscriberPanic(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var reported int
	_, _ = bus.Subscribe(schema.TopicProcessingError, func(context.Context, schema.Event) error {
		reported++
		return nil
	})
	_, _ = bus.Subscribe(schema.TopicMessageStatus, func(context.Context, schema.Event) error {
		panic("handler exploded")
	})

	if err := bus.Publish(context.Background(), schema.TopicMessageStatus, "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if reported != 1 {
		t.Fatalf("expected panic to be reported once, got %d", reported)
	}
}

func TestMemoryBusProcessingErrorFailuresDoNotRecurse(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var calls int
	_, _ = bus.Subscribe(schema.TopicProcessingError, func(context.Context, schema.Event) error {
		calls++
		return errors.New("reporter broken")
	})

	if err := bus.Publish(context.Background(), schema.TopicProcessingError, schema.ProcessingError{Message: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single delivery, got %d", calls)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var calls int
	id, err := bus.Subscribe(schema.TopicAdminConnected, func(context.Context, schema.Event) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !strings.HasPrefix(string(id), "sub-") {
		t.Fatalf("unexpected subscription id %q", id)
	}

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	bus.Unsubscribe("sub-missing")

	if err := bus.Publish(context.Background(), schema.TopicAdminConnected, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 0 {
		t.Fatalf("unsubscribed handler invoked %d times", calls)
	}
	if n := bus.SubscriberCount(schema.TopicAdminConnected); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestMemoryBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var (
		secondID SubscriptionID
		second   int
	)
	_, _ = bus.Subscribe(schema.TopicMessageReceived, func(context.Context, schema.Event) error {
		bus.Unsubscribe(secondID)
		return nil
	})
	secondID, _ = bus.Subscribe(schema.TopicMessageReceived, func(context.Context, schema.Event) error {
		second++
		return nil
	})

	_ = bus.Publish(context.Background(), schema.TopicMessageReceived, "a")
	_ = bus.Publish(context.Background(), schema.TopicMessageReceived, "b")
	if second != 1 {
		t.Fatalf("expected in-flight snapshot to deliver once, got %d", second)
	}
}

func TestMemoryBusConcurrentPublish(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var (
		mu    sync.Mutex
		count int
	)
	_, _ = bus.Subscribe(schema.TopicMessageReceived, func(context.Context, schema.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), schema.TopicMessageReceived, "x")
		}()
	}
	wg.Wait()
	if count != 20 {
		t.Fatalf("expected 20 deliveries, got %d", count)
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus()
	_, _ = bus.Subscribe(schema.TopicMessageStatus, func(context.Context, schema.Event) error { return nil })

	bus.Close()
	bus.Close()

	err := bus.Publish(context.Background(), schema.TopicMessageStatus, nil)
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
	if n := bus.SubscriberCount(schema.TopicMessageStatus); n != 0 {
		t.Fatalf("expected subscriptions dropped, got %d", n)
	}
}
