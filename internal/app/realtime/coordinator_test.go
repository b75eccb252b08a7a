package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
)

func newTestCoordinator(t *testing.T, pending PendingConfig) (*Coordinator, *Registry, *eventbus.MemoryBus) {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	registry := NewRegistry(RegistryConfig{}, NewPendingBuffer(pending), bus)
	coordinator := NewCoordinator(bus, registry)
	if err := coordinator.Start(); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() {
		coordinator.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Stop(ctx)
		bus.Close()
	})
	return coordinator, registry, bus
}

func publishMessage(t *testing.T, bus eventbus.Bus, id string) {
	t.Helper()
	evt := schema.MessageEvent{
		MessageID:   id,
		WaID:        "5215550000000",
		Direction:   schema.DirectionInbound,
		MessageType: "text",
		Content:     "hola " + id,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := bus.Publish(context.Background(), schema.TopicMessageReceived, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func messageIDs(t *testing.T, ch *fakeChannel, kind Kind) []string {
	t.Helper()
	var ids []string
	for _, env := range ch.envelopes(t, kind) {
		data, _ := env["data"].(map[string]any)
		id, _ := data["messageId"].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestCoordinatorBuffersAndReplaysToEveryNewConnection(t *testing.T) {
	_, registry, bus := newTestCoordinator(t, PendingConfig{})

	for _, id := range []string{"m1", "m2", "m3"} {
		publishMessage(t, bus, id)
	}
	if registry.Stats().PendingMessages != 3 {
		t.Fatalf("expected 3 pending, got %d", registry.Stats().PendingMessages)
	}

	first := newFakeChannel()
	if err := registry.Register(context.Background(), Principal{ID: "admin1"}, first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := fmt.Sprint(messageIDs(t, first, KindPendingMessage)); got != "[m1 m2 m3]" {
		t.Fatalf("first replay = %s", got)
	}
	if kinds := first.kinds(); kinds[0] != string(KindConnected) {
		t.Fatalf("handshake must precede replay, got %v", kinds)
	}

	registry.Unregister("admin1")
	second := newFakeChannel()
	if err := registry.Register(context.Background(), Principal{ID: "admin2"}, second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := fmt.Sprint(messageIDs(t, second, KindPendingMessage)); got != "[m1 m2 m3]" {
		t.Fatalf("second replay = %s", got)
	}
	for _, env := range second.envelopes(t, KindPendingMessage) {
		if env["type"] != EnvelopePending {
			t.Fatalf("unexpected envelope type %v", env["type"])
		}
	}
}

func TestCoordinatorDeliversLiveMessagesWithoutBuffering(t *testing.T) {
	_, registry, bus := newTestCoordinator(t, PendingConfig{})
	ch := newFakeChannel()
	if err := registry.Register(context.Background(), Principal{ID: "admin1"}, ch); err != nil {
		t.Fatalf("register: %v", err)
	}

	publishMessage(t, bus, "m1")
	if got := fmt.Sprint(messageIDs(t, ch, KindNewMessage)); got != "[m1]" {
		t.Fatalf("live delivery = %s", got)
	}
	if registry.Stats().PendingMessages != 0 {
		t.Fatal("delivered message must not be buffered")
	}
}

func TestCoordinatorBroadcastIsolatesFailures(t *testing.T) {
	_, registry, bus := newTestCoordinator(t, PendingConfig{})
	healthy := newFakeChannel()
	broken := newFakeChannel()
	if err := registry.Register(context.Background(), Principal{ID: "healthy"}, healthy); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(context.Background(), Principal{ID: "broken"}, broken); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := registry.Stats().ActiveConnections
	broken.setFailing(true)

	publishMessage(t, bus, "m1")

	if got := fmt.Sprint(messageIDs(t, healthy, KindNewMessage)); got != "[m1]" {
		t.Fatalf("healthy connection got %s", got)
	}
	if after := registry.Stats().ActiveConnections; after != before-1 {
		t.Fatalf("active connections %d -> %d, expected drop of one", before, after)
	}
	if registry.Stats().PendingMessages != 0 {
		t.Fatal("message delivered to one observer must not be buffered")
	}
}

func TestCoordinatorBuffersWhenEveryWriteFails(t *testing.T) {
	_, registry, bus := newTestCoordinator(t, PendingConfig{})
	ch := newFakeChannel()
	if err := registry.Register(context.Background(), Principal{ID: "admin1"}, ch); err != nil {
		t.Fatalf("register: %v", err)
	}
	ch.setFailing(true)

	publishMessage(t, bus, "m1")
	if registry.Stats().PendingMessages != 1 {
		t.Fatalf("expected undelivered message to be buffered, got %d", registry.Stats().PendingMessages)
	}
}

func TestCoordinatorReachesObserverJoiningDuringFailedBroadcast(t *testing.T) {
	_, registry, bus := newTestCoordinator(t, PendingConfig{})
	broken := newFakeChannel()
	if err := registry.Register(context.Background(), Principal{ID: "broken"}, broken); err != nil {
		t.Fatalf("register: %v", err)
	}

	late := newFakeChannel()
	broken.setFailing(true)
	broken.mu.Lock()
	broken.onWrite = func() {
		if err := registry.Register(context.Background(), Principal{ID: "late"}, late); err != nil {
			t.Errorf("register late observer: %v", err)
		}
	}
	broken.mu.Unlock()

	publishMessage(t, bus, "m1")

	live := messageIDs(t, late, KindNewMessage)
	replayed := messageIDs(t, late, KindPendingMessage)
	if len(live)+len(replayed) != 1 {
		t.Fatalf("late observer must see m1 exactly once, got live=%v replayed=%v", live, replayed)
	}
	if registry.Stats().PendingMessages != 1 {
		t.Fatalf("undelivered message must stay buffered, got %d", registry.Stats().PendingMessages)
	}
}

func TestCoordinatorStatusIsNeverBuffered(t *testing.T) {
	_, registry, bus := newTestCoordinator(t, PendingConfig{})

	status := schema.StatusEvent{MessageID: "m1", Status: "delivered", RecipientID: "5215550000000", Timestamp: time.Now().UTC()}
	if err := bus.Publish(context.Background(), schema.TopicMessageStatus, status); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if registry.Stats().PendingMessages != 0 {
		t.Fatal("status updates must not be buffered")
	}

	ch := newFakeChannel()
	if err := registry.Register(context.Background(), Principal{ID: "admin1"}, ch); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := bus.Publish(context.Background(), schema.TopicMessageStatus, status); err != nil {
		t.Fatalf("publish: %v", err)
	}
	envs := ch.envelopes(t, KindMessageStatus)
	if len(envs) != 1 || envs[0]["type"] != EnvelopeStatus {
		t.Fatalf("unexpected status frames: %v", envs)
	}
}

func TestCoordinatorBufferBound(t *testing.T) {
	_, registry, bus := newTestCoordinator(t, PendingConfig{Capacity: 10})
	for i := 0; i < 25; i++ {
		publishMessage(t, bus, fmt.Sprintf("m%d", i))
	}
	snapshot := registry.Pending().Snapshot()
	if len(snapshot) != 10 {
		t.Fatalf("expected 10 retained, got %d", len(snapshot))
	}
	first := snapshot[0].Payload.(schema.MessageEvent)
	if first.MessageID != "m15" {
		t.Fatalf("expected oldest retained m15, got %s", first.MessageID)
	}
}

func TestCoordinatorStopUnsubscribes(t *testing.T) {
	coordinator, registry, bus := newTestCoordinator(t, PendingConfig{})
	coordinator.Stop()
	publishMessage(t, bus, "m1")
	if registry.Stats().PendingMessages != 0 {
		t.Fatal("stopped coordinator still handled events")
	}
	if bus.SubscriberCount(schema.TopicMessageReceived) != 0 {
		t.Fatal("subscription left behind")
	}
}
