package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/telemetry"
	"github.com/coachpo/gestion360/internal/observability"
)

// MemoryBus is a synchronous in-memory bus. Publish invokes every subscriber of the topic in
// registration order before returning. Subscriber failures are contained: they are logged and
// reported on schema.TopicProcessingError, and never reach the publisher.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[schema.Topic][]*subscriber
	closed      atomic.Bool
	nextID      uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	id      SubscriptionID
	topic   schema.Topic
	handler Handler
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus() *MemoryBus {
	bus := new(MemoryBus)
	bus.subscribers = make(map[schema.Topic][]*subscriber)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of subscriber failures"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish fans the payload out to every subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic schema.Topic, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !topic.Valid() {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown topic %q", topic)))
	}
	if b.closed.Load() {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	attrs := metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(topic))...)
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		}
	}()

	// Snapshot so handlers may subscribe or unsubscribe without deadlocking.
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subs)), attrs)
	}
	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, attrs)
	}
	if len(subs) == 0 {
		return nil
	}

	evt := schema.NewEvent(topic, payload)
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, evt); err != nil {
			b.reportFailure(ctx, sub, evt, err)
		}
	}
	return nil
}

// Subscribe registers handler for topic. Handlers are invoked in registration order.
func (b *MemoryBus) Subscribe(topic schema.Topic, handler Handler) (SubscriptionID, error) {
	if !topic.Valid() {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown topic %q", topic)))
	}
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if b.closed.Load() {
		return "", errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub := &subscriber{id: id, topic: topic, handler: handler}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.TopicAttributes(telemetry.Environment(), string(topic))...))
	}
	return id, nil
}

// Unsubscribe removes the subscription. Unknown ids are ignored.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for topic, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			// Copy-on-write keeps snapshots taken by in-flight publishes intact.
			next := make([]*subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subscribers, topic)
			} else {
				b.subscribers[topic] = next
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					telemetry.TopicAttributes(telemetry.Environment(), string(topic))...))
			}
			return
		}
	}
	b.mu.Unlock()
}

// Close drops every subscription and rejects further publishes.
func (b *MemoryBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	for topic := range b.subscribers {
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of subscribers for topic.
func (b *MemoryBus) SubscriberCount(topic schema.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("eventbus/deliver", errs.CodeProcessing,
				errs.WithMessage(fmt.Sprintf("subscriber panic: %v", r)),
				errs.WithField("stack", string(debug.Stack())))
		}
	}()
	return sub.handler(ctx, evt)
}

func (b *MemoryBus) reportFailure(ctx context.Context, sub *subscriber, evt schema.Event, err error) {
	if b.deliveryErrorCounter != nil {
		b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.TopicAttributes(telemetry.Environment(), string(evt.Topic))...))
	}
	observability.Log().Error("eventbus subscriber failed",
		observability.F("topic", string(evt.Topic)),
		observability.F("subscription", string(sub.id)),
		observability.F("event_id", evt.ID),
		observability.Err(err))

	// Failures of processing.error handlers are only logged.
	if evt.Topic == schema.TopicProcessingError {
		return
	}
	report := schema.ProcessingError{
		Source:     "eventbus",
		Topic:      evt.Topic,
		Message:    err.Error(),
		Context:    map[string]string{"subscription": string(sub.id), "eventId": evt.ID},
		OccurredAt: time.Now().UTC(),
	}
	if perr := b.Publish(ctx, schema.TopicProcessingError, report); perr != nil {
		observability.Log().Error("eventbus failure report dropped", observability.Err(perr))
	}
}
