package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
	"github.com/coachpo/gestion360/internal/observability"
)

// BroadcastResult summarises one broadcast pass.
type BroadcastResult struct {
	Delivered int
	Failed    int
	Buffered  bool
}

// Coordinator forwards message events from the bus to every active observer.
type Coordinator struct {
	bus      eventbus.Bus
	registry *Registry

	mu   sync.Mutex
	subs []eventbus.SubscriptionID
}

// NewCoordinator wires a coordinator between bus and registry.
func NewCoordinator(bus eventbus.Bus, registry *Registry) *Coordinator {
	return &Coordinator{bus: bus, registry: registry}
}

// Start subscribes to message.received and message.status.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		return nil
	}
	received, err := c.bus.Subscribe(schema.TopicMessageReceived, c.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", schema.TopicMessageReceived, err)
	}
	status, err := c.bus.Subscribe(schema.TopicMessageStatus, c.handleStatus)
	if err != nil {
		c.bus.Unsubscribe(received)
		return fmt.Errorf("subscribe %s: %w", schema.TopicMessageStatus, err)
	}
	c.subs = []eventbus.SubscriptionID{received, status}
	return nil
}

// Stop removes the coordinator's subscriptions.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.subs {
		c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

func (c *Coordinator) handleMessage(ctx context.Context, evt schema.Event) error {
	result, err := c.Broadcast(ctx, KindNewMessage, Envelope{
		Type:      EnvelopeMessage,
		Data:      evt.Payload,
		Timestamp: c.registry.clock().UTC(),
	}, evt.Payload)
	if err != nil {
		return err
	}
	if result.Buffered {
		observability.Log().Debug("message held for replay",
			observability.F("event_id", evt.ID),
			observability.F("pending", c.registry.pending.Len()))
	}
	return nil
}

func (c *Coordinator) handleStatus(ctx context.Context, evt schema.Event) error {
	_, err := c.Broadcast(ctx, KindMessageStatus, Envelope{
		Type:      EnvelopeStatus,
		Data:      evt.Payload,
		Timestamp: c.registry.clock().UTC(),
	}, nil)
	return err
}

// Broadcast writes one frame to every active connection. When pending is non-nil and no
// connection accepts the frame, pending is appended to the replay buffer. A failed write to
// one connection never stops delivery to the others.
func (c *Coordinator) Broadcast(ctx context.Context, kind Kind, envelope Envelope, pending any) (BroadcastResult, error) {
	frame, err := EncodeFrame(kind, envelope)
	if err != nil {
		return BroadcastResult{}, err
	}

	var result BroadcastResult
	targets := c.registry.activeOrElse(func() {
		if pending != nil {
			c.registry.pending.Append(pending)
			result.Buffered = true
		}
	})
	for _, conn := range targets {
		if err := c.registry.write(ctx, conn, kind, frame); err != nil {
			result.Failed++
			continue
		}
		result.Delivered++
	}
	if len(targets) > 0 && result.Delivered == 0 && pending != nil {
		result.Buffered = true
		for _, conn := range c.registry.bufferAfter(targets, pending) {
			if err := c.registry.write(ctx, conn, kind, frame); err != nil {
				result.Failed++
				continue
			}
			result.Delivered++
		}
	}
	return result, nil
}
