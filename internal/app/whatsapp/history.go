package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/message"
	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
	"github.com/coachpo/gestion360/internal/observability"
)

// RecorderConfig controls history retention.
type RecorderConfig struct {
	// Retention is the age past which messages are removed.
	Retention time.Duration
	// CleanupInterval spaces retention passes. Zero disables the periodic pass.
	CleanupInterval time.Duration
}

// Recorder writes every message and status event on the bus into the message history.
// Start it before the broadcast coordinator so a message is stored before observers see it.
type Recorder struct {
	bus     eventbus.Bus
	history *message.Service
	cfg     RecorderConfig

	mu     sync.Mutex
	subs   []eventbus.SubscriptionID
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewRecorder constructs a recorder feeding history from bus.
func NewRecorder(bus eventbus.Bus, history *message.Service, cfg RecorderConfig) *Recorder {
	if cfg.Retention <= 0 {
		cfg.Retention = message.DefaultRetention
	}
	return &Recorder{bus: bus, history: history, cfg: cfg}
}

// Start subscribes to message.received and message.status and launches the retention loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return nil
	}
	received, err := r.bus.Subscribe(schema.TopicMessageReceived, r.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", schema.TopicMessageReceived, err)
	}
	status, err := r.bus.Subscribe(schema.TopicMessageStatus, r.handleStatus)
	if err != nil {
		r.bus.Unsubscribe(received)
		return fmt.Errorf("subscribe %s: %w", schema.TopicMessageStatus, err)
	}
	r.subs = []eventbus.SubscriptionID{received, status}

	if r.cfg.CleanupInterval > 0 {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		r.wg.Go(func() { r.runCleanup(loopCtx) })
	}
	return nil
}

// Stop removes the subscriptions and waits for the retention loop to exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	for _, id := range r.subs {
		r.bus.Unsubscribe(id)
	}
	r.subs = nil
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Cleanup runs one retention pass.
func (r *Recorder) Cleanup(ctx context.Context) (int64, error) {
	return r.history.Cleanup(ctx, r.cfg.Retention)
}

func (r *Recorder) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Warn("message history cleanup failed", observability.Err(err))
			}
		}
	}
}

func (r *Recorder) handleMessage(ctx context.Context, evt schema.Event) error {
	var payload schema.MessageEvent
	switch p := evt.Payload.(type) {
	case schema.MessageEvent:
		payload = p
	case *schema.MessageEvent:
		if p == nil {
			return errs.New("whatsapp/history", errs.CodeInvalid, errs.WithMessage("nil message payload"))
		}
		payload = *p
	default:
		return errs.New("whatsapp/history", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unexpected message payload %T", evt.Payload)))
	}
	_, err := r.history.Record(ctx, payload)
	return err
}

// handleStatus fails for statuses of messages the history never saw; the bus reports those on
// processing.error.
func (r *Recorder) handleStatus(ctx context.Context, evt schema.Event) error {
	var payload schema.StatusEvent
	switch p := evt.Payload.(type) {
	case schema.StatusEvent:
		payload = p
	case *schema.StatusEvent:
		if p == nil {
			return errs.New("whatsapp/history", errs.CodeInvalid, errs.WithMessage("nil status payload"))
		}
		payload = *p
	default:
		return errs.New("whatsapp/history", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unexpected status payload %T", evt.Payload)))
	}
	_, err := r.history.UpdateStatus(ctx, payload)
	return err
}
