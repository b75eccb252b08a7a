package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
	"github.com/coachpo/gestion360/internal/infra/telemetry"
	"github.com/coachpo/gestion360/internal/observability"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultInactivityTimeout = 10 * time.Minute
	defaultSweepInterval     = 30 * time.Second

	handshakeMessage = "stream established"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RegistryConfig tunes connection supervision.
type RegistryConfig struct {
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	ReplayLimit       int
}

func (c RegistryConfig) normalize() RegistryConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = defaultReplayLimit
	}
	return c
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	TotalConnections  int `json:"totalConnections"`
	ActiveConnections int `json:"activeConnections"`
	PendingMessages   int `json:"pendingMessages"`
}

// connection is owned by exactly one registry entry. Its goroutines stop when ctx is cancelled.
type connection struct {
	id          string
	principal   Principal
	channel     Channel
	connectedAt time.Time

	state        atomic.Int32
	active       atomic.Bool
	lastActivity atomic.Int64

	// writeMu serialises frames so replay completes before live deliveries.
	writeMu   sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	heartbeat *time.Ticker
	watchdog  *time.Timer
	closeOnce sync.Once
}

func (c *connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *connection) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

func (c *connection) State() State {
	return State(c.state.Load())
}

// Registry tracks admin observer connections keyed by admin id. A second registration for the
// same id supersedes the first.
type Registry struct {
	cfg     RegistryConfig
	bus     eventbus.Bus
	pending *PendingBuffer
	clock   func() time.Time

	mu    sync.Mutex
	conns map[string]*connection

	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once

	connectionsGauge metric.Int64UpDownCounter
	deliveryFailures metric.Int64Counter
	framesWritten    metric.Int64Counter
	pendingGauge     metric.Int64ObservableGauge
}

// NewRegistry constructs a registry. bus may be nil when lifecycle events are not needed.
func NewRegistry(cfg RegistryConfig, pending *PendingBuffer, bus eventbus.Bus) *Registry {
	if pending == nil {
		pending = NewPendingBuffer(PendingConfig{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	registry := &Registry{
		cfg:     cfg.normalize(),
		bus:     bus,
		pending: pending,
		clock:   time.Now,
		conns:   make(map[string]*connection),
		ctx:     ctx,
		cancel:  cancel,
	}

	meter := otel.Meter("realtime")
	registry.connectionsGauge, _ = meter.Int64UpDownCounter("realtime.connections",
		metric.WithDescription("Registered observer connections"),
		metric.WithUnit("{connection}"))
	registry.deliveryFailures, _ = meter.Int64Counter("realtime.delivery.failures",
		metric.WithDescription("Frames that could not be written to an observer"),
		metric.WithUnit("{frame}"))
	registry.framesWritten, _ = meter.Int64Counter("realtime.frames.written",
		metric.WithDescription("Frames written to observers"),
		metric.WithUnit("{frame}"))
	registry.pendingGauge, _ = meter.Int64ObservableGauge("realtime.pending.size",
		metric.WithDescription("Messages held for replay"),
		metric.WithUnit("{message}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(registry.pending.Len()))
			return nil
		}))

	return registry
}

// Pending exposes the replay buffer.
func (r *Registry) Pending() *PendingBuffer {
	return r.pending
}

// Register installs channel as the active connection for principal.ID. The handshake frame is
// written first, then buffered messages are replayed before any live delivery can reach it.
func (r *Registry) Register(ctx context.Context, principal Principal, channel Channel) error {
	if principal.ID == "" {
		return errs.New("realtime/register", errs.CodeInvalid, errs.WithMessage("admin id required"))
	}
	if channel == nil {
		return errs.New("realtime/register", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if r.stopping.Load() {
		return errs.New("realtime/register", errs.CodeUnavailable, errs.WithMessage("registry stopped"))
	}

	now := r.clock()
	connCtx, cancel := context.WithCancel(r.ctx)
	conn := &connection{
		id:          principal.ID,
		principal:   principal,
		channel:     channel,
		connectedAt: now,
		ctx:         connCtx,
		cancel:      cancel,
	}
	conn.state.Store(int32(StateConnecting))
	conn.touch(now)
	conn.heartbeat = time.NewTicker(r.cfg.HeartbeatInterval)
	conn.watchdog = time.NewTimer(r.cfg.InactivityTimeout)

	handshake, err := EncodeFrame(KindConnected, Handshake{
		Message:    handshakeMessage,
		AdminID:    principal.ID,
		AdminEmail: principal.Email,
		Timestamp:  now.UTC(),
	})
	if err != nil {
		r.discard(conn)
		return err
	}
	if err := channel.Write(handshake); err != nil {
		r.discard(conn)
		_ = channel.Close()
		return errs.New("realtime/register", errs.CodeDelivery,
			errs.WithMessage("handshake write failed"), errs.WithCause(err))
	}

	// Holding writeMu across the swap makes live deliveries queue behind the replay, and taking
	// the replay snapshot under r.mu pairs with the coordinator's buffer-when-empty decision.
	conn.writeMu.Lock()
	r.mu.Lock()
	previous := r.conns[principal.ID]
	r.conns[principal.ID] = conn
	conn.state.Store(int32(StateActive))
	conn.active.Store(true)
	replay := r.pending.Replay(r.cfg.ReplayLimit)
	r.mu.Unlock()

	replayed := r.replayLocked(conn, replay)
	conn.writeMu.Unlock()

	if previous != nil {
		r.teardown(previous, schema.ReasonSuperseded)
	} else if r.connectionsGauge != nil {
		r.connectionsGauge.Add(ctx, 1)
	}

	r.wg.Go(func() { r.runHeartbeat(conn) })
	r.wg.Go(func() { r.runWatchdog(conn) })
	if r.stopping.Load() {
		r.remove(conn, schema.ReasonShutdown)
		return errs.New("realtime/register", errs.CodeUnavailable, errs.WithMessage("registry stopped"))
	}

	observability.Log().Info("observer connected",
		observability.F("admin_id", principal.ID),
		observability.F("admin_email", principal.Email),
		observability.F("transport", channel.Transport()),
		observability.F("replayed", replayed),
		observability.F("superseded", previous != nil))
	r.publish(ctx, schema.TopicAdminConnected, schema.AdminConnection{
		AdminID:    principal.ID,
		AdminEmail: principal.Email,
		Transport:  channel.Transport(),
		At:         now.UTC(),
	})
	return nil
}

// Unregister removes the connection for id. It is a no-op for unknown ids.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn := r.conns[id]
	if conn != nil {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if conn != nil {
		r.release(conn, schema.ReasonClientClosed)
	}
}

// Deliver writes one frame to the connection for id. A failed write marks the connection
// inactive; removal is left to its heartbeat and watchdog.
func (r *Registry) Deliver(ctx context.Context, id string, kind Kind, payload any) error {
	r.mu.Lock()
	conn := r.conns[id]
	r.mu.Unlock()
	if conn == nil || !conn.active.Load() {
		return errs.New("realtime/deliver", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("no active connection for %s", id)))
	}
	frame, err := EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	return r.write(ctx, conn, kind, frame)
}

// IsConnected reports whether id holds an active connection.
func (r *Registry) IsConnected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[id]
	return conn != nil && conn.active.Load()
}

// Stats returns connection and buffer counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	stats := Stats{TotalConnections: len(r.conns)}
	for _, conn := range r.conns {
		if conn.active.Load() {
			stats.ActiveConnections++
		}
	}
	r.mu.Unlock()
	stats.PendingMessages = r.pending.Len()
	return stats
}

// Start runs the periodic sweep until Stop.
func (r *Registry) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Go(func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.sweep(r.clock())
			}
		}
	})
}

// Stop closes every connection and waits for connection goroutines to exit.
func (r *Registry) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		r.mu.Lock()
		conns := make([]*connection, 0, len(r.conns))
		for id, conn := range r.conns {
			conns = append(conns, conn)
			delete(r.conns, id)
		}
		r.mu.Unlock()
		for _, conn := range conns {
			r.release(conn, schema.ReasonShutdown)
		}
		r.cancel()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("realtime registry stop: %w", ctx.Err())
	}
}

// activeOrElse returns the active connections. When there are none, onEmpty runs under the
// registry lock so a concurrent Register either sees its effect in the replay or is returned.
func (r *Registry) activeOrElse(onEmpty func()) []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.active.Load() {
			active = append(active, conn)
		}
	}
	if len(active) == 0 && onEmpty != nil {
		onEmpty()
	}
	return active
}

// bufferAfter appends pending under the registry lock once every target of a broadcast has
// failed. Connections that registered after the broadcast snapshot took their replay before
// this append, so they are returned for a direct write.
func (r *Registry) bufferAfter(targets []*connection, pending any) []*connection {
	tried := make(map[*connection]struct{}, len(targets))
	for _, conn := range targets {
		tried[conn] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Append(pending)
	var late []*connection
	for _, conn := range r.conns {
		if _, ok := tried[conn]; ok || !conn.active.Load() {
			continue
		}
		late = append(late, conn)
	}
	return late
}

func (r *Registry) write(ctx context.Context, conn *connection, kind Kind, frame []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return r.writeLocked(ctx, conn, kind, frame)
}

func (r *Registry) writeLocked(ctx context.Context, conn *connection, kind Kind, frame []byte) error {
	if !conn.active.Load() {
		return errs.New("realtime/deliver", errs.CodeDelivery,
			errs.WithMessage(fmt.Sprintf("connection %s inactive", conn.id)))
	}
	attrs := metric.WithAttributes(telemetry.DeliveryAttributes(telemetry.Environment(), string(kind), telemetry.ResultSuccess)...)
	if err := conn.channel.Write(frame); err != nil {
		conn.active.Store(false)
		if r.deliveryFailures != nil {
			r.deliveryFailures.Add(ctx, 1, metric.WithAttributes(
				telemetry.DeliveryAttributes(telemetry.Environment(), string(kind), telemetry.ResultError)...))
		}
		observability.Log().Warn("observer write failed",
			observability.F("admin_id", conn.id),
			observability.F("kind", string(kind)),
			observability.Err(err))
		return errs.New("realtime/deliver", errs.CodeDelivery,
			errs.WithMessage(fmt.Sprintf("write to %s failed", conn.id)), errs.WithCause(err))
	}
	conn.touch(r.clock())
	if r.framesWritten != nil {
		r.framesWritten.Add(ctx, 1, attrs)
	}
	return nil
}

func (r *Registry) replayLocked(conn *connection, entries []PendingEntry) int {
	replayed := 0
	for _, entry := range entries {
		frame, err := EncodeFrame(KindPendingMessage, Envelope{
			Type:      EnvelopePending,
			Data:      entry.Payload,
			Timestamp: r.clock().UTC(),
		})
		if err != nil {
			observability.Log().Warn("pending entry not encodable",
				observability.F("entry_id", entry.ID), observability.Err(err))
			continue
		}
		if err := r.writeLocked(r.ctx, conn, KindPendingMessage, frame); err != nil {
			break
		}
		replayed++
	}
	return replayed
}

func (r *Registry) discard(conn *connection) {
	conn.cancel()
	conn.heartbeat.Stop()
	conn.watchdog.Stop()
}

func (r *Registry) runHeartbeat(conn *connection) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-conn.heartbeat.C:
			if !conn.active.Load() {
				r.remove(conn, schema.ReasonWriteFailed)
				return
			}
			if err := r.write(conn.ctx, conn, "heartbeat", HeartbeatFrame()); err != nil {
				r.remove(conn, schema.ReasonWriteFailed)
				return
			}
		}
	}
}

func (r *Registry) runWatchdog(conn *connection) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-conn.channel.Done():
			r.remove(conn, schema.ReasonClientClosed)
			return
		case <-conn.watchdog.C:
			idle := conn.idle(r.clock())
			if idle >= r.cfg.InactivityTimeout {
				r.remove(conn, schema.ReasonInactive)
				return
			}
			conn.watchdog.Reset(r.cfg.InactivityTimeout - idle)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	if dropped := r.pending.Sweep(now); dropped > 0 {
		observability.Log().Debug("pending messages expired", observability.F("count", dropped))
	}

	r.mu.Lock()
	stale := make([]*connection, 0)
	for _, conn := range r.conns {
		if !conn.active.Load() || conn.idle(now) > r.cfg.InactivityTimeout {
			stale = append(stale, conn)
		}
	}
	r.mu.Unlock()
	for _, conn := range stale {
		reason := schema.ReasonInactive
		if !conn.active.Load() {
			reason = schema.ReasonWriteFailed
		}
		r.remove(conn, reason)
	}
}

// remove drops conn only if it is still the registered entry for its id.
func (r *Registry) remove(conn *connection, reason string) {
	r.mu.Lock()
	current := r.conns[conn.id]
	if current == conn {
		delete(r.conns, conn.id)
	}
	r.mu.Unlock()
	if current == conn {
		r.release(conn, reason)
		return
	}
	// Superseded entries were already released by Register.
	r.teardown(conn, reason)
}

func (r *Registry) release(conn *connection, reason string) {
	if r.teardown(conn, reason) && r.connectionsGauge != nil {
		r.connectionsGauge.Add(context.Background(), -1)
	}
}

// teardown stops timers, closes the channel and announces the disconnect exactly once.
func (r *Registry) teardown(conn *connection, reason string) bool {
	closed := false
	conn.closeOnce.Do(func() {
		closed = true
		conn.state.Store(int32(StateClosing))
		conn.active.Store(false)
		conn.cancel()
		if conn.heartbeat != nil {
			conn.heartbeat.Stop()
		}
		if conn.watchdog != nil {
			conn.watchdog.Stop()
		}
		if err := conn.channel.Close(); err != nil {
			observability.Log().Debug("observer channel close failed",
				observability.F("admin_id", conn.id), observability.Err(err))
		}
		conn.state.Store(int32(StateClosed))

		observability.Log().Info("observer disconnected",
			observability.F("admin_id", conn.id),
			observability.F("admin_email", conn.principal.Email),
			observability.F("reason", reason),
			observability.F("connected_for", r.clock().Sub(conn.connectedAt).String()))
		r.publish(context.Background(), schema.TopicAdminDisconnected, schema.AdminConnection{
			AdminID:    conn.id,
			AdminEmail: conn.principal.Email,
			Transport:  conn.channel.Transport(),
			Reason:     reason,
			At:         r.clock().UTC(),
		})
	})
	return closed
}

func (r *Registry) publish(ctx context.Context, topic schema.Topic, payload any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, topic, payload); err != nil {
		observability.Log().Debug("lifecycle event not published",
			observability.F("topic", string(topic)), observability.Err(err))
	}
}
