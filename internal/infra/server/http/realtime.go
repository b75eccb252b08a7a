package httpserver

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/app/realtime"
	"github.com/coachpo/gestion360/internal/observability"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var errChannelClosed = errors.New("observer channel closed")

// sseChannel streams frames over a held-open text/event-stream response.
type sseChannel struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	stop      func() bool
}

func newSSEChannel(w http.ResponseWriter, r *http.Request, timeout time.Duration) *sseChannel {
	ch := &sseChannel{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	ch.stop = context.AfterFunc(r.Context(), func() { _ = ch.Close() })
	return ch
}

func (c *sseChannel) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	_ = c.rc.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.rc.Flush()
}

// Close marks the stream finished. Writes in flight complete before Close returns, so the
// handler can safely return afterwards.
func (c *sseChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		close(c.done)
	})
	return nil
}

func (c *sseChannel) Done() <-chan struct{} { return c.done }

func (c *sseChannel) Transport() string { return "sse" }

// wsChannel sends each frame as one text message.
type wsChannel struct {
	conn    *websocket.Conn
	ctx     context.Context
	timeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	stop      func() bool
}

func newWSChannel(r *http.Request, conn *websocket.Conn, timeout time.Duration) *wsChannel {
	// CloseRead discards inbound messages and cancels readCtx once the peer goes away.
	readCtx := conn.CloseRead(r.Context())
	ch := &wsChannel{conn: conn, ctx: readCtx, timeout: timeout, done: make(chan struct{})}
	ch.stop = context.AfterFunc(readCtx, func() { ch.finish() })
	return ch
}

func (c *wsChannel) Write(frame []byte) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c *wsChannel) Close() error {
	c.finish()
	err := c.conn.Close(websocket.StatusNormalClosure, "closing")
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *wsChannel) finish() {
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		close(c.done)
	})
}

func (c *wsChannel) Done() <-chan struct{} { return c.done }

func (c *wsChannel) Transport() string { return "websocket" }

func observerFromQuery(r *http.Request) (realtime.Principal, error) {
	query := r.URL.Query()
	adminID := strings.TrimSpace(query.Get("adminId"))
	adminEmail := strings.TrimSpace(query.Get("adminEmail"))
	if adminID == "" || adminEmail == "" {
		return realtime.Principal{}, errs.New("realtime/connect", errs.CodeInvalid,
			errs.WithMessage("adminId and adminEmail are required"))
	}
	if !emailPattern.MatchString(adminEmail) {
		return realtime.Principal{}, errs.New("realtime/connect", errs.CodeInvalid,
			errs.WithMessage("invalid email format"))
	}
	return realtime.Principal{ID: adminID, Email: adminEmail}, nil
}

func (s *httpServer) connectStream(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime registry unavailable")
		return
	}
	principal, err := observerFromQuery(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	channel := newSSEChannel(w, r, s.frameTimeout)
	if err := s.registry.Register(r.Context(), principal, channel); err != nil {
		observability.Log().Warn("observer stream rejected",
			observability.F("admin_id", principal.ID), observability.Err(err))
		_ = channel.Close()
		return
	}
	<-channel.Done()
	_ = channel.Close()
}

func (s *httpServer) connectSocket(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime registry unavailable")
		return
	}
	principal, err := observerFromQuery(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: s.origins}
	if len(s.origins) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept has already written the failure response.
		observability.Log().Debug("observer socket upgrade failed", observability.Err(err))
		return
	}

	channel := newWSChannel(r, conn, s.frameTimeout)
	if err := s.registry.Register(r.Context(), principal, channel); err != nil {
		observability.Log().Warn("observer socket rejected",
			observability.F("admin_id", principal.ID), observability.Err(err))
		_ = conn.Close(websocket.StatusTryAgainLater, "registration failed")
		return
	}
	<-channel.Done()
}

func (s *httpServer) streamStats(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime registry unavailable")
		return
	}
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"totalConnections":  stats.TotalConnections,
			"activeConnections": stats.ActiveConnections,
			"pendingMessages":   stats.PendingMessages,
			"timestamp":         time.Now().UTC(),
		},
	})
}

func (s *httpServer) streamHealth(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"status":  "unhealthy",
			"error":   "realtime registry unavailable",
		})
		return
	}
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"connections": map[string]int{
			"active": stats.ActiveConnections,
			"total":  stats.TotalConnections,
		},
		"messages": map[string]int{
			"pending": stats.PendingMessages,
		},
	})
}
