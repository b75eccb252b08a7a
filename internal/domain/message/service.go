package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/telemetry"
	"github.com/coachpo/gestion360/internal/observability"
)

// Listing defaults and the ceiling applied to any caller-supplied limit.
const (
	DefaultContactLimit      = 50
	DefaultConversationLimit = 100
	DefaultSearchLimit       = 50
	DefaultRecentLimit       = 20
	MaxLimit                 = 500

	// StatsWindow bounds the per-day breakdown.
	StatsWindow = 7 * 24 * time.Hour
	// DefaultRetention is how long history is kept before Cleanup removes it.
	DefaultRetention = 365 * 24 * time.Hour
)

// Service records and queries the message history.
type Service struct {
	store Store
	clock func() time.Time

	operations metric.Int64Counter
}

// NewService constructs a Service backed by store.
func NewService(store Store) *Service {
	svc := &Service{store: store, clock: time.Now}
	svc.operations, _ = otel.Meter("message").Int64Counter("message.history.operations",
		metric.WithDescription("Message history operations by result"),
		metric.WithUnit("{operation}"))
	return svc
}

// Record stores a bus message. Redelivered message ids are ignored.
func (s *Service) Record(ctx context.Context, evt schema.MessageEvent) (msg Message, err error) {
	defer s.observe(ctx, "record", &err)
	if err = evt.Validate(); err != nil {
		return Message{}, err
	}
	if err = s.ready(); err != nil {
		return Message{}, err
	}
	msg, stored, err := s.store.Save(ctx, FromEvent(evt))
	if err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}
	if stored {
		observability.Log().Debug("message stored",
			observability.F("message_id", msg.MessageID),
			observability.F("wa_id", msg.WaID),
			observability.F("direction", string(msg.Direction)))
	}
	return msg, nil
}

// UpdateStatus applies a delivery status to a stored message.
func (s *Service) UpdateStatus(ctx context.Context, evt schema.StatusEvent) (msg Message, err error) {
	defer s.observe(ctx, "update_status", &err)
	if err = evt.Validate(); err != nil {
		return Message{}, err
	}
	status, err := ParseStatus(evt.Status)
	if err != nil {
		return Message{}, err
	}
	if err = s.ready(); err != nil {
		return Message{}, err
	}
	msg, err = s.store.UpdateStatus(ctx, evt.MessageID, status)
	if err != nil {
		return Message{}, fmt.Errorf("update message status: %w", err)
	}
	observability.Log().Debug("message status updated",
		observability.F("message_id", msg.MessageID),
		observability.F("status", string(status)))
	return msg, nil
}

// ContactHistory lists a contact's messages, newest first. A zero limit takes the default.
func (s *Service) ContactHistory(ctx context.Context, waID string, page Page) ([]Message, error) {
	waID = strings.TrimSpace(waID)
	if waID == "" {
		return nil, errs.New("message/contact", errs.CodeInvalid, errs.WithMessage("waId required"))
	}
	page, err := normalizePage(page, DefaultContactLimit)
	if err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.ByContact(ctx, waID, page)
}

// Conversation lists a conversation in chronological order.
func (s *Service) Conversation(ctx context.Context, conversationID string, page Page) ([]Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errs.New("message/conversation", errs.CodeInvalid, errs.WithMessage("conversationId required"))
	}
	page, err := normalizePage(page, DefaultConversationLimit)
	if err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.ByConversation(ctx, conversationID, page)
}

// Search matches content and contact names, newest first.
func (s *Service) Search(ctx context.Context, query SearchQuery) ([]Message, error) {
	query.Term = strings.TrimSpace(query.Term)
	if query.Term == "" {
		return nil, errs.New("message/search", errs.CodeInvalid, errs.WithMessage("search term required"))
	}
	query.MessageType = strings.ToLower(strings.TrimSpace(query.MessageType))
	limit, err := normalizeLimit(query.Limit, DefaultSearchLimit)
	if err != nil {
		return nil, err
	}
	query.Limit = limit
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Search(ctx, query)
}

// Recent lists the newest messages across every contact.
func (s *Service) Recent(ctx context.Context, limit int) ([]Message, error) {
	limit, err := normalizeLimit(limit, DefaultRecentLimit)
	if err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Recent(ctx, limit)
}

// Stats summarises the history with a per-day breakdown of the last StatsWindow.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if err := s.ready(); err != nil {
		return Stats{}, err
	}
	return s.store.Stats(ctx, s.clock().Add(-StatsWindow))
}

// Cleanup deletes messages received more than maxAge ago. A non-positive maxAge takes
// DefaultRetention.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (removed int64, err error) {
	defer s.observe(ctx, "cleanup", &err)
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	if err = s.ready(); err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-maxAge)
	removed, err = s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	if removed > 0 {
		observability.Log().Info("old messages removed",
			observability.F("removed", removed),
			observability.F("cutoff", cutoff.UTC()))
	}
	return removed, nil
}

func (s *Service) ready() error {
	if s == nil || s.store == nil {
		return errs.New("message/service", errs.CodeUnavailable, errs.WithMessage("message store unavailable"))
	}
	return nil
}

func (s *Service) observe(ctx context.Context, op string, errp *error) {
	if s == nil || s.operations == nil {
		return
	}
	result := telemetry.ResultSuccess
	switch err := *errp; {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = telemetry.ResultError
	}
	s.operations.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), op, result)...))
}

func normalizePage(page Page, defaultLimit int) (Page, error) {
	limit, err := normalizeLimit(page.Limit, defaultLimit)
	if err != nil {
		return Page{}, err
	}
	if page.Offset < 0 {
		return Page{}, errs.New("message/page", errs.CodeInvalid, errs.WithMessage("offset must not be negative"))
	}
	return Page{Limit: limit, Offset: page.Offset}, nil
}

func normalizeLimit(limit, defaultLimit int) (int, error) {
	switch {
	case limit < 0:
		return 0, errs.New("message/page", errs.CodeInvalid, errs.WithMessage("limit must not be negative"))
	case limit == 0:
		return defaultLimit, nil
	case limit > MaxLimit:
		return MaxLimit, nil
	}
	return limit, nil
}
