package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/infra/telemetry"
	"github.com/coachpo/gestion360/internal/observability"
)

// Result reports the outcome of a quota mutation.
type Result struct {
	Success           bool  `json:"success"`
	RemainingCount    int64 `json:"remainingCount"`
	DecrementedAmount int64 `json:"decrementedAmount"`
	IsUnlimited       bool  `json:"isUnlimited"`
}

// Availability is the read-only answer to "is there enough quota".
type Availability struct {
	HasEnough bool  `json:"hasEnough"`
	Available int64 `json:"available"`
	Requested int64 `json:"requested"`
}

// Service exposes the business-level quota API on top of a Counter.
type Service struct {
	counter Counter

	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewService constructs a Service backed by the provided counter.
func NewService(counter Counter) *Service {
	meter := otel.Meter("quota")
	svc := &Service{counter: counter}
	svc.operations, _ = meter.Int64Counter("quota.operations",
		metric.WithDescription("Quota operations by category and result"),
		metric.WithUnit("{operation}"))
	svc.duration, _ = meter.Float64Histogram("quota.operation.duration",
		metric.WithDescription("Latency of quota operations"),
		metric.WithUnit("ms"))
	return svc
}

// HasEnough is an optimistic, read-only hint. It may be stale by the time a decrement runs.
func (s *Service) HasEnough(ctx context.Context, category Category, amount int64) (bool, error) {
	avail, err := s.Check(ctx, category, amount)
	if err != nil {
		return false, err
	}
	return avail.HasEnough, nil
}

// Check reports availability for amount without mutating the counter.
func (s *Service) Check(ctx context.Context, category Category, amount int64) (Availability, error) {
	if err := ValidateAmount(amount); err != nil {
		return Availability{}, err
	}
	rec, err := s.get(ctx, category)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		HasEnough: rec.IsUnlimited() || rec.Remaining >= amount,
		Available: rec.Remaining,
		Requested: amount,
	}, nil
}

// Count returns the current remaining value; Unlimited for unlimited counters.
func (s *Service) Count(ctx context.Context, category Category) (int64, error) {
	rec, err := s.get(ctx, category)
	if err != nil {
		return 0, err
	}
	return rec.Remaining, nil
}

// VerifyAndDecrement consumes amount from the counter. The pre-check only produces a friendlier
// early failure; the authoritative check runs inside the counter's transaction.
func (s *Service) VerifyAndDecrement(ctx context.Context, category Category, amount int64) (res Result, err error) {
	defer s.observe(ctx, "decrement", category, time.Now(), &err)

	if err = ValidateAmount(amount); err != nil {
		return Result{}, err
	}
	rec, err := s.get(ctx, category)
	if err != nil {
		return Result{}, err
	}
	if !rec.IsUnlimited() && rec.Remaining < amount {
		err = &InsufficientQuotaError{Category: category, Available: rec.Remaining, Requested: amount}
		return Result{}, err
	}

	updated, err := s.counter.Decrement(ctx, category, amount)
	if err != nil {
		return Result{}, err
	}
	// Unlimited counters stay at the sentinel but still report the requested amount.
	return Result{
		Success:           true,
		RemainingCount:    updated.Remaining,
		DecrementedAmount: amount,
		IsUnlimited:       updated.IsUnlimited(),
	}, nil
}

// ProcessBatch consumes the sum of amounts in one atomic decrement.
func (s *Service) ProcessBatch(ctx context.Context, category Category, amounts []int64) (Result, error) {
	if len(amounts) == 0 {
		return Result{}, errs.New("quota/batch", errs.CodeInvalid, errs.WithMessage("at least one amount required"))
	}
	var total int64
	for _, amount := range amounts {
		if err := ValidateAmount(amount); err != nil {
			return Result{}, err
		}
		if total > math.MaxInt64-amount {
			return Result{}, errs.New("quota/batch", errs.CodeInvalid, errs.WithMessage("batch total overflows"))
		}
		total += amount
	}
	return s.VerifyAndDecrement(ctx, category, total)
}

// Rollback returns amount to the counter after a failed downstream send. DecrementedAmount is
// reported as the negated refund.
func (s *Service) Rollback(ctx context.Context, category Category, amount int64) (res Result, err error) {
	defer s.observe(ctx, "increment", category, time.Now(), &err)

	if err = ValidateAmount(amount); err != nil {
		return Result{}, err
	}
	updated, err := s.counter.Increment(ctx, category, amount)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success:           true,
		RemainingCount:    updated.Remaining,
		DecrementedAmount: -amount,
		IsUnlimited:       updated.IsUnlimited(),
	}, nil
}

// Get returns the record for the category.
func (s *Service) Get(ctx context.Context, category Category) (Record, error) {
	return s.get(ctx, category)
}

// Upsert creates the record when absent, otherwise updates the supplied fields.
func (s *Service) Upsert(ctx context.Context, params UpsertParams) (Record, error) {
	if params.Remaining != nil {
		if err := ValidateRemaining(*params.Remaining); err != nil {
			return Record{}, err
		}
	}
	rec, err := s.counter.Upsert(ctx, params)
	if err != nil {
		return Record{}, err
	}
	observability.Log().Info("quota record upserted",
		observability.F("category", string(rec.Category)),
		observability.F("remaining", rec.Remaining))
	return rec, nil
}

// Update modifies an existing record and fails with ErrNotFound when absent.
func (s *Service) Update(ctx context.Context, params UpsertParams) (Record, error) {
	if params.Remaining != nil {
		if err := ValidateRemaining(*params.Remaining); err != nil {
			return Record{}, err
		}
	}
	rec, err := s.counter.Update(ctx, params)
	if err != nil {
		return Record{}, err
	}
	observability.Log().Info("quota record updated",
		observability.F("category", string(rec.Category)),
		observability.F("remaining", rec.Remaining))
	return rec, nil
}

// Delete removes the record and returns its last state.
func (s *Service) Delete(ctx context.Context, category Category) (Record, error) {
	rec, err := s.counter.Delete(ctx, category)
	if err != nil {
		return Record{}, err
	}
	observability.Log().Info("quota record removed", observability.F("category", string(category)))
	return rec, nil
}

func (s *Service) get(ctx context.Context, category Category) (Record, error) {
	if s == nil || s.counter == nil {
		return Record{}, errs.New("quota/service", errs.CodeUnavailable, errs.WithMessage("quota counter unavailable"))
	}
	rec, err := s.counter.Get(ctx, category)
	if err != nil {
		return Record{}, fmt.Errorf("get quota: %w", err)
	}
	return rec, nil
}

func (s *Service) observe(ctx context.Context, op string, category Category, start time.Time, errp *error) {
	result := telemetry.ResultSuccess
	var err error
	if errp != nil {
		err = *errp
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientQuota):
		result = "insufficient"
	case errors.Is(err, ErrBusy):
		result = "busy"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(telemetry.QuotaAttributes(telemetry.Environment(), string(category), op, result)...)
	if s.operations != nil {
		s.operations.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	if err != nil && result != "insufficient" {
		observability.Log().Warn("quota operation failed",
			observability.F("operation", op),
			observability.F("category", string(category)),
			observability.Err(err))
	}
}
