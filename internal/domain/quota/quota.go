// Package quota defines the prepaid message quota model and its persistence contract.
package quota

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/gestion360/errs"
)

// Unlimited marks a counter that is never decremented and never blocks.
const Unlimited int64 = -99

// Category identifies which integration a quota counter belongs to.
type Category string

const (
	// CategoryWhatsApp is the WhatsApp Cloud API integration counter.
	CategoryWhatsApp Category = "WHATSAPP"
)

var knownCategories = map[Category]struct{}{
	CategoryWhatsApp: {},
}

// ParseCategory normalises a category key. An empty key is invalid; a key that names no
// known counter has no record and fails with ErrNotFound.
func ParseCategory(raw string) (Category, error) {
	candidate := Category(strings.ToUpper(strings.TrimSpace(raw)))
	if candidate == "" {
		return "", errs.New("quota/category", errs.CodeInvalid, errs.WithMessage("category required"))
	}
	if _, ok := knownCategories[candidate]; !ok {
		return "", NotFound(candidate)
	}
	return candidate, nil
}

// Record is the persisted quota counter for one category.
type Record struct {
	ID        string
	Category  Category
	Remaining int64
	Config    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsUnlimited reports whether the record carries the unlimited sentinel.
func (r Record) IsUnlimited() bool {
	return r.Remaining == Unlimited
}

// UpsertParams describes an administrative create-or-update. Nil fields are left untouched
// on update; Remaining defaults to zero on create.
type UpsertParams struct {
	Category  Category
	Config    *string
	Remaining *int64
}

// Counter performs atomic read-check-write mutations on quota records.
type Counter interface {
	Get(ctx context.Context, category Category) (Record, error)
	Decrement(ctx context.Context, category Category, amount int64) (Record, error)
	Increment(ctx context.Context, category Category, amount int64) (Record, error)
	Upsert(ctx context.Context, params UpsertParams) (Record, error)
	// Update changes the supplied fields of an existing record in one statement and fails
	// with ErrNotFound when the record is absent. It never creates a record.
	Update(ctx context.Context, params UpsertParams) (Record, error)
	Delete(ctx context.Context, category Category) (Record, error)
}

var (
	// ErrNotFound reports that no record exists for the category.
	ErrNotFound = errs.New("quota", errs.CodeNotFound, errs.WithMessage("quota record not found"))
	// ErrInsufficientQuota matches every InsufficientQuotaError.
	ErrInsufficientQuota = errs.New("quota", errs.CodeInsufficientQuota, errs.WithMessage("insufficient quota"))
	// ErrBusy reports that contention exceeded the lock wait or transaction bound.
	ErrBusy = errs.New("quota", errs.CodeBusy, errs.WithMessage("quota counter busy"))
	// ErrInvalidAmount rejects non-positive amounts.
	ErrInvalidAmount = errs.New("quota", errs.CodeInvalid, errs.WithMessage("amount must be positive"))
)

// InsufficientQuotaError carries the available and requested amounts of a rejected decrement.
type InsufficientQuotaError struct {
	Category  Category
	Available int64
	Requested int64
}

func (e *InsufficientQuotaError) Error() string {
	return "insufficient quota: available " + strconv.FormatInt(e.Available, 10) +
		", requested " + strconv.FormatInt(e.Requested, 10)
}

// Is lets errors.Is match the ErrInsufficientQuota sentinel.
func (e *InsufficientQuotaError) Is(target error) bool {
	return errors.Is(ErrInsufficientQuota, target)
}

// Unwrap exposes a structured envelope so HTTP mapping and code lookups work.
func (e *InsufficientQuotaError) Unwrap() error {
	return errs.New("quota", errs.CodeInsufficientQuota,
		errs.WithHTTP(http.StatusBadRequest),
		errs.WithMessage(e.Error()),
		errs.WithField("category", string(e.Category)),
		errs.WithField("available", strconv.FormatInt(e.Available, 10)),
		errs.WithField("requested", strconv.FormatInt(e.Requested, 10)))
}

// NotFound returns ErrNotFound annotated with the category.
func NotFound(category Category) error {
	return fmt.Errorf("category %s: %w", category, ErrNotFound)
}

// Busy returns ErrBusy annotated with the category and cause.
func Busy(category Category, cause error) error {
	if cause == nil {
		return fmt.Errorf("category %s: %w", category, ErrBusy)
	}
	return fmt.Errorf("category %s: %w: %w", category, ErrBusy, cause)
}

// ValidateAmount rejects zero and negative amounts.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount %d: %w", amount, ErrInvalidAmount)
	}
	return nil
}

// ApplyDecrement is the read-check-write rule shared by every Counter implementation.
func ApplyDecrement(rec Record, amount int64) (int64, error) {
	if rec.IsUnlimited() {
		return rec.Remaining, nil
	}
	if rec.Remaining < amount {
		return rec.Remaining, &InsufficientQuotaError{Category: rec.Category, Available: rec.Remaining, Requested: amount}
	}
	return rec.Remaining - amount, nil
}

// ApplyIncrement returns the new remaining value after a refund. Increments are unbounded.
func ApplyIncrement(rec Record, amount int64) int64 {
	if rec.IsUnlimited() {
		return rec.Remaining
	}
	return rec.Remaining + amount
}

// ValidateRemaining rejects administrative values below the unlimited sentinel.
func ValidateRemaining(remaining int64) error {
	if remaining < Unlimited {
		return errs.New("quota/upsert", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("remaining must be >= %d", Unlimited)))
	}
	return nil
}
