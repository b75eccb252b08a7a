// Package memory provides in-process implementations of persistence contracts for tests and
// database-less development runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/gestion360/internal/domain/quota"
)

// QuotaStore is a mutex-guarded quota.Counter. Every read-check-write runs under one lock.
type QuotaStore struct {
	mu      sync.Mutex
	records map[quota.Category]quota.Record
	now     func() time.Time
}

var _ quota.Counter = (*QuotaStore)(nil)

// NewQuotaStore constructs an empty in-memory quota store.
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		records: make(map[quota.Category]quota.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the record for the category.
func (s *QuotaStore) Get(ctx context.Context, category quota.Category) (quota.Record, error) {
	if err := ctx.Err(); err != nil {
		return quota.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[category]
	if !ok {
		return quota.Record{}, quota.NotFound(category)
	}
	return rec, nil
}

// Decrement atomically consumes amount.
func (s *QuotaStore) Decrement(ctx context.Context, category quota.Category, amount int64) (quota.Record, error) {
	if err := quota.ValidateAmount(amount); err != nil {
		return quota.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return quota.Record{}, quota.Busy(category, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[category]
	if !ok {
		return quota.Record{}, quota.NotFound(category)
	}
	next, err := quota.ApplyDecrement(rec, amount)
	if err != nil {
		return quota.Record{}, err
	}
	if next != rec.Remaining {
		rec.Remaining = next
		rec.UpdatedAt = s.now()
		s.records[category] = rec
	}
	return rec, nil
}

// Increment atomically refunds amount.
func (s *QuotaStore) Increment(ctx context.Context, category quota.Category, amount int64) (quota.Record, error) {
	if err := quota.ValidateAmount(amount); err != nil {
		return quota.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return quota.Record{}, quota.Busy(category, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[category]
	if !ok {
		return quota.Record{}, quota.NotFound(category)
	}
	next := quota.ApplyIncrement(rec, amount)
	if next != rec.Remaining {
		rec.Remaining = next
		rec.UpdatedAt = s.now()
		s.records[category] = rec
	}
	return rec, nil
}

// Upsert creates or updates the record for params.Category.
func (s *QuotaStore) Upsert(ctx context.Context, params quota.UpsertParams) (quota.Record, error) {
	if err := ctx.Err(); err != nil {
		return quota.Record{}, err
	}
	if params.Remaining != nil {
		if err := quota.ValidateRemaining(*params.Remaining); err != nil {
			return quota.Record{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.records[params.Category]
	if !ok {
		rec = quota.Record{
			ID:        uuid.NewString(),
			Category:  params.Category,
			Config:    "{}",
			CreatedAt: now,
		}
	}
	if params.Config != nil {
		rec.Config = *params.Config
	}
	if params.Remaining != nil {
		rec.Remaining = *params.Remaining
	}
	rec.UpdatedAt = now
	s.records[params.Category] = rec
	return rec, nil
}

// Update changes the supplied fields of an existing record.
func (s *QuotaStore) Update(ctx context.Context, params quota.UpsertParams) (quota.Record, error) {
	if err := ctx.Err(); err != nil {
		return quota.Record{}, err
	}
	if params.Remaining != nil {
		if err := quota.ValidateRemaining(*params.Remaining); err != nil {
			return quota.Record{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[params.Category]
	if !ok {
		return quota.Record{}, quota.NotFound(params.Category)
	}
	if params.Config != nil {
		rec.Config = *params.Config
	}
	if params.Remaining != nil {
		rec.Remaining = *params.Remaining
	}
	rec.UpdatedAt = s.now()
	s.records[params.Category] = rec
	return rec, nil
}

// Delete removes the record.
func (s *QuotaStore) Delete(ctx context.Context, category quota.Category) (quota.Record, error) {
	if err := ctx.Err(); err != nil {
		return quota.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[category]
	if !ok {
		return quota.Record{}, quota.NotFound(category)
	}
	delete(s.records, category)
	return rec, nil
}
