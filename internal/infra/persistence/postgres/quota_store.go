package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/gestion360/internal/domain/quota"
	"github.com/coachpo/gestion360/internal/infra/telemetry"
	"github.com/coachpo/gestion360/internal/observability"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultTxTimeout   = 10 * time.Second
	defaultMaxAttempts = 4
)

// QuotaStoreOptions bounds how long a quota mutation may wait.
type QuotaStoreOptions struct {
	// LockTimeout bounds the wait for the row lock inside the transaction.
	LockTimeout time.Duration
	// TxTimeout bounds a single transaction attempt end to end.
	TxTimeout time.Duration
	// MaxAttempts caps retries after serialization failures or deadlocks.
	MaxAttempts uint
}

func (o QuotaStoreOptions) normalize() QuotaStoreOptions {
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.TxTimeout <= 0 {
		o.TxTimeout = defaultTxTimeout
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	return o
}

// QuotaStore persists quota counters in PostgreSQL. Every decrement and increment runs as a
// SERIALIZABLE transaction that locks the row before the read-check-write.
type QuotaStore struct {
	pool *pgxpool.Pool
	opts QuotaStoreOptions

	retries metric.Int64Counter
}

var _ quota.Counter = (*QuotaStore)(nil)

// NewQuotaStore constructs a QuotaStore backed by the provided pgx pool.
func NewQuotaStore(pool *pgxpool.Pool, opts QuotaStoreOptions) *QuotaStore {
	store := &QuotaStore{pool: pool, opts: opts.normalize()}
	store.retries, _ = otel.Meter("postgres.quota").Int64Counter("quota.transaction.retries",
		metric.WithDescription("Quota transactions retried after serialization failures"),
		metric.WithUnit("{retry}"))
	return store
}

const (
	quotaSelectSQL = `
SELECT id, category, config, remaining, created_at, updated_at
FROM settings
WHERE category = $1;
`
	quotaLockSQL = `
SELECT id, category, config, remaining, created_at, updated_at
FROM settings
WHERE category = $1
FOR UPDATE;
`
	quotaUpdateSQL = `
UPDATE settings
SET remaining = $2, updated_at = NOW()
WHERE id = $1
RETURNING updated_at;
`
	quotaUpsertSQL = `
INSERT INTO settings (id, category, config, remaining, created_at, updated_at)
VALUES ($1, $2, COALESCE($3::text, '{}'), COALESCE($4::bigint, 0), NOW(), NOW())
ON CONFLICT (category) DO UPDATE SET
    config = COALESCE($3::text, settings.config),
    remaining = COALESCE($4::bigint, settings.remaining),
    updated_at = NOW()
RETURNING id, category, config, remaining, created_at, updated_at;
`
	quotaPatchSQL = `
UPDATE settings
SET config = COALESCE($2::text, config),
    remaining = COALESCE($3::bigint, remaining),
    updated_at = NOW()
WHERE category = $1
RETURNING id, category, config, remaining, created_at, updated_at;
`
	quotaDeleteSQL = `
DELETE FROM settings
WHERE category = $1
RETURNING id, category, config, remaining, created_at, updated_at;
`
)

// Get returns the record for the category.
func (s *QuotaStore) Get(ctx context.Context, category quota.Category) (quota.Record, error) {
	if s.pool == nil {
		return quota.Record{}, fmt.Errorf("quota store: nil pool")
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, quotaSelectSQL, string(category)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Record{}, quota.NotFound(category)
		}
		return quota.Record{}, fmt.Errorf("select quota: %w", err)
	}
	return rec, nil
}

// Decrement atomically consumes amount. Unlimited counters are returned unchanged.
func (s *QuotaStore) Decrement(ctx context.Context, category quota.Category, amount int64) (quota.Record, error) {
	if err := quota.ValidateAmount(amount); err != nil {
		return quota.Record{}, err
	}
	return s.mutate(ctx, category, "decrement", func(rec quota.Record) (int64, error) {
		return quota.ApplyDecrement(rec, amount)
	})
}

// Increment atomically refunds amount. Unlimited counters are returned unchanged.
func (s *QuotaStore) Increment(ctx context.Context, category quota.Category, amount int64) (quota.Record, error) {
	if err := quota.ValidateAmount(amount); err != nil {
		return quota.Record{}, err
	}
	return s.mutate(ctx, category, "increment", func(rec quota.Record) (int64, error) {
		return quota.ApplyIncrement(rec, amount), nil
	})
}

// Upsert creates the record when absent, otherwise updates the supplied fields.
func (s *QuotaStore) Upsert(ctx context.Context, params quota.UpsertParams) (quota.Record, error) {
	if s.pool == nil {
		return quota.Record{}, fmt.Errorf("quota store: nil pool")
	}
	if params.Category == "" {
		return quota.Record{}, fmt.Errorf("quota store: category required")
	}
	if params.Remaining != nil {
		if err := quota.ValidateRemaining(*params.Remaining); err != nil {
			return quota.Record{}, err
		}
	}
	row := s.pool.QueryRow(ctx, quotaUpsertSQL, uuid.New(), string(params.Category), params.Config, params.Remaining)
	rec, err := scanRecord(row)
	if err != nil {
		return quota.Record{}, fmt.Errorf("upsert quota: %w", err)
	}
	return rec, nil
}

// Update changes the supplied fields of an existing record. The single UPDATE takes the row
// lock itself, so a concurrent Delete either wins and yields ErrNotFound or waits.
func (s *QuotaStore) Update(ctx context.Context, params quota.UpsertParams) (quota.Record, error) {
	if s.pool == nil {
		return quota.Record{}, fmt.Errorf("quota store: nil pool")
	}
	if params.Remaining != nil {
		if err := quota.ValidateRemaining(*params.Remaining); err != nil {
			return quota.Record{}, err
		}
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, quotaPatchSQL, string(params.Category), params.Config, params.Remaining))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Record{}, quota.NotFound(params.Category)
		}
		return quota.Record{}, fmt.Errorf("update quota: %w", err)
	}
	return rec, nil
}

// Delete removes the record and returns its final state.
func (s *QuotaStore) Delete(ctx context.Context, category quota.Category) (quota.Record, error) {
	if s.pool == nil {
		return quota.Record{}, fmt.Errorf("quota store: nil pool")
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, quotaDeleteSQL, string(category)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Record{}, quota.NotFound(category)
		}
		return quota.Record{}, fmt.Errorf("delete quota: %w", err)
	}
	return rec, nil
}

type transition func(rec quota.Record) (int64, error)

func (s *QuotaStore) mutate(ctx context.Context, category quota.Category, op string, next transition) (quota.Record, error) {
	if s.pool == nil {
		return quota.Record{}, fmt.Errorf("quota store: nil pool")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	attempt := 0
	rec, err := backoff.Retry(ctx, func() (quota.Record, error) {
		attempt++
		if attempt > 1 && s.retries != nil {
			s.retries.Add(ctx, 1, metric.WithAttributes(
				telemetry.QuotaAttributes(telemetry.Environment(), string(category), op, "retry")...))
		}
		rec, err := s.mutateOnce(ctx, category, next)
		if err == nil {
			return rec, nil
		}
		if isSerializationConflict(err) {
			return quota.Record{}, err
		}
		return quota.Record{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(s.opts.MaxAttempts))
	if err != nil {
		return quota.Record{}, s.classify(ctx, category, op, attempt, err)
	}
	return rec, nil
}

func (s *QuotaStore) mutateOnce(ctx context.Context, category quota.Category, next transition) (quota.Record, error) {
	txCtx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(txCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return quota.Record{}, fmt.Errorf("begin quota tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	// SET does not accept bind parameters; the value is a formatted integer.
	if _, err := tx.Exec(txCtx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.LockTimeout.Milliseconds())); err != nil {
		return quota.Record{}, fmt.Errorf("set lock timeout: %w", err)
	}

	rec, err := scanRecord(tx.QueryRow(txCtx, quotaLockSQL, string(category)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Record{}, quota.NotFound(category)
		}
		return quota.Record{}, fmt.Errorf("lock quota row: %w", err)
	}

	remaining, err := next(rec)
	if err != nil {
		return quota.Record{}, err
	}
	if remaining != rec.Remaining {
		if err := tx.QueryRow(txCtx, quotaUpdateSQL, rec.ID, remaining).Scan(&rec.UpdatedAt); err != nil {
			return quota.Record{}, fmt.Errorf("update quota: %w", err)
		}
		rec.Remaining = remaining
	}

	if err := tx.Commit(txCtx); err != nil {
		return quota.Record{}, fmt.Errorf("commit quota tx: %w", err)
	}
	return rec, nil
}

// classify maps driver failures onto the quota error taxonomy.
func (s *QuotaStore) classify(ctx context.Context, category quota.Category, op string, attempts int, err error) error {
	switch {
	case errors.Is(err, quota.ErrNotFound),
		errors.Is(err, quota.ErrInsufficientQuota),
		errors.Is(err, quota.ErrInvalidAmount):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("quota %s: %w", op, ctx.Err())
	case isSerializationConflict(err), isLockTimeout(err), pgconn.Timeout(err), errors.Is(err, context.DeadlineExceeded):
		observability.Log().Warn("quota transaction busy",
			observability.F("category", string(category)),
			observability.F("operation", op),
			observability.F("attempts", attempts),
			observability.Err(err))
		return quota.Busy(category, err)
	default:
		return fmt.Errorf("quota %s: %w", op, err)
	}
}

func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.LockNotAvailable || pgErr.Code == pgerrcode.QueryCanceled
}

func scanRecord(row pgx.Row) (quota.Record, error) {
	var (
		rec      quota.Record
		id       uuid.UUID
		category string
	)
	if err := row.Scan(&id, &category, &rec.Config, &rec.Remaining, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return quota.Record{}, err
	}
	rec.ID = id.String()
	rec.Category = quota.Category(category)
	return rec, nil
}
