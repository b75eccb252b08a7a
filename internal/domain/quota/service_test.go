package quota_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/quota"
	"github.com/coachpo/gestion360/internal/infra/persistence/memory"
)

func newService(t *testing.T, remaining int64) *quota.Service {
	t.Helper()
	store := memory.NewQuotaStore()
	if _, err := store.Upsert(context.Background(), quota.UpsertParams{Category: quota.CategoryWhatsApp, Remaining: &remaining}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return quota.NewService(store)
}

func TestVerifyAndDecrement(t *testing.T) {
	svc := newService(t, 10)
	res, err := svc.VerifyAndDecrement(context.Background(), quota.CategoryWhatsApp, 3)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	want := quota.Result{Success: true, RemainingCount: 7, DecrementedAmount: 3}
	if res != want {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestVerifyAndDecrementInsufficient(t *testing.T) {
	svc := newService(t, 2)
	_, err := svc.VerifyAndDecrement(context.Background(), quota.CategoryWhatsApp, 5)
	if !errors.Is(err, quota.ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}
	var insufficient *quota.InsufficientQuotaError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected typed error, got %T", err)
	}
	if insufficient.Available != 2 || insufficient.Requested != 5 {
		t.Fatalf("unexpected numbers %+v", insufficient)
	}
	if !strings.Contains(err.Error(), "available 2, requested 5") {
		t.Fatalf("expected both numbers in message: %v", err)
	}
	if got := errs.HTTPStatus(err); got != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got)
	}
}

func TestVerifyAndDecrementUnlimited(t *testing.T) {
	svc := newService(t, quota.Unlimited)
	res, err := svc.VerifyAndDecrement(context.Background(), quota.CategoryWhatsApp, 500)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !res.IsUnlimited || res.RemainingCount != quota.Unlimited || res.DecrementedAmount != 500 {
		t.Fatalf("unexpected unlimited result %+v", res)
	}

	res, err = svc.Rollback(context.Background(), quota.CategoryWhatsApp, 4)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !res.IsUnlimited || res.RemainingCount != quota.Unlimited || res.DecrementedAmount != -4 {
		t.Fatalf("unexpected unlimited rollback %+v", res)
	}
}

func TestAbsentRecordIsNotFound(t *testing.T) {
	svc := quota.NewService(memory.NewQuotaStore())
	ctx := context.Background()
	if _, err := svc.VerifyAndDecrement(ctx, quota.CategoryWhatsApp, 1); !errors.Is(err, quota.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.HasEnough(ctx, quota.CategoryWhatsApp, 1); !errors.Is(err, quota.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from HasEnough, got %v", err)
	}
	if _, err := svc.Count(ctx, quota.CategoryWhatsApp); errs.HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404 mapping, got %v", err)
	}
	if _, err := svc.Update(ctx, quota.UpsertParams{Category: quota.CategoryWhatsApp}); !errors.Is(err, quota.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Update, got %v", err)
	}
}

// racingDelete removes the record right after any read so a read-then-write update would see a
// record that no longer exists by the time it writes.
type racingDelete struct {
	*memory.QuotaStore
	upserts int
}

func (r *racingDelete) Get(ctx context.Context, category quota.Category) (quota.Record, error) {
	rec, err := r.QuotaStore.Get(ctx, category)
	if err == nil {
		_, _ = r.QuotaStore.Delete(ctx, category)
	}
	return rec, err
}

func (r *racingDelete) Upsert(ctx context.Context, params quota.UpsertParams) (quota.Record, error) {
	r.upserts++
	return r.QuotaStore.Upsert(ctx, params)
}

func TestUpdateNeverRecreatesDeletedRecord(t *testing.T) {
	store := &racingDelete{QuotaStore: memory.NewQuotaStore()}
	ctx := context.Background()
	remaining := int64(5)
	if _, err := store.QuotaStore.Upsert(ctx, quota.UpsertParams{Category: quota.CategoryWhatsApp, Remaining: &remaining}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.QuotaStore.Delete(ctx, quota.CategoryWhatsApp); err != nil {
		t.Fatalf("delete: %v", err)
	}

	svc := quota.NewService(store)
	next := int64(9)
	if _, err := svc.Update(ctx, quota.UpsertParams{Category: quota.CategoryWhatsApp, Remaining: &next}); !errors.Is(err, quota.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.upserts != 0 {
		t.Fatalf("update fell back to upsert %d times", store.upserts)
	}
	if _, err := store.QuotaStore.Get(ctx, quota.CategoryWhatsApp); !errors.Is(err, quota.ErrNotFound) {
		t.Fatalf("expected record to stay deleted, got %v", err)
	}
}

func TestUpdateChangesOnlySuppliedFields(t *testing.T) {
	svc := newService(t, 10)
	ctx := context.Background()
	cfg := `{"token":"rotated"}`
	rec, err := svc.Update(ctx, quota.UpsertParams{Category: quota.CategoryWhatsApp, Config: &cfg})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Remaining != 10 || rec.Config != cfg {
		t.Fatalf("unexpected record after update %+v", rec)
	}
	bad := int64(-100)
	if _, err := svc.Update(ctx, quota.UpsertParams{Category: quota.CategoryWhatsApp, Remaining: &bad}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid remaining, got %v", err)
	}
}

func TestProcessBatchDecrementsSumOnce(t *testing.T) {
	svc := newService(t, 10)
	res, err := svc.ProcessBatch(context.Background(), quota.CategoryWhatsApp, []int64{2, 3, 4})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.RemainingCount != 1 || res.DecrementedAmount != 9 {
		t.Fatalf("unexpected batch result %+v", res)
	}

	_, err = svc.ProcessBatch(context.Background(), quota.CategoryWhatsApp, []int64{1, 1})
	var insufficient *quota.InsufficientQuotaError
	if !errors.As(err, &insufficient) || insufficient.Requested != 2 || insufficient.Available != 1 {
		t.Fatalf("expected batch total rejected as one unit, got %v", err)
	}
	count, _ := svc.Count(context.Background(), quota.CategoryWhatsApp)
	if count != 1 {
		t.Fatalf("expected no partial consumption, remaining %d", count)
	}
}

func TestProcessBatchValidatesAmounts(t *testing.T) {
	svc := newService(t, 10)
	if _, err := svc.ProcessBatch(context.Background(), quota.CategoryWhatsApp, nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
	if _, err := svc.ProcessBatch(context.Background(), quota.CategoryWhatsApp, []int64{1, 0}); !errors.Is(err, quota.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRollbackRestoresQuota(t *testing.T) {
	svc := newService(t, 5)
	ctx := context.Background()
	if _, err := svc.VerifyAndDecrement(ctx, quota.CategoryWhatsApp, 1); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	res, err := svc.Rollback(ctx, quota.CategoryWhatsApp, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.RemainingCount != 5 || res.DecrementedAmount != -1 {
		t.Fatalf("unexpected rollback result %+v", res)
	}
}

func TestRollbackIsUnbounded(t *testing.T) {
	svc := newService(t, 5)
	res, err := svc.Rollback(context.Background(), quota.CategoryWhatsApp, 100)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.RemainingCount != 105 {
		t.Fatalf("expected unbounded increment, got %d", res.RemainingCount)
	}
}

func TestCheckReportsAvailability(t *testing.T) {
	svc := newService(t, 4)
	avail, err := svc.Check(context.Background(), quota.CategoryWhatsApp, 5)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if avail.HasEnough || avail.Available != 4 || avail.Requested != 5 {
		t.Fatalf("unexpected availability %+v", avail)
	}
	ok, err := svc.HasEnough(context.Background(), quota.CategoryWhatsApp, 4)
	if err != nil || !ok {
		t.Fatalf("expected enough quota for 4, got %v %v", ok, err)
	}
}

func TestParseCategory(t *testing.T) {
	got, err := quota.ParseCategory(" whatsapp ")
	if err != nil || got != quota.CategoryWhatsApp {
		t.Fatalf("expected WHATSAPP, got %q %v", got, err)
	}
	_, err = quota.ParseCategory("SMS")
	if !errors.Is(err, quota.ErrNotFound) || errs.HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected not found for unknown category, got %v", err)
	}
	if _, err := quota.ParseCategory("  "); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid code for empty category, got %v", err)
	}
}
