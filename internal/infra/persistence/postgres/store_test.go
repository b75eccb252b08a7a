package postgres

import (
	"context"
	"testing"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil, QuotaStoreOptions{})
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Quotas() == nil {
		t.Fatalf("expected quota repository")
	}
	if store.Messages() == nil {
		t.Fatalf("expected message repository")
	}
	if err := store.Ready(context.Background()); err == nil {
		t.Fatalf("expected readiness error when pool nil")
	}
}
