package realtime

import (
	"fmt"
	"testing"
	"time"
)

func TestPendingBufferEvictsOldestBeyondCapacity(t *testing.T) {
	buf := NewPendingBuffer(PendingConfig{Capacity: 5})
	for i := 0; i < 12; i++ {
		buf.Append(fmt.Sprintf("m%d", i))
	}
	if buf.Len() != 5 {
		t.Fatalf("expected 5 entries, got %d", buf.Len())
	}
	if buf.Evicted() != 7 {
		t.Fatalf("expected 7 evictions, got %d", buf.Evicted())
	}
	snapshot := buf.Snapshot()
	for i, entry := range snapshot {
		if want := fmt.Sprintf("m%d", 7+i); entry.Payload != want {
			t.Fatalf("entry %d = %v, want %s", i, entry.Payload, want)
		}
	}
}

func TestPendingBufferSweepDropsExpired(t *testing.T) {
	buf := NewPendingBuffer(PendingConfig{Retention: time.Hour})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	buf.clock = func() time.Time { return current }

	buf.Append("old")
	current = base.Add(30 * time.Minute)
	buf.Append("mid")
	current = base.Add(50 * time.Minute)
	buf.Append("new")

	if removed := buf.Sweep(base.Add(61 * time.Minute)); removed != 1 {
		t.Fatalf("expected 1 expired entry, got %d", removed)
	}
	if removed := buf.Sweep(base.Add(61 * time.Minute)); removed != 0 {
		t.Fatalf("second sweep removed %d", removed)
	}
	snapshot := buf.Snapshot()
	if len(snapshot) != 2 || snapshot[0].Payload != "mid" || snapshot[1].Payload != "new" {
		t.Fatalf("unexpected entries after sweep: %+v", snapshot)
	}
}

func TestPendingBufferReplaySelectsMostRecentInOrder(t *testing.T) {
	buf := NewPendingBuffer(PendingConfig{})
	for i := 0; i < 8; i++ {
		buf.Append(i)
	}

	replayed := buf.Replay(3)
	if len(replayed) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(replayed))
	}
	for i, entry := range replayed {
		if entry.Payload != 5+i {
			t.Fatalf("replay[%d] = %v, want %d", i, entry.Payload, 5+i)
		}
		if entry.DeliveryAttempts != 1 {
			t.Fatalf("replay[%d] attempts = %d, want 1", i, entry.DeliveryAttempts)
		}
	}
	if buf.Len() != 8 {
		t.Fatalf("replay must not remove entries, have %d", buf.Len())
	}
}

func TestPendingBufferReplaySkipsExhaustedEntries(t *testing.T) {
	buf := NewPendingBuffer(PendingConfig{MaxAttempts: 2})
	buf.Append("a")
	buf.Append("b")

	for pass := 0; pass < 2; pass++ {
		if got := len(buf.Replay(10)); got != 2 {
			t.Fatalf("pass %d replayed %d entries", pass, got)
		}
	}
	buf.Append("c")
	replayed := buf.Replay(10)
	if len(replayed) != 1 || replayed[0].Payload != "c" {
		t.Fatalf("expected only fresh entry, got %+v", replayed)
	}
}

func TestPendingBufferReplayDefaultLimit(t *testing.T) {
	buf := NewPendingBuffer(PendingConfig{})
	for i := 0; i < 80; i++ {
		buf.Append(i)
	}
	replayed := buf.Replay(0)
	if len(replayed) != defaultReplayLimit {
		t.Fatalf("expected %d entries, got %d", defaultReplayLimit, len(replayed))
	}
	if replayed[0].Payload != 30 {
		t.Fatalf("expected window to start at 30, got %v", replayed[0].Payload)
	}
}
