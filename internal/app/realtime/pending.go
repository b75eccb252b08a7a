package realtime

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

const (
	defaultPendingCapacity    = 1000
	defaultPendingRetention   = 24 * time.Hour
	defaultPendingMaxAttempts = 3
	defaultReplayLimit        = 50
)

// PendingConfig bounds the pending buffer.
type PendingConfig struct {
	Capacity    int
	Retention   time.Duration
	MaxAttempts int
}

func (c PendingConfig) normalize() PendingConfig {
	if c.Capacity <= 0 {
		c.Capacity = defaultPendingCapacity
	}
	if c.Retention <= 0 {
		c.Retention = defaultPendingRetention
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultPendingMaxAttempts
	}
	return c
}

// PendingEntry is a message held for observers that were not connected when it arrived.
type PendingEntry struct {
	ID               string
	Payload          any
	EnqueuedAt       time.Time
	DeliveryAttempts int
}

// PendingBuffer is a bounded FIFO of undelivered messages. Replay never removes entries;
// they leave only through capacity eviction or the age sweep.
type PendingBuffer struct {
	mu      sync.Mutex
	cfg     PendingConfig
	entries *deque.Deque[*PendingEntry]
	clock   func() time.Time
	evicted uint64
}

// NewPendingBuffer constructs an empty buffer.
func NewPendingBuffer(cfg PendingConfig) *PendingBuffer {
	cfg = cfg.normalize()
	return &PendingBuffer{
		cfg:     cfg,
		entries: deque.New[*PendingEntry](),
		clock:   time.Now,
	}
}

// Append stores payload, evicting the oldest entries once capacity is exceeded.
func (b *PendingBuffer) Append(payload any) PendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &PendingEntry{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: b.clock().UTC(),
	}
	b.entries.PushBack(entry)
	for b.entries.Len() > b.cfg.Capacity {
		b.entries.PopFront()
		b.evicted++
	}
	return *entry
}

// Sweep drops entries older than the retention window and returns how many were removed.
func (b *PendingBuffer) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for b.entries.Len() > 0 {
		if now.Sub(b.entries.Front().EnqueuedAt) < b.cfg.Retention {
			break
		}
		b.entries.PopFront()
		removed++
	}
	return removed
}

// Replay selects the most recent limit entries that are still under the attempt cap, oldest
// first, and counts one delivery attempt against each.
func (b *PendingBuffer) Replay(limit int) []PendingEntry {
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	selected := make([]*PendingEntry, 0, min(limit, b.entries.Len()))
	for i := b.entries.Len() - 1; i >= 0 && len(selected) < limit; i-- {
		entry := b.entries.At(i)
		if entry.DeliveryAttempts >= b.cfg.MaxAttempts {
			continue
		}
		selected = append(selected, entry)
	}

	out := make([]PendingEntry, len(selected))
	for i, entry := range selected {
		entry.DeliveryAttempts++
		out[len(selected)-1-i] = *entry
	}
	return out
}

// Len returns the number of buffered entries.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// Evicted returns how many entries were dropped for capacity.
func (b *PendingBuffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Snapshot copies the buffer contents in arrival order.
func (b *PendingBuffer) Snapshot() []PendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingEntry, b.entries.Len())
	for i := range out {
		out[i] = *b.entries.At(i)
	}
	return out
}
