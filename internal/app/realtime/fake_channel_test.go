package realtime

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

var errBrokenPipe = errors.New("broken pipe")

type fakeChannel struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closes     int
	done       chan struct{}
	doneOnce   sync.Once
	// onWrite runs once, before the first write is attempted.
	onWrite func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Write(frame []byte) error {
	c.mu.Lock()
	hook := c.onWrite
	c.onWrite = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errBrokenPipe
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Transport() string { return "test" }

func (c *fakeChannel) setFailing(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

// hangUp simulates the peer going away without the registry closing the channel.
func (c *fakeChannel) hangUp() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// kinds lists the event names of every non-heartbeat frame in write order.
func (c *fakeChannel) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, frame := range c.frames {
		if IsHeartbeat(frame) {
			continue
		}
		line, _, _ := bytes.Cut(frame, []byte("\n"))
		out = append(out, strings.TrimPrefix(string(line), "event: "))
	}
	return out
}

func (c *fakeChannel) heartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, frame := range c.frames {
		if IsHeartbeat(frame) {
			n++
		}
	}
	return n
}

// envelopes decodes the data line of every frame with the given kind.
func (c *fakeChannel) envelopes(t *testing.T, kind Kind) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	prefix := []byte("event: " + string(kind) + "\ndata: ")
	for _, frame := range c.frames {
		if !bytes.HasPrefix(frame, prefix) {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(frame[len(prefix):]), &decoded); err != nil {
			t.Fatalf("decode %s frame: %v", kind, err)
		}
		out = append(out, decoded)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
