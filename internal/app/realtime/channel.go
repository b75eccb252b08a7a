package realtime

// Channel is the outbound half of an observer connection.
type Channel interface {
	// Write sends one complete frame. Implementations must flush before returning.
	Write(frame []byte) error
	// Close terminates the stream. It must be safe to call more than once.
	Close() error
	// Done is closed when the peer goes away or the channel is closed.
	Done() <-chan struct{}
	// Transport names the carrier, e.g. "sse" or "websocket".
	Transport() string
}

// Principal identifies the admin holding a connection.
type Principal struct {
	ID    string
	Email string
}
