// Package realtime streams WhatsApp activity to connected admin observers.
package realtime

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Kind names the event field of a stream frame.
type Kind string

const (
	KindConnected      Kind = "connected"
	KindNewMessage     Kind = "new_message"
	KindMessageStatus  Kind = "message_status"
	KindPendingMessage Kind = "pending_message"
)

// Envelope types carried inside event frames.
const (
	EnvelopeMessage = "whatsapp_message"
	EnvelopeStatus  = "whatsapp_status"
	EnvelopePending = "whatsapp_pending"
)

var heartbeatFrame = []byte(": heartbeat\n\n")

// Envelope wraps a domain payload for delivery to observers.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Handshake is the first frame written to a new connection.
type Handshake struct {
	Message    string    `json:"message"`
	AdminID    string    `json:"adminId"`
	AdminEmail string    `json:"adminEmail"`
	Timestamp  time.Time `json:"timestamp"`
}

// EncodeFrame renders a named event frame: "event: <kind>\ndata: <json>\n\n".
func EncodeFrame(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", kind, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(kind) + len(data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(string(kind))
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// HeartbeatFrame returns the keep-alive comment frame.
func HeartbeatFrame() []byte {
	out := make([]byte, len(heartbeatFrame))
	copy(out, heartbeatFrame)
	return out
}

// IsHeartbeat reports whether frame is a keep-alive comment.
func IsHeartbeat(frame []byte) bool {
	return bytes.Equal(frame, heartbeatFrame)
}
