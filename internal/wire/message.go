// Package wire implements the framed JSON message format shared by the hub
// and clients, including the truncated SHA-256 checksum that guards every
// frame.
package wire

import (
	"strconv"
	"time"
)

// Kind tags a message on the wire. The string values are part of the
// protocol and must not change.
type Kind string

const (
	KindAuth   Kind = "AUTH"   // authentication handshake (TCP)
	KindChat   Kind = "CHAT"   // broadcast chat message (UDP)
	KindAck    Kind = "ACK"    // delivery acknowledgement (UDP)
	KindUsers  Kind = "USERS"  // user-list request/response (TCP)
	KindJoin   Kind = "JOIN"   // user joined notice (TCP)
	KindLeave  Kind = "LEAVE"  // user left notice (TCP)
	KindDirect Kind = "DIRECT" // private message (UDP)
	KindPing   Kind = "PING"   // latency probe (UDP)
	KindPong   Kind = "PONG"   // latency probe reply (UDP)
	KindTopo   Kind = "TOPO"   // topology snapshot request/response (TCP)

	// KindFile is reserved for file transfer. It is never dispatched.
	KindFile Kind = "FILE"
)

// TimeLayout is the wall-clock format carried in the "time" field.
const TimeLayout = "2006-01-02 15:04:05"

// Message is a decoded frame. Content is the JSON-normalized payload: a
// string for most kinds, a []any for USERS responses and a map for TOPO
// snapshots.
type Message struct {
	Kind      Kind
	ID        string
	Time      string
	User      string
	Content   any
	Seq       *int
	Recipient string
}

// ContentString returns the content when it is a plain string.
func (m *Message) ContentString() string {
	s, _ := m.Content.(string)
	return s
}

// ContentStrings returns the content as a string slice (USERS responses).
func (m *Message) ContentStrings() []string {
	raw, ok := m.Content.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SeqValue returns the sequence number, or 0 when absent.
func (m *Message) SeqValue() int {
	if m.Seq == nil {
		return 0
	}
	return *m.Seq
}

// NewID returns a message ID for the given origin time: the epoch
// millisecond counter, unique per sender at normal send rates.
func NewID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// PingID encodes the probe send time as fractional epoch seconds so the
// receiver of the echoed PONG can recover the round-trip latency.
func PingID(now time.Time) string {
	return strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 6, 64)
}
