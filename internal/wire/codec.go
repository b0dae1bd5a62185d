package wire

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// checksumLen is the number of base64 characters kept from the SHA-256
// digest.
const checksumLen = 12

// Option adjusts optional fields during Encode.
type Option func(*encodeState)

type encodeState struct {
	id        string
	seq       *int
	recipient string
	now       time.Time
}

// WithID sets an explicit message ID instead of the millisecond default.
func WithID(id string) Option {
	return func(s *encodeState) { s.id = id }
}

// WithSequence attaches a reliable-UDP sequence number.
func WithSequence(seq int) Option {
	return func(s *encodeState) { s.seq = &seq }
}

// WithRecipient addresses the message to a single user.
func WithRecipient(user string) Option {
	return func(s *encodeState) { s.recipient = user }
}

// WithTime overrides the origin wall clock, for deterministic tests.
func WithTime(now time.Time) Option {
	return func(s *encodeState) { s.now = now }
}

// Encode builds a framed message and signs it. The checksum covers the
// canonical (sorted-key) serialization of every field except the checksum
// itself.
func Encode(kind Kind, user string, content any, opts ...Option) ([]byte, error) {
	st := encodeState{now: time.Now()}
	for _, opt := range opts {
		opt(&st)
	}
	if st.id == "" {
		st.id = NewID(st.now)
	}

	m := map[string]any{
		"type":    string(kind),
		"id":      st.id,
		"time":    st.now.Format(TimeLayout),
		"user":    user,
		"content": content,
	}
	if st.seq != nil {
		m["seq"] = *st.seq
	}
	if st.recipient != "" {
		m["recipient"] = st.recipient
	}

	norm, err := normalize(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", kind, err)
	}
	norm["checksum"] = checksum(norm)
	return appendCanonical(nil, norm), nil
}

// Decode parses and verifies a frame. It returns nil, false on malformed
// input or a checksum mismatch; it never panics on attacker-controlled
// bytes.
func Decode(data []byte) (*Message, bool) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	claimed, ok := m["checksum"].(string)
	if !ok || claimed == "" {
		return nil, false
	}
	delete(m, "checksum")
	if checksum(m) != claimed {
		return nil, false
	}
	return fromMap(m)
}

// Resequence rewrites the seq field of an encoded frame and re-signs it.
// Non-JSON payloads pass through unchanged.
func Resequence(payload []byte, seq int) ([]byte, bool) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload, false
	}
	m["seq"] = float64(seq)
	delete(m, "checksum")
	m["checksum"] = checksum(m)
	return appendCanonical(nil, m), true
}

// checksum computes the truncated digest over a checksum-free message map.
func checksum(m map[string]any) string {
	sum := sha256.Sum256(appendCanonical(nil, m))
	return base64.StdEncoding.EncodeToString(sum[:])[:checksumLen]
}

// normalize round-trips a value through JSON so both the encode and decode
// paths digest identical shapes (all numbers as float64, maps as
// map[string]any).
func normalize(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(m map[string]any) (*Message, bool) {
	kind, ok := m["type"].(string)
	if !ok || kind == "" {
		return nil, false
	}
	msg := &Message{Kind: Kind(kind)}
	msg.ID, _ = m["id"].(string)
	msg.Time, _ = m["time"].(string)
	msg.User, _ = m["user"].(string)
	msg.Content = m["content"]
	msg.Recipient, _ = m["recipient"].(string)
	if raw, ok := m["seq"].(float64); ok {
		seq := int(raw)
		msg.Seq = &seq
	}
	return msg, true
}
