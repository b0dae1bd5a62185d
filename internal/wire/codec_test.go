package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindChat, "alice", "hello world")
	require.NoError(t, err)

	msg, ok := Decode(data)
	require.True(t, ok)
	assert.Equal(t, KindChat, msg.Kind)
	assert.Equal(t, "alice", msg.User)
	assert.Equal(t, "hello world", msg.ContentString())
	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.Time)
	assert.Nil(t, msg.Seq)
	assert.Empty(t, msg.Recipient)
}

func TestEncodeDecode_OptionalFields(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindDirect, "alice", "psst",
		WithID("1700000000000"), WithSequence(7), WithRecipient("bob"))
	require.NoError(t, err)

	msg, ok := Decode(data)
	require.True(t, ok)
	assert.Equal(t, "1700000000000", msg.ID)
	assert.Equal(t, 7, msg.SeqValue())
	assert.Equal(t, "bob", msg.Recipient)
}

func TestEncode_NonASCIIContent(t *testing.T) {
	t.Parallel()

	// The welcome banner carries Turkish text; the checksum must survive
	// the \u-escaped canonical form.
	data, err := Encode(KindAuth, "SERVER", "Hoş geldin alice! UDP port: 12346")
	require.NoError(t, err)

	msg, ok := Decode(data)
	require.True(t, ok)
	assert.Equal(t, "Hoş geldin alice! UDP port: 12346", msg.ContentString())
}

func TestEncode_Deterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a, err := Encode(KindChat, "alice", "hi", WithID("1"), WithTime(now))
	require.NoError(t, err)
	b, err := Encode(KindChat, "alice", "hi", WithID("1"), WithTime(now))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecode_RejectsTamperedField(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindChat, "alice", "hello")
	require.NoError(t, err)

	tampered := bytes.Replace(data, []byte("hello"), []byte("jello"), 1)
	require.NotEqual(t, data, tampered)

	msg, ok := Decode(tampered)
	assert.False(t, ok)
	assert.Nil(t, msg)
}

func TestDecode_RejectsBitFlips(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindChat, "alice", "payload", WithID("1700000000001"))
	require.NoError(t, err)

	// Flip a bit inside the id digits; any change to a non-checksum field
	// must fail verification (or fail to parse, which also yields nil).
	idx := bytes.Index(data, []byte("1700000000001"))
	require.GreaterOrEqual(t, idx, 0)
	for bit := 0; bit < 4; bit++ {
		flipped := bytes.Clone(data)
		flipped[idx] ^= 1 << bit
		msg, ok := Decode(flipped)
		assert.False(t, ok, "bit %d", bit)
		assert.Nil(t, msg)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not json at all")},
		{"empty", nil},
		{"no checksum", []byte(`{"type": "CHAT", "user": "alice"}`)},
		{"wrong checksum", []byte(`{"checksum": "AAAAAAAAAAAA", "content": "x", "id": "1", "time": "t", "type": "CHAT", "user": "a"}`)},
		{"non-object", []byte(`[1, 2, 3]`)},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, ok := Decode(tt.data)
			assert.False(t, ok)
			assert.Nil(t, msg)
		})
	}
}

func TestResequence(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindChat, "alice", "hi", WithID("42"))
	require.NoError(t, err)

	out, ok := Resequence(data, 12)
	require.True(t, ok)

	msg, ok := Decode(out)
	require.True(t, ok)
	assert.Equal(t, 12, msg.SeqValue())
	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, "hi", msg.ContentString())
}

func TestResequence_NonJSONPassesThrough(t *testing.T) {
	t.Parallel()

	raw := []byte("opaque datagram")
	out, ok := Resequence(raw, 3)
	assert.False(t, ok)
	assert.Equal(t, raw, out)
}

func TestContentStrings(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindUsers, "SERVER", []string{"alice", "bob"})
	require.NoError(t, err)

	msg, ok := Decode(data)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, msg.ContentStrings())
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	frame, err := Encode(KindUsers, "alice", "list")
	require.NoError(t, err)

	go func() {
		_ = WriteFrame(a, frame)
	}()

	sc := NewFrameScanner(b)
	require.True(t, sc.Scan())
	assert.Equal(t, frame, sc.Bytes())
}
