package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumeysa111/real-time-chat-room/internal/topology"
	"github.com/rumeysa111/real-time-chat-room/internal/wire"
)

const testTimeout = 2 * time.Second

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := New(&Config{
		TCPAddr: "127.0.0.1:0",
		UDPAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return h
}

// testPeer drives the hub the way a real client would, without the client
// engine in between.
type testPeer struct {
	t       *testing.T
	user    string
	welcome string
	conn    net.Conn
	sc      *bufio.Scanner
	udp     net.PacketConn
	hub     *Hub
}

func join(t *testing.T, h *Hub, user string) *testPeer {
	t.Helper()
	p := &testPeer{t: t, user: user, hub: h}

	conn, err := net.Dial("tcp", h.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	p.conn = conn
	p.sc = wire.NewFrameScanner(conn)

	auth, err := wire.Encode(wire.KindAuth, user, "Bağlanıyor")
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, auth))

	reply := p.readTCP()
	require.NotNil(t, reply, "no auth reply for %s", user)
	require.Equal(t, wire.KindAuth, reply.Kind)
	require.Contains(t, reply.ContentString(), user)
	p.welcome = reply.ContentString()

	udp, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = udp.Close() })
	p.udp = udp
	return p
}

func (p *testPeer) readTCP() *wire.Message {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	if !p.sc.Scan() {
		return nil
	}
	msg, ok := wire.Decode(p.sc.Bytes())
	require.True(p.t, ok)
	return msg
}

func (p *testPeer) sendTCP(kind wire.Kind, content string) {
	p.t.Helper()
	frame, err := wire.Encode(kind, p.user, content)
	require.NoError(p.t, err)
	require.NoError(p.t, wire.WriteFrame(p.conn, frame))
}

func (p *testPeer) sendUDP(kind wire.Kind, content string, opts ...wire.Option) string {
	p.t.Helper()
	opts = append([]wire.Option{wire.WithID(wire.NewID(time.Now()))}, opts...)
	frame, err := wire.Encode(kind, p.user, content, opts...)
	require.NoError(p.t, err)
	msg, ok := wire.Decode(frame)
	require.True(p.t, ok)
	_, err = p.udp.WriteTo(frame, p.hub.UDPAddr())
	require.NoError(p.t, err)
	return msg.ID
}

// awaitUDP reads datagrams until one of the wanted kind arrives.
func (p *testPeer) awaitUDP(kind wire.Kind) *wire.Message {
	p.t.Helper()
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		_ = p.udp.SetReadDeadline(deadline)
		n, _, err := p.udp.ReadFrom(buf)
		if err != nil {
			break
		}
		if msg, ok := wire.Decode(buf[:n]); ok && msg.Kind == kind {
			return msg
		}
	}
	p.t.Fatalf("%s never received a %s frame", p.user, kind)
	return nil
}

// quietUDP asserts no datagram of the given kind arrives within the grace
// period.
func (p *testPeer) quietUDP(kind wire.Kind, grace time.Duration) {
	p.t.Helper()
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		_ = p.udp.SetReadDeadline(deadline)
		n, _, err := p.udp.ReadFrom(buf)
		if err != nil {
			return
		}
		if msg, ok := wire.Decode(buf[:n]); ok && msg.Kind == kind {
			p.t.Fatalf("%s unexpectedly received a %s frame", p.user, kind)
		}
	}
}

// bind makes the hub learn the peer's UDP return address.
func (p *testPeer) bind() {
	p.t.Helper()
	p.sendUDP(wire.KindPing, "bind")
	p.awaitUDP(wire.KindPong)
}

func TestHub_AuthWelcome(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	p := join(t, h, "alice")

	udpPort := h.UDPAddr().(*net.UDPAddr).Port
	assert.Equal(t, fmt.Sprintf("Hoş geldin alice! UDP port: %d", udpPort), p.welcome)
}

func TestHub_DuplicateAuthRejected(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	join(t, h, "alice")

	conn, err := net.Dial("tcp", h.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	auth, err := wire.Encode(wire.KindAuth, "alice", "Bağlanıyor")
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, auth))

	// The impostor reads EOF instead of an AUTH reply.
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	sc := wire.NewFrameScanner(conn)
	assert.False(t, sc.Scan())
}

func TestHub_JoinAndLeaveBroadcast(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")

	msg := alice.readTCP()
	require.NotNil(t, msg)
	assert.Equal(t, wire.KindJoin, msg.Kind)
	assert.Contains(t, msg.ContentString(), "bob")

	_ = bob.conn.Close()

	msg = alice.readTCP()
	require.NotNil(t, msg)
	assert.Equal(t, wire.KindLeave, msg.Kind)
	assert.Contains(t, msg.ContentString(), "bob")
}

func TestHub_UserList(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")
	join(t, h, "bob")

	alice.readTCP() // JOIN for bob

	alice.sendTCP(wire.KindUsers, "Kullanıcı listesi")
	msg := alice.readTCP()
	require.NotNil(t, msg)
	require.Equal(t, wire.KindUsers, msg.Kind)
	assert.ElementsMatch(t, []string{"alice", "bob"}, msg.ContentStrings())
}

func TestHub_ChatFanoutAndAck(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.bind()
	bob.bind()

	id := alice.sendUDP(wire.KindChat, "hi")

	ack := alice.awaitUDP(wire.KindAck)
	assert.Equal(t, id, ack.ContentString())
	assert.Equal(t, ServerUser, ack.User)

	chat := bob.awaitUDP(wire.KindChat)
	assert.Equal(t, "alice", chat.User)
	assert.Equal(t, "hi", chat.ContentString())

	// The sender must not see their own broadcast.
	alice.quietUDP(wire.KindChat, 300*time.Millisecond)
}

func TestHub_DirectForward(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	carol := join(t, h, "carol")
	for _, p := range []*testPeer{alice, bob, carol} {
		p.bind()
	}

	id := alice.sendUDP(wire.KindDirect, "psst", wire.WithRecipient("bob"))

	ack := alice.awaitUDP(wire.KindAck)
	assert.Equal(t, id, ack.ContentString())

	direct := bob.awaitUDP(wire.KindDirect)
	assert.Equal(t, "alice", direct.User)
	assert.Equal(t, "psst", direct.ContentString())
	assert.Equal(t, "bob", direct.Recipient)

	carol.quietUDP(wire.KindDirect, 300*time.Millisecond)
}

func TestHub_DirectToUnknownRecipientStillAcked(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")
	alice.bind()

	id := alice.sendUDP(wire.KindDirect, "void", wire.WithRecipient("zed"))

	// The hub masks non-delivery: the sender sees a normal ACK.
	ack := alice.awaitUDP(wire.KindAck)
	assert.Equal(t, id, ack.ContentString())
}

func TestHub_PingPongEchoesID(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")

	id := alice.sendUDP(wire.KindPing, "probe")
	pong := alice.awaitUDP(wire.KindPong)
	assert.Equal(t, id, pong.ID)
	assert.Equal(t, id, pong.ContentString())
	assert.Equal(t, ServerUser, pong.User)
}

func TestHub_PingRelayToPeer(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	alice.bind()
	bob.bind()

	id := alice.sendUDP(wire.KindPing, "probe", wire.WithRecipient("bob"))

	ping := bob.awaitUDP(wire.KindPing)
	assert.Equal(t, "alice", ping.User)
	assert.Equal(t, id, ping.ID)

	// Bob answers through the hub; the reply reaches alice.
	bob.sendUDP(wire.KindPong, id, wire.WithID(id), wire.WithRecipient("alice"))
	pong := alice.awaitUDP(wire.KindPong)
	assert.Equal(t, "bob", pong.User)
	assert.Equal(t, id, pong.ID)
}

func TestHub_TopologySnapshot(t *testing.T) {
	t.Parallel()

	h := startTestHub(t)
	alice := join(t, h, "alice")
	bob := join(t, h, "bob")
	carol := join(t, h, "carol")
	for _, p := range []*testPeer{alice, bob, carol} {
		p.bind()
	}

	// Drain the JOIN notices so the TOPO reply is next.
	alice.readTCP()
	alice.readTCP()

	alice.sendTCP(wire.KindTopo, "GET")
	msg := alice.readTCP()
	require.NotNil(t, msg)
	require.Equal(t, wire.KindTopo, msg.Kind)

	var data topology.Data
	raw, err := json.Marshal(msg.Content)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &data))

	assert.Len(t, data.Nodes, 3)
	require.Len(t, data.Connections, 3)
	for _, link := range data.Connections {
		assert.Equal(t, float64(50), link.Quality)
	}
}
