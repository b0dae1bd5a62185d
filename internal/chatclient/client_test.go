package chatclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumeysa111/real-time-chat-room/internal/hub"
	"github.com/rumeysa111/real-time-chat-room/internal/topology"
)

const testTimeout = 3 * time.Second

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h, err := hub.New(&hub.Config{
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

func connect(t *testing.T, h *hub.Hub, user string, events *Events) *Client {
	t.Helper()
	c, err := New(&Config{
		Events:  events,
		TCPPort: h.TCPAddr().(*net.TCPAddr).Port,
		UDPPort: h.UDPAddr().(*net.UDPAddr).Port,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx, user))
	t.Cleanup(c.Close)
	return c
}

type chatEvent struct {
	user, content string
}

func TestClient_ConnectAndClose(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	c := connect(t, h, "alice", nil)

	assert.True(t, c.Connected())
	assert.Equal(t, "alice", c.Username())

	c.Close()
	assert.False(t, c.Connected())
	c.Close() // idempotent
}

func TestClient_DuplicateUsernameRejected(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	connect(t, h, "alice", nil)

	c, err := New(&Config{
		TCPPort: h.TCPAddr().(*net.TCPAddr).Port,
		UDPPort: h.UDPAddr().(*net.UDPAddr).Port,
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err = c.Connect(ctx, "alice")
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, c.Connected())
}

func TestClient_ChatDeliveredWithAck(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	got := make(chan chatEvent, 4)
	alice := connect(t, h, "alice", nil)
	connect(t, h, "bob", &Events{
		OnMessage: func(user, content, _ string) {
			got <- chatEvent{user, content}
		},
	})

	// Let bob's UDP bind ping land before fanning out.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.True(t, alice.SendChat(ctx, "merhaba"))

	select {
	case ev := <-got:
		assert.Equal(t, "alice", ev.user)
		assert.Equal(t, "merhaba", ev.content)
	case <-time.After(testTimeout):
		t.Fatal("bob never received the chat message")
	}
}

func TestClient_DirectMessage(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	bobGot := make(chan chatEvent, 4)
	carolGot := make(chan chatEvent, 4)
	alice := connect(t, h, "alice", nil)
	connect(t, h, "bob", &Events{
		OnDirectMessage: func(user, content, _ string) {
			bobGot <- chatEvent{user, content}
		},
	})
	connect(t, h, "carol", &Events{
		OnDirectMessage: func(user, content, _ string) {
			carolGot <- chatEvent{user, content}
		},
	})

	// Let the recipients' UDP bind pings land first.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.True(t, alice.SendDirect(ctx, "bob", "psst"))

	select {
	case ev := <-bobGot:
		assert.Equal(t, "alice", ev.user)
		assert.Equal(t, "psst", ev.content)
	case <-time.After(testTimeout):
		t.Fatal("bob never received the direct message")
	}

	select {
	case ev := <-carolGot:
		t.Fatalf("carol received a direct message meant for bob: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClient_UserListCallback(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	lists := make(chan []string, 4)
	alice := connect(t, h, "alice", &Events{
		OnUserList: func(users []string) { lists <- users },
	})
	connect(t, h, "bob", nil)

	require.NoError(t, alice.RequestUsers())

	select {
	case users := <-lists:
		assert.ElementsMatch(t, []string{"alice", "bob"}, users)
	case <-time.After(testTimeout):
		t.Fatal("user list reply never arrived")
	}
}

func TestClient_JoinLeaveCallbacks(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	joins := make(chan string, 4)
	leaves := make(chan string, 4)
	connect(t, h, "alice", &Events{
		OnUserJoin:  func(text string) { joins <- text },
		OnUserLeave: func(text string) { leaves <- text },
	})
	bob := connect(t, h, "bob", nil)

	select {
	case text := <-joins:
		assert.Contains(t, text, "bob")
	case <-time.After(testTimeout):
		t.Fatal("join notice never arrived")
	}

	bob.Close()

	select {
	case text := <-leaves:
		assert.Contains(t, text, "bob")
	case <-time.After(testTimeout):
		t.Fatal("leave notice never arrived")
	}
}

func TestClient_TopologyCallback(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	snaps := make(chan topology.Data, 16)
	alice := connect(t, h, "alice", &Events{
		OnTopology: func(data topology.Data) { snaps <- data },
	})
	connect(t, h, "bob", nil)

	require.NoError(t, alice.RequestTopology())

	// Pong handling also reports snapshots; wait for one that carries the
	// hub's view of both peers.
	deadline := time.After(testTimeout)
	for {
		select {
		case data := <-snaps:
			if _, ok := data.Nodes["alice"]; !ok {
				continue
			}
			if _, ok := data.Nodes["bob"]; !ok {
				continue
			}
			return
		case <-deadline:
			t.Fatal("topology snapshot with both peers never arrived")
		}
	}
}

func TestClient_PingServerUpdatesLocalTopology(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	alice := connect(t, h, "alice", nil)

	require.True(t, alice.PingServer())
	require.Eventually(t, func() bool {
		data := alice.Topology()
		node, ok := data.Nodes[hub.ServerUser]
		return ok && node.Latency >= 0
	}, testTimeout, 20*time.Millisecond)
}
