// Package chatclient implements the client-side message engine: session
// control over TCP, reliable chat delivery over UDP and the callback
// surface a UI consumes.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rumeysa111/real-time-chat-room/internal/hub"
	"github.com/rumeysa111/real-time-chat-room/internal/rudp"
	"github.com/rumeysa111/real-time-chat-room/internal/topology"
	"github.com/rumeysa111/real-time-chat-room/internal/wire"
)

// ErrAuthFailed means the hub did not answer the handshake with an AUTH
// frame; the username may already be taken.
var ErrAuthFailed = errors.New("authentication failed")

const (
	defaultKeepalive   = 10 * time.Second
	defaultAuthTimeout = 10 * time.Second

	// udpReadTimeout bounds each read so the reader observes Close
	// between frames.
	udpReadTimeout = 500 * time.Millisecond
)

// Events is the callback surface consumed by a UI collaborator. Any field
// may be nil. Callbacks fire on the engine's reader goroutines; a
// single-threaded UI must marshal them onto its own queue.
type Events struct {
	OnMessage       func(user, content, timestamp string)
	OnDirectMessage func(user, content, timestamp string)
	OnUserJoin      func(text string)
	OnUserLeave     func(text string)
	OnUserList      func(users []string)
	OnTopology      func(data topology.Data)
}

// Config holds client configuration.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Events *Events

	ServerIP  string // default "127.0.0.1"
	TCPPort   int    // default 12345
	UDPPort   int    // default 12346
	Keepalive time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ServerIP == "" {
		c.ServerIP = "127.0.0.1"
	}
	if c.TCPPort == 0 {
		c.TCPPort = hub.DefaultTCPPort
	}
	if c.UDPPort == 0 {
		c.UDPPort = hub.DefaultUDPPort
	}
	if c.Keepalive == 0 {
		c.Keepalive = defaultKeepalive
	}
	if c.Keepalive < 0 {
		return errors.New("keepalive must be greater than 0")
	}
	return nil
}

// Client is one connection to a hub. Connect before sending; Close stops
// the readers, tears down both sockets and clears the Events reference.
type Client struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	// Cleared on Close so a retained Client cannot keep a dead UI alive.
	events atomic.Pointer[Events]

	topo *topology.Tracker

	mu        sync.Mutex
	username  string
	connected bool
	tcpConn   net.Conn
	udpConn   net.PacketConn
	serverUDP *net.UDPAddr
	engine    *rudp.Engine
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	c := &Client{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		topo:  topology.New(cfg.Logger.With("component", "topology"), cfg.Clock),
	}
	if cfg.Events != nil {
		c.events.Store(cfg.Events)
	}
	return c, nil
}

// Connect dials the hub, completes the AUTH handshake synchronously and
// starts the background readers and the keepalive timer.
func (c *Client) Connect(ctx context.Context, username string) error {
	tcpAddr := net.JoinHostPort(c.cfg.ServerIP, fmt.Sprintf("%d", c.cfg.TCPPort))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("dial hub %s: %w", tcpAddr, err)
	}

	auth, err := wire.Encode(wire.KindAuth, username, "Bağlanıyor")
	if err == nil {
		err = wire.WriteFrame(conn, auth)
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	// The handshake is the only synchronous read on the control stream.
	deadline := c.clock.Now().Add(defaultAuthTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	sc := wire.NewFrameScanner(conn)
	if !sc.Scan() {
		_ = conn.Close()
		return ErrAuthFailed
	}
	reply, ok := wire.Decode(sc.Bytes())
	if !ok || reply.Kind != wire.KindAuth {
		_ = conn.Close()
		return ErrAuthFailed
	}
	_ = conn.SetReadDeadline(time.Time{})
	c.log.Info("connected", "user", username, "server", reply.ContentString())

	udpConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open udp socket: %w", err)
	}
	serverUDP := &net.UDPAddr{IP: net.ParseIP(c.cfg.ServerIP), Port: c.cfg.UDPPort}

	engine, err := rudp.New(&rudp.Config{
		Logger: c.log.With("component", "rudp"),
		Conn:   udpConn,
		Clock:  c.clock,
	})
	if err != nil {
		_ = conn.Close()
		_ = udpConn.Close()
		return fmt.Errorf("start reliable udp: %w", err)
	}

	c.mu.Lock()
	c.username = username
	c.connected = true
	c.tcpConn = conn
	c.udpConn = udpConn
	c.serverUDP = serverUDP
	c.engine = engine
	c.stop = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.readTCP(conn, sc) }()
	go func() { defer c.wg.Done(); c.readUDP(udpConn) }()
	go func() { defer c.wg.Done(); c.keepalive() }()

	// Teach the hub our UDP return address now rather than waiting for
	// the first keepalive tick.
	c.PingServer()

	return nil
}

// Close disconnects and releases everything. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		stop := c.stop
		engine := c.engine
		tcpConn := c.tcpConn
		udpConn := c.udpConn
		c.mu.Unlock()

		if stop != nil {
			close(stop)
		}
		if engine != nil {
			engine.Stop()
		}
		if tcpConn != nil {
			_ = tcpConn.Close()
		}
		if udpConn != nil {
			_ = udpConn.Close()
		}
		c.wg.Wait()
		c.events.Store(nil)
		c.log.Info("disconnected")
	})
}

// Connected reports whether the session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Username returns the name the session authenticated as.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Topology returns the local view of the peer graph.
func (c *Client) Topology() topology.Data {
	return c.topo.Snapshot()
}

// SendChat broadcasts text to every other user. It returns once the hub
// acknowledges or the retry budget is spent.
func (c *Client) SendChat(ctx context.Context, text string) bool {
	return c.sendReliable(ctx, wire.KindChat, text, "")
}

// SendDirect sends text to a single user. A true result means the hub
// accepted the frame, not that the recipient saw it.
func (c *Client) SendDirect(ctx context.Context, recipient, text string) bool {
	return c.sendReliable(ctx, wire.KindDirect, text, recipient)
}

func (c *Client) sendReliable(ctx context.Context, kind wire.Kind, text, recipient string) bool {
	c.mu.Lock()
	connected, user, engine, server := c.connected, c.username, c.engine, c.serverUDP
	c.mu.Unlock()
	if !connected {
		return false
	}

	id := wire.NewID(c.clock.Now())
	opts := []wire.Option{wire.WithID(id)}
	if recipient != "" {
		opts = append(opts, wire.WithRecipient(recipient))
	}
	frame, err := wire.Encode(kind, user, text, opts...)
	if err != nil {
		c.log.Error("encode failed", "kind", kind, "error", err)
		return false
	}
	return engine.SendReliable(ctx, id, frame, server)
}

// RequestUsers asks for the current user list; the reply arrives through
// OnUserList.
func (c *Client) RequestUsers() error {
	return c.sendControl(wire.KindUsers, "Kullanıcı listesi")
}

// RequestTopology pings all known peers and asks the hub for its snapshot;
// the reply arrives through OnTopology.
func (c *Client) RequestTopology() error {
	c.PingAll()
	return c.sendControl(wire.KindTopo, "GET")
}

func (c *Client) sendControl(kind wire.Kind, content string) error {
	c.mu.Lock()
	connected, user, conn := c.connected, c.username, c.tcpConn
	c.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}
	frame, err := wire.Encode(kind, user, content)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", kind, err)
	}
	if err := wire.WriteFrame(conn, frame); err != nil {
		return fmt.Errorf("send %s request: %w", kind, err)
	}
	return nil
}

// PingServer probes the hub. The probe id carries the send time so the
// echoed PONG yields the round-trip latency.
func (c *Client) PingServer() bool {
	return c.sendPing("")
}

// PingUser probes another user through the hub.
func (c *Client) PingUser(target string) bool {
	if target == c.Username() {
		return false
	}
	return c.sendPing(target)
}

// PingAll probes the hub and every peer the local topology knows about.
func (c *Client) PingAll() {
	if !c.PingServer() {
		return
	}
	if err := c.RequestUsers(); err != nil {
		c.log.Debug("user list refresh failed", "error", err)
	}
	self := c.Username()
	for user := range c.topo.Snapshot().Nodes {
		if user != self && user != hub.ServerUser {
			c.PingUser(user)
		}
	}
}

func (c *Client) sendPing(recipient string) bool {
	c.mu.Lock()
	connected, user, conn, server := c.connected, c.username, c.udpConn, c.serverUDP
	c.mu.Unlock()
	if !connected {
		return false
	}

	id := wire.PingID(c.clock.Now())
	opts := []wire.Option{wire.WithID(id)}
	if recipient != "" {
		opts = append(opts, wire.WithRecipient(recipient))
	}
	// Probes are fire-and-forget; loss just means no sample.
	frame, err := wire.Encode(wire.KindPing, user, id, opts...)
	if err != nil {
		c.log.Error("ping encode failed", "error", err)
		return false
	}
	if _, err := conn.WriteTo(frame, server); err != nil {
		c.log.Debug("ping send failed", "error", err)
		return false
	}
	return true
}

func (c *Client) keepalive() {
	ticker := c.clock.NewTicker(c.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopped():
			return
		case <-ticker.Chan():
			c.PingServer()
		}
	}
}

func (c *Client) stopped() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

func (c *Client) callbacks() *Events {
	if ev := c.events.Load(); ev != nil {
		return ev
	}
	return &Events{}
}
