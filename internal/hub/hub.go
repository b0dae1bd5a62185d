// Package hub implements the relay process: a TCP control plane for
// sessions and a UDP data plane for chat traffic, fanned out to every
// registered peer.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rumeysa111/real-time-chat-room/internal/session"
	"github.com/rumeysa111/real-time-chat-room/internal/topology"
)

// ServerUser is the username the hub signs its own frames with.
const ServerUser = "SERVER"

const (
	// DefaultTCPPort carries session control.
	DefaultTCPPort = 12345
	// DefaultUDPPort carries the message plane.
	DefaultUDPPort = 12346

	defaultFanoutWorkers = 16
	defaultLinkQuality   = 50

	// udpReadTimeout bounds each read so the reader observes shutdown
	// between frames.
	udpReadTimeout = 500 * time.Millisecond
)

// Config holds hub configuration.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	TCPAddr       string // default ":12345"
	UDPAddr       string // default ":12346"
	MetricsAddr   string // optional promhttp endpoint
	FanoutWorkers int    // concurrent fan-out sends; 0 -> 16
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TCPAddr == "" {
		c.TCPAddr = fmt.Sprintf(":%d", DefaultTCPPort)
	}
	if c.UDPAddr == "" {
		c.UDPAddr = fmt.Sprintf(":%d", DefaultUDPPort)
	}
	if c.FanoutWorkers == 0 {
		c.FanoutWorkers = defaultFanoutWorkers
	}
	if c.FanoutWorkers < 0 {
		return errors.New("fanout workers must be greater than 0")
	}
	return nil
}

// Hub is one relay instance. Create with New, drive with Run; multiple hubs
// on distinct ports can coexist in a single process.
type Hub struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	registry *session.Registry
	topo     *topology.Tracker

	tcpLn   net.Listener
	udpConn net.PacketConn
	udpPort int

	fanout pond.Pool
}

// New binds the hub's TCP and UDP sockets. The returned hub does not serve
// until Run is called.
func New(cfg *Config) (*Hub, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hub config: %w", err)
	}

	tcpLn, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", cfg.TCPAddr, err)
	}
	udpConn, err := net.ListenPacket("udp", cfg.UDPAddr)
	if err != nil {
		_ = tcpLn.Close()
		return nil, fmt.Errorf("listen udp %s: %w", cfg.UDPAddr, err)
	}

	return &Hub{
		log:      cfg.Logger,
		cfg:      cfg,
		clock:    cfg.Clock,
		registry: session.NewRegistry(cfg.Clock),
		topo:     topology.New(cfg.Logger.With("component", "topology"), cfg.Clock),
		tcpLn:    tcpLn,
		udpConn:  udpConn,
		udpPort:  udpConn.LocalAddr().(*net.UDPAddr).Port,
		fanout:   pond.NewPool(cfg.FanoutWorkers),
	}, nil
}

// TCPAddr returns the bound control address.
func (h *Hub) TCPAddr() net.Addr { return h.tcpLn.Addr() }

// UDPAddr returns the bound data-plane address.
func (h *Hub) UDPAddr() net.Addr { return h.udpConn.LocalAddr() }

// Run serves until ctx is cancelled. Per-connection and per-frame errors
// never tear the hub down.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Info("hub starting",
		"tcp", h.tcpLn.Addr().String(),
		"udp", h.udpConn.LocalAddr().String(),
	)

	if h.cfg.MetricsAddr != "" {
		go h.serveMetrics(ctx)
	}

	// Closing the listener unblocks Accept on cancellation.
	go func() {
		<-ctx.Done()
		_ = h.tcpLn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.readUDP(ctx)
	}()

	err := h.acceptLoop(ctx)

	wg.Wait()
	_ = h.udpConn.Close()
	h.fanout.StopAndWait()
	h.log.Info("hub stopped")
	return err
}

func (h *Hub) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: h.cfg.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	h.log.Info("metrics endpoint starting", "addr", h.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.log.Error("metrics endpoint failed", "error", err)
	}
}
