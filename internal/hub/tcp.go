package hub

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rumeysa111/real-time-chat-room/internal/metrics"
	"github.com/rumeysa111/real-time-chat-room/internal/wire"
)

func (h *Hub) acceptLoop(ctx context.Context) error {
	for {
		conn, err := h.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.log.Error("accept failed", "error", err)
			continue
		}
		h.log.Debug("new control connection", "remote", conn.RemoteAddr().String())
		go h.handleConn(ctx, conn)
	}
}

// handleConn owns one client for its whole lifetime: AUTH handshake,
// control dispatch loop, then teardown with a LEAVE broadcast.
func (h *Hub) handleConn(ctx context.Context, conn net.Conn) {
	sc := wire.NewFrameScanner(conn)

	// Exactly one AUTH frame opens the session.
	if !sc.Scan() {
		_ = conn.Close()
		return
	}
	msg, ok := wire.Decode(sc.Bytes())
	if !ok || msg.Kind != wire.KindAuth || msg.User == "" {
		metrics.FramesDroppedTotal.WithLabelValues("bad_auth").Inc()
		_ = conn.Close()
		return
	}
	user := msg.User
	metrics.FramesReceivedTotal.WithLabelValues("tcp", string(wire.KindAuth)).Inc()

	if err := h.registry.Register(user, conn); err != nil {
		// First-wins: the existing session keeps the name and the
		// newcomer reads EOF instead of an AUTH reply.
		h.log.Warn("rejecting duplicate auth", "user", user, "remote", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}
	h.log.Info("user authenticated", "user", user, "remote", conn.RemoteAddr().String())

	welcome, err := wire.Encode(wire.KindAuth, ServerUser,
		fmt.Sprintf("Hoş geldin %s! UDP port: %d", user, h.udpPort))
	if err == nil {
		err = wire.WriteFrame(conn, welcome)
	}
	if err != nil {
		h.log.Warn("auth reply failed", "user", user, "error", err)
		h.registry.Unregister(user)
		return
	}

	h.broadcastTCP(wire.KindJoin, fmt.Sprintf("%s sohbete katıldı", user), user)

	defer func() {
		h.registry.Unregister(user)
		h.broadcastTCP(wire.KindLeave, fmt.Sprintf("%s ayrıldı", user), user)
		h.log.Info("user disconnected", "user", user)
	}()

	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		msg, ok := wire.Decode(sc.Bytes())
		if !ok {
			metrics.FramesDroppedTotal.WithLabelValues("checksum").Inc()
			continue
		}
		metrics.FramesReceivedTotal.WithLabelValues("tcp", string(msg.Kind)).Inc()
		h.registry.Touch(user)

		switch msg.Kind {
		case wire.KindUsers:
			h.replyUsers(conn, user)
		case wire.KindTopo:
			h.replyTopology(conn, user)
		default:
			h.log.Debug("ignoring control frame", "user", user, "kind", msg.Kind)
		}
	}
}

func (h *Hub) replyUsers(conn net.Conn, user string) {
	reply, err := wire.Encode(wire.KindUsers, ServerUser, h.registry.Users())
	if err == nil {
		err = wire.WriteFrame(conn, reply)
	}
	if err != nil {
		h.log.Warn("users reply failed", "user", user, "error", err)
	}
}

// replyTopology admits every registered client into the tracker, fills in
// default-quality links for pairs that have none, and sends the snapshot.
func (h *Hub) replyTopology(conn net.Conn, user string) {
	sessions := h.registry.Snapshot()
	for _, s := range sessions {
		host, port := splitAddr(s.Conn.RemoteAddr())
		h.topo.UpsertNode(s.Username, host, port, nil)
	}
	for i, a := range sessions {
		for _, b := range sessions[i+1:] {
			if !h.topo.HasLink(a.Username, b.Username) {
				h.topo.UpdateLink(a.Username, b.Username, defaultLinkQuality)
			}
		}
	}

	snap := h.topo.Snapshot()
	metrics.TopologyNodes.Set(float64(len(snap.Nodes)))

	reply, err := wire.Encode(wire.KindTopo, ServerUser, snap)
	if err == nil {
		err = wire.WriteFrame(conn, reply)
	}
	if err != nil {
		h.log.Warn("topology reply failed", "user", user, "error", err)
		return
	}
	h.log.Debug("topology snapshot sent", "user", user,
		"nodes", len(snap.Nodes), "links", len(snap.Connections))
}

// broadcastTCP sends a server-signed control frame to every client except
// exclude. Targets are snapshotted first so no write happens under the
// registry lock.
func (h *Hub) broadcastTCP(kind wire.Kind, content, exclude string) {
	frame, err := wire.Encode(kind, ServerUser, content)
	if err != nil {
		h.log.Error("broadcast encode failed", "kind", kind, "error", err)
		return
	}
	for _, s := range h.registry.Snapshot() {
		if s.Username == exclude {
			continue
		}
		if err := wire.WriteFrame(s.Conn, frame); err != nil {
			// The session's own handler will observe the dead
			// connection and clean up.
			h.log.Debug("broadcast write failed", "user", s.Username, "error", err)
		}
	}
}

func splitAddr(addr net.Addr) (string, int) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), a.Port
	case *net.UDPAddr:
		return a.IP.String(), a.Port
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String(), 0
		}
		return host, 0
	}
}
