package hub

import (
	"context"
	"errors"
	"net"

	"github.com/rumeysa111/real-time-chat-room/internal/metrics"
	"github.com/rumeysa111/real-time-chat-room/internal/wire"
)

// readUDP is the single data-plane reader. Malformed frames are dropped
// silently; nothing a peer sends can stop the loop.
func (h *Hub) readUDP(ctx context.Context) {
	h.log.Info("udp reader started", "addr", h.udpConn.LocalAddr().String())
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("udp reader shutting down")
			return
		default:
		}

		if err := h.udpConn.SetReadDeadline(h.clock.Now().Add(udpReadTimeout)); err != nil {
			h.log.Error("set udp read deadline failed", "error", err)
			return
		}

		n, addr, err := h.udpConn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.Debug("udp read failed", "error", err)
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		msg, ok := wire.Decode(data)
		if !ok {
			metrics.FramesDroppedTotal.WithLabelValues("checksum").Inc()
			continue
		}
		h.dispatchUDP(msg, data, addr)
	}
}

func (h *Hub) dispatchUDP(msg *wire.Message, raw []byte, addr net.Addr) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return
	}
	metrics.FramesReceivedTotal.WithLabelValues("udp", string(msg.Kind)).Inc()

	// First datagram from a user reveals their return address; every
	// datagram refreshes liveness.
	if msg.User != "" {
		h.registry.BindUDP(msg.User, udpAddr)
	}

	switch msg.Kind {
	case wire.KindChat:
		h.sendAck(msg.ID, addr)
		h.fanoutFrame(raw, msg.User)
	case wire.KindDirect:
		h.sendAck(msg.ID, addr)
		h.forwardDirect(msg, raw)
	case wire.KindPing:
		h.handlePing(msg, raw, udpAddr)
	case wire.KindPong:
		h.handlePong(msg, raw)
	case wire.KindAck:
		// Peer-to-peer acknowledgement surfacing at the relay; nothing
		// is pending here.
		h.log.Debug("relay ack ignored", "user", msg.User, "id", msg.ContentString())
	default:
		h.log.Debug("ignoring udp frame", "kind", msg.Kind, "user", msg.User)
	}
}

func (h *Hub) sendAck(msgID string, addr net.Addr) {
	ack, err := wire.Encode(wire.KindAck, ServerUser, msgID)
	if err != nil {
		h.log.Error("ack encode failed", "error", err)
		return
	}
	if _, err := h.udpConn.WriteTo(ack, addr); err != nil {
		h.log.Debug("ack send failed", "error", err)
	}
}

// fanoutFrame relays the original frame to every other UDP-bound peer.
// Targets are collected under the registry lock, sends run on the worker
// pool.
func (h *Hub) fanoutFrame(raw []byte, exclude string) {
	var targets []*net.UDPAddr
	for _, s := range h.registry.Snapshot() {
		if s.Username == exclude || s.UDPAddr == nil {
			continue
		}
		targets = append(targets, s.UDPAddr)
	}
	metrics.FanoutTargets.Observe(float64(len(targets)))

	for _, target := range targets {
		h.fanout.Submit(func() {
			if _, err := h.udpConn.WriteTo(raw, target); err != nil {
				h.log.Debug("fanout send failed", "target", target.String(), "error", err)
				return
			}
			metrics.BytesRelayedTotal.Add(float64(len(raw)))
		})
	}
}

// forwardDirect relays a private frame to its single recipient. An
// unknown or UDP-unbound recipient is dropped without a diagnostic to the
// sender.
func (h *Hub) forwardDirect(msg *wire.Message, raw []byte) {
	s, ok := h.registry.Lookup(msg.Recipient)
	if !ok || s.UDPAddr == nil {
		metrics.FramesDroppedTotal.WithLabelValues("unknown_recipient").Inc()
		h.log.Debug("direct to unknown recipient dropped",
			"from", msg.User, "recipient", msg.Recipient)
		return
	}
	if _, err := h.udpConn.WriteTo(raw, s.UDPAddr); err != nil {
		h.log.Debug("direct forward failed", "recipient", msg.Recipient, "error", err)
		return
	}
	metrics.BytesRelayedTotal.Add(float64(len(raw)))
	h.log.Debug("direct forwarded", "from", msg.User, "recipient", msg.Recipient)
}

// handlePing admits the pinger into the topology and answers, or relays
// the probe when it names another peer.
func (h *Hub) handlePing(msg *wire.Message, raw []byte, udpAddr *net.UDPAddr) {
	h.topo.UpsertNode(msg.User, udpAddr.IP.String(), udpAddr.Port, nil)
	for _, s := range h.registry.Snapshot() {
		if s.Username == msg.User {
			continue
		}
		if !h.topo.HasLink(msg.User, s.Username) {
			h.topo.UpdateLink(msg.User, s.Username, defaultLinkQuality)
		}
	}

	if msg.Recipient != "" && msg.Recipient != ServerUser {
		if s, ok := h.registry.Lookup(msg.Recipient); ok && s.UDPAddr != nil {
			if _, err := h.udpConn.WriteTo(raw, s.UDPAddr); err != nil {
				h.log.Debug("ping relay failed", "recipient", msg.Recipient, "error", err)
			}
			return
		}
		// Unknown probe target: fall through and answer ourselves so
		// the pinger still measures the relay path.
	}

	pong, err := wire.Encode(wire.KindPong, ServerUser, msg.ID, wire.WithID(msg.ID))
	if err != nil {
		h.log.Error("pong encode failed", "error", err)
		return
	}
	if _, err := h.udpConn.WriteTo(pong, udpAddr); err != nil {
		h.log.Debug("pong send failed", "user", msg.User, "error", err)
	}
}

// handlePong logs the probe reply and, when it is addressed to a peer
// whose ping we relayed, sends it on so the measurement completes.
func (h *Hub) handlePong(msg *wire.Message, raw []byte) {
	h.log.Debug("pong received", "user", msg.User, "recipient", msg.Recipient)
	if msg.Recipient == "" || msg.Recipient == ServerUser {
		return
	}
	if s, ok := h.registry.Lookup(msg.Recipient); ok && s.UDPAddr != nil {
		if _, err := h.udpConn.WriteTo(raw, s.UDPAddr); err != nil {
			h.log.Debug("pong relay failed", "recipient", msg.Recipient, "error", err)
		}
	}
}
