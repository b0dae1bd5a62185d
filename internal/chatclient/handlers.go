package chatclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"strconv"

	"github.com/rumeysa111/real-time-chat-room/internal/topology"
	"github.com/rumeysa111/real-time-chat-room/internal/wire"
)

// readTCP consumes control frames until the connection dies or the client
// closes. sc already wraps conn from the handshake read.
func (c *Client) readTCP(conn net.Conn, sc *bufio.Scanner) {
	for sc.Scan() {
		select {
		case <-c.stopped():
			return
		default:
		}
		msg, ok := wire.Decode(sc.Bytes())
		if !ok {
			continue
		}
		c.dispatchTCP(msg)
	}

	select {
	case <-c.stopped():
	default:
		c.log.Warn("control connection lost")
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}
}

func (c *Client) dispatchTCP(msg *wire.Message) {
	ev := c.callbacks()
	switch msg.Kind {
	case wire.KindJoin:
		if ev.OnUserJoin != nil {
			ev.OnUserJoin(msg.ContentString())
		}
	case wire.KindLeave:
		if ev.OnUserLeave != nil {
			ev.OnUserLeave(msg.ContentString())
		}
	case wire.KindUsers:
		users := msg.ContentStrings()
		c.rememberUsers(users)
		if ev.OnUserList != nil {
			ev.OnUserList(users)
		}
	case wire.KindTopo:
		data, err := topologyFromContent(msg.Content)
		if err != nil {
			c.log.Debug("unparseable topology snapshot", "error", err)
			return
		}
		if ev.OnTopology != nil {
			ev.OnTopology(data)
		}
	default:
		c.log.Debug("ignoring control frame", "kind", msg.Kind)
	}
}

// rememberUsers seeds the local topology so PingAll has targets even
// before any latency sample exists.
func (c *Client) rememberUsers(users []string) {
	self := c.Username()
	for _, user := range users {
		if user != self {
			c.topo.UpsertNode(user, "", 0, nil)
		}
	}
}

// readUDP consumes data-plane frames. Malformed datagrams are dropped
// silently.
func (c *Client) readUDP(conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-c.stopped():
			return
		default:
		}

		_ = conn.SetReadDeadline(c.clock.Now().Add(udpReadTimeout))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Debug("udp read failed", "error", err)
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		msg, ok := wire.Decode(data)
		if !ok {
			continue
		}
		c.dispatchUDP(msg, addr)
	}
}

func (c *Client) dispatchUDP(msg *wire.Message, addr net.Addr) {
	ev := c.callbacks()
	switch msg.Kind {
	case wire.KindChat:
		if ev.OnMessage != nil {
			ev.OnMessage(msg.User, msg.ContentString(), msg.Time)
		}
	case wire.KindAck:
		c.ackReceived(msg)
	case wire.KindPing:
		c.answerPing(msg, addr)
	case wire.KindPong:
		c.handlePong(msg, addr)
	case wire.KindDirect:
		c.handleDirect(msg, addr)
	default:
		c.log.Debug("ignoring udp frame", "kind", msg.Kind)
	}
}

func (c *Client) ackReceived(msg *wire.Message) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.ProcessAck(msg)
	}
}

// answerPing echoes the probe id back so the pinger can compute the
// round trip, addressed to them for the relay leg.
func (c *Client) answerPing(msg *wire.Message, addr net.Addr) {
	c.mu.Lock()
	conn, user := c.udpConn, c.username
	c.mu.Unlock()

	pong, err := wire.Encode(wire.KindPong, user, msg.ID,
		wire.WithID(msg.ID), wire.WithRecipient(msg.User))
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(pong, addr); err != nil {
		c.log.Debug("pong send failed", "error", err)
	}
}

// handlePong turns the echoed probe id into a latency sample and folds it
// into the local topology.
func (c *Client) handlePong(msg *wire.Message, addr net.Addr) {
	self := c.Username()
	if msg.User == self {
		return
	}

	sent, err := strconv.ParseFloat(msg.ID, 64)
	if err != nil {
		c.log.Debug("pong with non-numeric id", "id", msg.ID)
		return
	}
	now := float64(c.clock.Now().UnixNano()) / 1e9
	latency := max(0, (now-sent)*1000)
	c.log.Debug("pong received", "user", msg.User, "latency_ms", latency)

	ip, port := "", 0
	if udp, ok := addr.(*net.UDPAddr); ok {
		ip, port = udp.IP.String(), udp.Port
	}
	c.topo.UpsertNode(msg.User, ip, port, &latency)
	c.topo.UpdateLink(self, msg.User, 100-latency/10)

	if ev := c.callbacks(); ev.OnTopology != nil {
		ev.OnTopology(c.topo.Snapshot())
	}
}

func (c *Client) handleDirect(msg *wire.Message, addr net.Addr) {
	if msg.Recipient != c.Username() {
		return
	}
	if ev := c.callbacks(); ev.OnDirectMessage != nil {
		ev.OnDirectMessage(msg.User, msg.ContentString(), msg.Time)
	}

	c.mu.Lock()
	conn, user := c.udpConn, c.username
	c.mu.Unlock()
	ack, err := wire.Encode(wire.KindAck, user, msg.ID)
	if err != nil {
		return
	}
	if _, err := conn.WriteTo(ack, addr); err != nil {
		c.log.Debug("direct ack failed", "error", err)
	}
}

// topologyFromContent converts a decoded TOPO payload into the typed
// snapshot, passing the hub's data through unchanged.
func topologyFromContent(content any) (topology.Data, error) {
	var data topology.Data
	raw, err := json.Marshal(content)
	if err != nil {
		return data, err
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, err
	}
	return data, nil
}
