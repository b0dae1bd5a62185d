// Package topology maintains the dynamic graph of known peers and their
// pairwise link quality derived from round-trip latency.
package topology

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// nodeTTL is how long a node survives without evidence of liveness.
const nodeTTL = 60 * time.Second

// Node is one known peer. LastSeen is epoch seconds, matching the wire
// shape consumed by topology viewers.
type Node struct {
	IP       string  `json:"ip"`
	Port     int     `json:"port"`
	Latency  float64 `json:"latency"`
	LastSeen float64 `json:"last_seen"`
}

// Link is an undirected edge; (From, To) and (To, From) are the same link.
type Link struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Quality float64 `json:"quality"`
}

// Data is the externalized snapshot: the payload of a TOPO response.
type Data struct {
	Nodes       map[string]Node `json:"nodes"`
	Connections []Link          `json:"connections"`
}

// Tracker is a thread-safe peer graph with inactivity-driven eviction.
type Tracker struct {
	log   *slog.Logger
	clock clockwork.Clock

	mu    sync.Mutex
	nodes map[string]*node
	links []*Link
}

type node struct {
	ip       string
	port     int
	latency  float64
	hasLat   bool
	lastSeen time.Time
}

func New(log *slog.Logger, clock clockwork.Clock) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		log:   log,
		clock: clock,
		nodes: make(map[string]*node),
	}
}

// UpsertNode creates or refreshes a peer. A non-nil latency sample is
// folded into the stored value as the plain mean of the previous value and
// the new sample; viewers depend on that exact smoothing.
func (t *Tracker) UpsertNode(user, ip string, port int, latency *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	n, ok := t.nodes[user]
	if !ok {
		n = &node{ip: ip, port: port}
		if latency != nil {
			n.latency = *latency
			n.hasLat = true
		}
		t.nodes[user] = n
		t.log.Debug("topology: node added", "user", user, "ip", ip, "port", port)
	} else if latency != nil {
		if n.hasLat {
			n.latency = (n.latency + *latency) / 2
		} else {
			n.latency = *latency
			n.hasLat = true
		}
		t.log.Debug("topology: node latency updated", "user", user, "latency_ms", n.latency)
	}
	n.lastSeen = now
}

// UpdateLink sets the quality of the undirected link between two peers.
// Quality is clamped to [0, 100] and replaces any previous measurement.
func (t *Tracker) UpdateLink(from, to string, quality float64) {
	quality = min(100, max(0, quality))

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, l := range t.links {
		if sameLink(l, from, to) {
			l.Quality = quality
			return
		}
	}
	t.links = append(t.links, &Link{From: from, To: to, Quality: quality})
	t.log.Debug("topology: link added", "from", from, "to", to, "quality", quality)
}

// HasLink reports whether a link exists in either orientation.
func (t *Tracker) HasLink(from, to string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.links {
		if sameLink(l, from, to) {
			return true
		}
	}
	return false
}

// Snapshot garbage-collects stale state and returns the current graph in
// wire shape.
func (t *Tracker) Snapshot() Data {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gcLocked()

	data := Data{
		Nodes:       make(map[string]Node, len(t.nodes)),
		Connections: make([]Link, 0, len(t.links)),
	}
	for user, n := range t.nodes {
		data.Nodes[user] = Node{
			IP:       n.ip,
			Port:     n.port,
			Latency:  n.latency,
			LastSeen: float64(n.lastSeen.UnixNano()) / 1e9,
		}
	}
	for _, l := range t.links {
		data.Connections = append(data.Connections, *l)
	}
	return data
}

// gcLocked drops nodes idle for longer than nodeTTL together with every
// link touching them. Callers hold t.mu.
func (t *Tracker) gcLocked() {
	cutoff := t.clock.Now().Add(-nodeTTL)
	removed := make(map[string]bool)
	for user, n := range t.nodes {
		if n.lastSeen.Before(cutoff) {
			delete(t.nodes, user)
			removed[user] = true
		}
	}
	if len(removed) == 0 {
		return
	}
	kept := t.links[:0]
	for _, l := range t.links {
		if !removed[l.From] && !removed[l.To] {
			kept = append(kept, l)
		}
	}
	t.links = kept
	t.log.Debug("topology: gc removed nodes", "count", len(removed))
}

func sameLink(l *Link, from, to string) bool {
	return (l.From == from && l.To == to) || (l.From == to && l.To == from)
}
