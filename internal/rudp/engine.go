// Package rudp provides bounded-retry reliable delivery over a datagram
// socket: a sliding-window sender with per-message acknowledgements and an
// in-order receive pipeline per remote IP.
package rudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/rumeysa111/real-time-chat-room/internal/metrics"
	"github.com/rumeysa111/real-time-chat-room/internal/wire"
)

const (
	defaultWindowSize   = 5
	defaultRetryTimeout = 1 * time.Second
	defaultMaxAttempts  = 3
	defaultQueueDepth   = 64

	// How long the sender idles when the window is full or the queue is
	// empty.
	senderBackoff = 100 * time.Millisecond

	// Out-of-order frames older than this are garbage-collected.
	receiveBufferTTL = 30 * time.Second

	// Stop waits this long for the sender goroutine to drain.
	stopTimeout = 2 * time.Second

	// Sequence numbers are 16-bit, assigned mod this.
	sequenceSpace = 65536
)

// Config defines the reliability parameters of an Engine.
type Config struct {
	Logger *slog.Logger
	Conn   net.PacketConn
	Clock  clockwork.Clock

	WindowSize   int           // max in-flight messages; 0 -> 5
	RetryTimeout time.Duration // per-attempt ACK timeout; 0 -> 1s
	MaxAttempts  int           // total send attempts per message; 0 -> 3
	QueueDepth   int           // send queue capacity; 0 -> 64
}

func (c *Config) Validate() error {
	if c.Conn == nil {
		return errors.New("packet conn is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.WindowSize == 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.WindowSize < 0 {
		return errors.New("window size must be greater than 0")
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = defaultRetryTimeout
	}
	if c.RetryTimeout < 0 {
		return errors.New("retry timeout must be greater than 0")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = defaultQueueDepth
	}
	return nil
}

// Delivery is one frame released by the in-order receive pipeline, with the
// raw bytes preserved for relaying.
type Delivery struct {
	Msg *wire.Message
	Raw []byte
}

type bufferKey struct {
	ip  string
	seq int
}

type flight struct {
	data       []byte
	addr       net.Addr
	sentAt     time.Time
	retries    int
	enqueuedAt time.Time
	result     chan bool
}

type outgoing struct {
	id         string
	data       []byte
	addr       net.Addr
	enqueuedAt time.Time
	result     chan bool
}

// Engine is the reliable layer over one datagram socket. A single sender
// goroutine owns all socket writes for queued messages; no lock is held
// across I/O.
type Engine struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock
	conn  net.PacketConn

	mu       sync.Mutex
	nextSeq  int
	inFlight map[string]*flight
	lastSeq  map[string]int

	buffer *ttlcache.Cache[bufferKey, Delivery]

	queue    chan outgoing
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rudp config: %w", err)
	}

	e := &Engine{
		log:      cfg.Logger,
		cfg:      cfg,
		clock:    cfg.Clock,
		conn:     cfg.Conn,
		inFlight: make(map[string]*flight),
		lastSeq:  make(map[string]int),
		buffer: ttlcache.New(
			ttlcache.WithTTL[bufferKey, Delivery](receiveBufferTTL),
		),
		queue: make(chan outgoing, cfg.QueueDepth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.buffer.Start()
	go e.run()
	return e, nil
}

// SendReliable queues a frame and blocks until it is acknowledged, the
// attempt budget is exhausted, or ctx is done. msgID must match the id the
// receiver echoes back in its ACK content.
func (e *Engine) SendReliable(ctx context.Context, msgID string, payload []byte, addr net.Addr) bool {
	result := e.Enqueue(msgID, payload, addr)
	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		e.abandon(msgID)
		return false
	}
}

// Enqueue queues a frame for reliable delivery and returns the completion
// signal; true means acknowledged, false means abandoned.
func (e *Engine) Enqueue(msgID string, payload []byte, addr net.Addr) <-chan bool {
	seq := e.nextSequence()
	data, rewritten := wire.Resequence(payload, seq)
	if !rewritten {
		// Non-JSON payloads pass through unsequenced.
		data = payload
	}

	out := outgoing{
		id:         msgID,
		data:       data,
		addr:       addr,
		enqueuedAt: e.clock.Now(),
		result:     make(chan bool, 1),
	}
	select {
	case e.queue <- out:
	case <-e.stop:
		out.result <- false
	}
	return out.result
}

// ProcessAck resolves the in-flight entry named by the ACK's content.
// Unknown or duplicate ACKs are no-ops.
func (e *Engine) ProcessAck(msg *wire.Message) bool {
	id := msg.ContentString()
	if id == "" {
		return false
	}

	e.mu.Lock()
	f, ok := e.inFlight[id]
	if ok {
		delete(e.inFlight, id)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	metrics.ReliableSendDuration.Observe(e.clock.Now().Sub(f.enqueuedAt).Seconds())
	f.result <- true
	e.log.Debug("rudp: acked", "id", id)
	return true
}

// ProcessReceived runs one inbound frame through the per-peer ordering
// pipeline and returns every frame now deliverable, oldest first. Duplicates
// return nil; a gap buffers the frame until its predecessors arrive or the
// buffer entry expires.
func (e *Engine) ProcessReceived(msg *wire.Message, raw []byte, addr net.Addr) []Delivery {
	ip := remoteIP(addr)
	seq := msg.SeqValue()

	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.lastSeq[ip]
	if !ok {
		last = -1
	}

	switch {
	// The <= test is not safe across 16-bit sequence rollover.
	case seq <= last:
		return nil
	case seq > last+1:
		e.buffer.Set(bufferKey{ip: ip, seq: seq}, Delivery{Msg: msg, Raw: raw}, ttlcache.DefaultTTL)
		return nil
	default:
		e.lastSeq[ip] = seq
		out := []Delivery{{Msg: msg, Raw: raw}}
		for next := seq + 1; ; next++ {
			item := e.buffer.Get(bufferKey{ip: ip, seq: next})
			if item == nil {
				break
			}
			out = append(out, item.Value())
			e.buffer.Delete(bufferKey{ip: ip, seq: next})
			e.lastSeq[ip] = next
		}
		return out
	}
}

// Stop halts the sender goroutine, waiting up to two seconds for it to
// exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		select {
		case <-e.done:
		case <-time.After(stopTimeout):
			e.log.Warn("rudp: sender did not stop in time")
		}
		e.buffer.Stop()
	})
}

func (e *Engine) nextSequence() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextSeq
	e.nextSeq = (e.nextSeq + 1) % sequenceSpace
	return seq
}

func (e *Engine) inFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

// run is the sender worker: it drains the queue while the window has room
// and retries or abandons timed-out entries on every pass.
func (e *Engine) run() {
	defer close(e.done)
	for {
		e.checkTimeouts()

		if e.inFlightCount() >= e.cfg.WindowSize {
			select {
			case <-e.stop:
				return
			case <-e.clock.After(senderBackoff):
			}
			continue
		}

		select {
		case out := <-e.queue:
			e.mu.Lock()
			e.inFlight[out.id] = &flight{
				data:       out.data,
				addr:       out.addr,
				sentAt:     e.clock.Now(),
				enqueuedAt: out.enqueuedAt,
				result:     out.result,
			}
			e.mu.Unlock()
			if _, err := e.conn.WriteTo(out.data, out.addr); err != nil {
				// Leave the entry in flight; the retry path will resend.
				e.log.Debug("rudp: send failed", "id", out.id, "error", err)
			}
		case <-e.stop:
			return
		case <-e.clock.After(senderBackoff):
		}
	}
}

type resend struct {
	id      string
	data    []byte
	addr    net.Addr
	attempt int
}

// checkTimeouts resends every in-flight entry whose ACK is overdue and
// abandons entries that have used their attempt budget. Socket writes and
// waiter signalling happen outside the lock.
func (e *Engine) checkTimeouts() {
	now := e.clock.Now()
	var resends []resend
	var failed []chan bool

	e.mu.Lock()
	for id, f := range e.inFlight {
		if now.Sub(f.sentAt) <= e.cfg.RetryTimeout {
			continue
		}
		if f.retries < e.cfg.MaxAttempts-1 {
			f.retries++
			f.sentAt = now
			resends = append(resends, resend{id: id, data: f.data, addr: f.addr, attempt: f.retries + 1})
		} else {
			delete(e.inFlight, id)
			failed = append(failed, f.result)
			e.log.Warn("rudp: abandoning message", "id", id, "attempts", f.retries+1)
		}
	}
	e.mu.Unlock()

	for _, r := range resends {
		metrics.ReliableSendRetriesTotal.Inc()
		e.log.Info("rudp: resending", "id", r.id, "attempt", r.attempt, "max", e.cfg.MaxAttempts)
		if _, err := e.conn.WriteTo(r.data, r.addr); err != nil {
			e.log.Debug("rudp: resend failed", "id", r.id, "error", err)
		}
	}
	for _, ch := range failed {
		metrics.ReliableSendFailuresTotal.Inc()
		ch <- false
	}
}

// abandon drops an in-flight entry without signalling its waiter.
func (e *Engine) abandon(msgID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, msgID)
}

func remoteIP(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
