// Package session binds logical usernames to their TCP control connection
// and, once learned, their UDP return address.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rumeysa111/real-time-chat-room/internal/metrics"
)

// ErrDuplicateUser is returned when a username already has a live session.
// Registration is first-wins.
var ErrDuplicateUser = errors.New("username already registered")

// Session is one authenticated client. UDPAddr stays nil until the first
// datagram from the user arrives at the hub.
type Session struct {
	Username string
	Conn     net.Conn
	UDPAddr  *net.UDPAddr
	LastSeen time.Time
}

// Registry is the authoritative username -> session map. All mutation
// happens under a single mutex; callers iterate over copies so no I/O runs
// while it is held.
type Registry struct {
	clock clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:    clock,
		sessions: make(map[string]*Session),
	}
}

// Register creates a session for a newly authenticated user.
func (r *Registry) Register(user string, conn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[user]; ok {
		return fmt.Errorf("register %q: %w", user, ErrDuplicateUser)
	}
	r.sessions[user] = &Session{
		Username: user,
		Conn:     conn,
		LastSeen: r.clock.Now(),
	}
	metrics.ConnectedUsers.Set(float64(len(r.sessions)))
	return nil
}

// BindUDP records the user's UDP return address and refreshes liveness.
func (r *Registry) BindUDP(user string, addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[user]; ok {
		s.UDPAddr = addr
		s.LastSeen = r.clock.Now()
	}
}

// Touch refreshes the user's last_seen timestamp.
func (r *Registry) Touch(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[user]; ok {
		s.LastSeen = r.clock.Now()
	}
}

// Unregister removes the session and closes its control connection.
func (r *Registry) Unregister(user string) {
	r.mu.Lock()
	s, ok := r.sessions[user]
	if ok {
		delete(r.sessions, user)
	}
	metrics.ConnectedUsers.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if ok && s.Conn != nil {
		_ = s.Conn.Close()
	}
}

// Users returns the registered usernames.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.sessions))
	for user := range r.sessions {
		users = append(users, user)
	}
	return users
}

// Lookup returns a copy of the user's session.
func (r *Registry) Lookup(user string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[user]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Snapshot returns session copies for lock-free fan-out iteration.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}
