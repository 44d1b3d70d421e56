package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Wire is the minimal duplex-send surface the registry needs from a
// connection. Send may fail on a dead peer; the registry treats any send
// error as fatal for that connection.
type Wire interface {
	Send(ctx context.Context, v any) error
	Close() error
}

// Conn is one live duplex connection tracked by the registry. Many
// connections may exist per (user, session) — multi-tab, multi-device.
type Conn struct {
	ID          string
	UserID      string
	SessionID   string
	ConnectedAt time.Time

	wire     Wire
	mu       sync.Mutex
	lastPing time.Time
}

// MarkPing records peer liveness.
func (c *Conn) MarkPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// LastPing returns the most recent liveness timestamp.
func (c *Conn) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// Registry tracks live duplex connections keyed by (user, session) and offers
// targeted send, broadcast and automatic eviction of dead connections: a
// connection whose send fails is removed before the enclosing call returns.
type Registry struct {
	mu     sync.Mutex
	users  map[string]map[string][]*Conn
	logger *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		users:  make(map[string]map[string][]*Conn),
		logger: logger,
	}
}

// Connect registers an accepted connection for (user, session).
func (r *Registry) Connect(wire Wire, userID, sessionID string) *Conn {
	conn := &Conn{
		ID:          ulid.Make().String(),
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		wire:        wire,
		lastPing:    time.Now(),
	}

	r.mu.Lock()
	sessions, ok := r.users[userID]
	if !ok {
		sessions = make(map[string][]*Conn)
		r.users[userID] = sessions
	}
	sessions[sessionID] = append(sessions[sessionID], conn)
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		"conn_id", conn.ID, "user_id", userID, "session_id", sessionID)
	return conn
}

// Disconnect removes a connection and prunes now-empty session/user entries.
func (r *Registry) Disconnect(conn *Conn) {
	r.mu.Lock()
	r.removeLocked(conn)
	r.mu.Unlock()
	_ = conn.wire.Close()
}

func (r *Registry) removeLocked(conn *Conn) {
	sessions, ok := r.users[conn.UserID]
	if !ok {
		return
	}
	conns := sessions[conn.SessionID]
	for i, c := range conns {
		if c.ID == conn.ID {
			sessions[conn.SessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(sessions[conn.SessionID]) == 0 {
		delete(sessions, conn.SessionID)
	}
	if len(sessions) == 0 {
		delete(r.users, conn.UserID)
	}
}

// SendToSession delivers message to every connection of (user, session) and
// returns the number of successful deliveries.
func (r *Registry) SendToSession(ctx context.Context, userID, sessionID string, message any) int {
	r.mu.Lock()
	var targets []*Conn
	if sessions, ok := r.users[userID]; ok {
		targets = append(targets, sessions[sessionID]...)
	}
	r.mu.Unlock()
	return r.deliver(ctx, targets, message)
}

// SendToUser delivers message to every connection of the user across all
// sessions and returns the number of successful deliveries.
func (r *Registry) SendToUser(ctx context.Context, userID string, message any) int {
	r.mu.Lock()
	var targets []*Conn
	if sessions, ok := r.users[userID]; ok {
		for _, conns := range sessions {
			targets = append(targets, conns...)
		}
	}
	r.mu.Unlock()
	return r.deliver(ctx, targets, message)
}

// Broadcast delivers message to every registered connection and returns the
// number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, message any) int {
	r.mu.Lock()
	var targets []*Conn
	for _, sessions := range r.users {
		for _, conns := range sessions {
			targets = append(targets, conns...)
		}
	}
	r.mu.Unlock()
	return r.deliver(ctx, targets, message)
}

// deliver attempts each target; a failed send evicts that connection so
// dead peers are self-healing without an external reaper.
func (r *Registry) deliver(ctx context.Context, targets []*Conn, message any) int {
	sent := 0
	for _, conn := range targets {
		if err := conn.wire.Send(ctx, message); err != nil {
			r.logger.Warn("evicting dead connection",
				"conn_id", conn.ID, "user_id", conn.UserID, "error", err)
			r.mu.Lock()
			r.removeLocked(conn)
			r.mu.Unlock()
			_ = conn.wire.Close()
			continue
		}
		sent++
	}
	return sent
}

// IsUserConnected reports whether the user has at least one live connection.
func (r *Registry) IsUserConnected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.users[userID]
	return ok && len(sessions) > 0
}

// ConnCount returns the total number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sessions := range r.users {
		for _, conns := range sessions {
			n += len(conns)
		}
	}
	return n
}
