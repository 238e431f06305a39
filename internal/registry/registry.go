// Package registry implements the Connection Registry: a process-local map
// of live connection id to Connection, with per-session lookup and
// serialized per-connection writes.
package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotFound is returned by lookups that find no registered connection.
var ErrNotFound = errors.New("connection not found")

// Socket is the minimal surface the registry needs from a duplex
// connection; *websocket.Conn satisfies it. Abstracting it keeps the
// registry testable without a real network socket.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one live duplex connection: an id, its socket, and the
// metadata the Gateway Server attaches at handshake time.
type Connection struct {
	ID            string
	Socket        Socket
	UserID        string
	SessionID     string
	Authenticated bool
	LastPongAt    time.Time
	CreatedAt     time.Time

	mu sync.Mutex
}

// Touch records that a pong (or other liveness signal) was just received
// from this connection.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastPongAt = time.Now()
}

// LastSeen returns the last time a liveness signal was recorded for this
// connection.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastPongAt
}

// Registry maps connection id -> *Connection and session id -> connection
// id, guarded by a single mutex (writes to any one connection's socket are
// additionally serialized by that Connection's own mutex, so concurrent
// sends to different connections never block each other).
type Registry struct {
	mu            sync.RWMutex
	byConnection  map[string]*Connection
	bySession     map[string]string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byConnection: make(map[string]*Connection),
		bySession:    make(map[string]string),
	}
}

// Register adds conn to the registry, indexing it by both connection id
// and session id. The latest registration for a given session id wins on
// collision.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConnection[conn.ID] = conn
	if conn.SessionID != "" {
		r.bySession[conn.SessionID] = conn.ID
	}
}

// Unregister removes a connection by id.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byConnection[connID]
	if !ok {
		return
	}
	delete(r.byConnection, connID)
	if conn.SessionID != "" && r.bySession[conn.SessionID] == connID {
		delete(r.bySession, conn.SessionID)
	}
}

// ByConnectionID looks up a connection by its own id.
func (r *Registry) ByConnectionID(connID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byConnection[connID]
	if !ok {
		return nil, ErrNotFound
	}
	return conn, nil
}

// BySessionID looks up the (at most one) live connection bound to a
// session id.
func (r *Registry) BySessionID(sessionID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.bySession[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	conn, ok := r.byConnection[connID]
	if !ok {
		return nil, ErrNotFound
	}
	return conn, nil
}

// Enumerate returns a snapshot slice of every registered connection.
func (r *Registry) Enumerate() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byConnection))
	for _, c := range r.byConnection {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnection)
}

// writeJSON serializes write access to one connection's socket: gorilla's
// websocket.Conn forbids concurrent writers, so every send funnels through
// this per-connection mutex rather than a dedicated writer goroutine.
func (c *Connection) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Socket.WriteMessage(websocket.TextMessage, raw)
}

// SendToSession writes v to the live connection bound to sessionID, if
// any. A missing connection is not an error: the registry is process-local,
// and a session without a live connection (e.g. mid-reconnect) simply
// drops the send.
func (r *Registry) SendToSession(sessionID string, v any) error {
	conn, err := r.BySessionID(sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return conn.writeJSON(v)
}

// EmitToSession is an alias for SendToSession kept for call-site clarity
// where the caller is emitting a server-originated event rather than
// relaying a client message.
func (r *Registry) EmitToSession(sessionID string, v any) error {
	return r.SendToSession(sessionID, v)
}

// BroadcastToSession sends v to the connection currently bound to
// sessionID. The session index holds at most one connection per session
// (the latest registration wins), so this is the same as SendToSession.
func (r *Registry) BroadcastToSession(sessionID string, v any) error {
	return r.SendToSession(sessionID, v)
}

// Close closes conn's socket and removes it from the registry.
func (r *Registry) Close(connID string, code int, reason string) error {
	conn, err := r.ByConnectionID(connID)
	if err != nil {
		return err
	}
	r.Unregister(connID)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.Socket.WriteMessage(websocket.CloseMessage, msg)
	return conn.Socket.Close()
}

// CloseAll closes every registered connection with the given code and
// reason, used at shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	for _, conn := range r.Enumerate() {
		_ = r.Close(conn.ID, code, reason)
	}
}
