// Package presence tracks which operators currently hold a live connection.
// The registry is process-wide and advisory: bindings in the store stay the
// source of truth for capacity decisions.
package presence

import (
	"sync"
	"time"
)

// Conn is a live client connection able to receive pushed events.
type Conn interface {
	Push(event string, payload []byte) error
}

type session struct {
	conn        Conn
	connectedAt time.Time
}

// Registry maps operator IDs to their live connection. Populated on a
// successful connection handshake, cleared on disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint]*session
	now      func() time.Time // test hook
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint]*session),
		now:      time.Now,
	}
}

// Connect registers the operator's connection and returns a detach func.
// Reconnecting replaces the previous session and restarts the online clock.
// The detach func only removes the session it created, so a stale detach
// never kicks a newer connection.
func (r *Registry) Connect(operatorID uint, conn Conn) func() {
	r.mu.Lock()
	s := &session{conn: conn, connectedAt: r.now()}
	r.sessions[operatorID] = s
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.sessions[operatorID]; ok && cur == s {
			delete(r.sessions, operatorID)
		}
	}
}

// Online reports whether the operator has a live connection.
func (r *Registry) Online(operatorID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[operatorID]
	return ok
}

// OnlineSince returns when the operator's current connection was established.
func (r *Registry) OnlineSince(operatorID uint) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[operatorID]
	if !ok {
		return time.Time{}, false
	}
	return s.connectedAt, true
}

// Conn returns the operator's live connection, if any.
func (r *Registry) Conn(operatorID uint) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[operatorID]
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// OnlineIDs returns the IDs of all connected operators.
func (r *Registry) OnlineIDs() []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
