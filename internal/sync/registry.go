package sync

import (
	"context"
	"sync"
)

// Connection is a live bidirectional delivery target for serialized events.
// The bus only ever writes; reads (client pings, close frames) stay with the
// transport that created the connection.
type Connection interface {
	// Send delivers one serialized wire message. A returned error evicts the
	// connection from the registry.
	Send(ctx context.Context, message []byte) error

	// Close releases the underlying transport.
	Close() error
}

// connectionRegistry tracks live connections per user.
// Registration happens on arbitrary goroutines (HTTP upgrade handlers), so all
// access is mutex-guarded; there is no cap on connections per user.
type connectionRegistry struct {
	mu    sync.RWMutex
	conns map[string][]Connection
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{conns: make(map[string][]Connection)}
}

func (r *connectionRegistry) Add(userID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[userID] = append(r.conns[userID], conn)
}

func (r *connectionRegistry) Remove(userID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.conns[userID]
	for i, c := range live {
		if c == conn {
			r.conns[userID] = append(live[:i:i], live[i+1:]...)
			break
		}
	}
	if len(r.conns[userID]) == 0 {
		delete(r.conns, userID)
	}
}

// ForUser returns a snapshot of the user's connections. The copy keeps the
// consumer's sequential delivery loop free of the registry lock.
func (r *connectionRegistry) ForUser(userID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := r.conns[userID]
	if len(live) == 0 {
		return nil
	}
	out := make([]Connection, len(live))
	copy(out, live)
	return out
}

func (r *connectionRegistry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}
