package gateway

import (
	"errors"
	"sort"
	"time"
)

// ErrTransportClosed is returned by Transport.Send once the link is gone
var ErrTransportClosed = errors.New("transport closed")

// Transport is the capability the gateway needs from a screen link
type Transport interface {
	IsOpen() bool
	Send(data []byte) error
	Close() error
}

// Connection represents one live screen link
type Connection struct {
	ID        string
	ScreenID  string
	Transport Transport

	// Connection metadata
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
}

// Registry tracks live connections keyed by id and grouped by screen.
// It has no locking: only the hub loop touches it.
type Registry struct {
	byID     map[string]*Connection
	byScreen map[string]map[string]*Connection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Connection),
		byScreen: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection. Re-adding an id replaces the previous entry.
func (r *Registry) Add(conn *Connection) {
	r.Remove(conn.ID)

	r.byID[conn.ID] = conn
	if r.byScreen[conn.ScreenID] == nil {
		r.byScreen[conn.ScreenID] = make(map[string]*Connection)
	}
	r.byScreen[conn.ScreenID][conn.ID] = conn
}

// Remove drops a connection and reports whether it was present. Idempotent.
func (r *Registry) Remove(id string) (*Connection, bool) {
	conn, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)

	if conns, exists := r.byScreen[conn.ScreenID]; exists {
		delete(conns, id)
		// Clean up empty screen buckets
		if len(conns) == 0 {
			delete(r.byScreen, conn.ScreenID)
		}
	}
	return conn, true
}

// Get looks up a connection by id
func (r *Registry) Get(id string) (*Connection, bool) {
	conn, ok := r.byID[id]
	return conn, ok
}

// FindByScreen returns the connections for a screen, oldest first
func (r *Registry) FindByScreen(screenID string) []*Connection {
	conns := r.byScreen[screenID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	sortConnections(out)
	return out
}

// All returns every connection, oldest first
func (r *Registry) All() []*Connection {
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sortConnections(out)
	return out
}

// ConnectedScreenIDs returns each screen with at least one connection, once
func (r *Registry) ConnectedScreenIDs() []string {
	ids := make([]string, 0, len(r.byScreen))
	for id := range r.byScreen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ScreenConnectionCount returns the number of connections for a screen
func (r *Registry) ScreenConnectionCount(screenID string) int {
	return len(r.byScreen[screenID])
}

func (r *Registry) Len() int { return len(r.byID) }

func sortConnections(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if !conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
		}
		return conns[i].ID < conns[j].ID
	})
}
