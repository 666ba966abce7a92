package registry

import (
	"sync"
	"time"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

// ClientType tags the kind of client behind a connection.
type ClientType string

const (
	ClientWeb     ClientType = "web"
	ClientIOS     ClientType = "ios"
	ClientAndroid ClientType = "android"
	ClientUnknown ClientType = "unknown"
)

// ParseClientType maps a handshake value to a known client type.
func ParseClientType(s string) ClientType {
	switch ClientType(s) {
	case ClientWeb, ClientIOS, ClientAndroid:
		return ClientType(s)
	default:
		return ClientUnknown
	}
}

// Peer is the transport side of a connection.
type Peer interface {
	// Send queues an event; false means the event was dropped.
	Send(event models.Event) bool
	// Close terminates the transport.
	Close()
}

// Conn is one live connection held by this process.
type Conn struct {
	ID          string
	UserID      string
	ClientType  ClientType
	Viewer      models.Viewer
	ConnectedAt time.Time
	Peer        Peer
}

// Removal describes an unregistered connection.
type Removal struct {
	Conn *Conn
	// LastLocal is true when no other connection of the user remains on this
	// process. It is a hint only; the presence store decides fleet-wide state.
	LastLocal bool
	Forced    bool
}

// Connections maps live connections to users for this process only.
type Connections struct {
	mu     sync.Mutex
	conns  map[string]*Conn               // connID -> conn
	byUser map[string]map[string]struct{} // userID -> set of connIDs
}

// NewConnections creates an empty connection registry.
func NewConnections() *Connections {
	return &Connections{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection. Re-registering an id replaces the previous entry.
func (r *Connections) Register(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[conn.ID]; ok {
		r.removeLocked(prev)
	}
	r.conns[conn.ID] = conn
	set := r.byUser[conn.UserID]
	if set == nil {
		set = make(map[string]struct{})
		r.byUser[conn.UserID] = set
	}
	set[conn.ID] = struct{}{}
}

// Unregister removes a connection. ok is false for unknown ids.
func (r *Connections) Unregister(connID string) (Removal, bool) {
	return r.unregister(connID, false)
}

// ForceUnregister removes a connection the server is closing on its own
// initiative (idle disconnect). The transport's own close later finds nothing.
func (r *Connections) ForceUnregister(connID string) (Removal, bool) {
	return r.unregister(connID, true)
}

func (r *Connections) unregister(connID string, forced bool) (Removal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return Removal{}, false
	}
	last := r.removeLocked(conn)
	return Removal{Conn: conn, LastLocal: last, Forced: forced}, true
}

func (r *Connections) removeLocked(conn *Conn) bool {
	delete(r.conns, conn.ID)
	set := r.byUser[conn.UserID]
	delete(set, conn.ID)
	if len(set) == 0 {
		delete(r.byUser, conn.UserID)
		return true
	}
	return false
}

// Get returns a connection by id.
func (r *Connections) Get(connID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// HasUser reports whether the user has a connection on this process.
func (r *Connections) HasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// ConnectionsForUser returns the user's local connections.
func (r *Connections) ConnectionsForUser(userID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for id := range set {
		out = append(out, r.conns[id])
	}
	return out
}

// Lookup resolves connection ids, skipping ids that are gone.
func (r *Connections) Lookup(connIDs []string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(connIDs))
	for _, id := range connIDs {
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// All returns every local connection.
func (r *Connections) All() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of local connections.
func (r *Connections) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
