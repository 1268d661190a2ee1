package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client. A user may hold several.
type Connection struct {
	ID        string    // connection id (UUID)
	UserID    string    // authenticated user, fixed for the connection's life
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 off Linux
	CreatedAt time.Time // when the connection was established

	lastSeen   atomic.Int64 // unix nanos of the last frame read from the client
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last client activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Session policies.
const (
	// PolicyMulti lets a user hold any number of connections.
	PolicyMulti = "multi"
	// PolicySingle evicts a user's older connections when a new one registers.
	PolicySingle = "single"
)

// Registry maps connection ids, network connections and users to live
// connections held by this process.
type Registry struct {
	policy string

	mu     sync.RWMutex
	byID   map[string]*Connection            // connection id -> Connection
	byConn map[net.Conn]*Connection          // epoll readiness -> Connection
	byUser map[string]map[string]*Connection // user id -> connection id -> Connection
}

// NewRegistry creates an empty Registry. An unknown policy behaves as
// PolicyMulti.
func NewRegistry(policy string) *Registry {
	return &Registry{
		policy: policy,
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Register adds conn. Under PolicySingle, the user's previously registered
// connections are returned; the caller is expected to close and deregister
// them through its normal removal path.
func (r *Registry) Register(conn *Connection) (evicted []*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[conn.UserID]
	if !ok {
		conns = make(map[string]*Connection)
		r.byUser[conn.UserID] = conns
	}
	if r.policy == PolicySingle {
		for _, old := range conns {
			evicted = append(evicted, old)
		}
	}

	r.byID[conn.ID] = conn
	r.byConn[conn.Conn] = conn
	conns[conn.ID] = conn
	return evicted
}

// Deregister removes a connection by id and closes the underlying network
// connection. It returns the removed connection, or nil if it was already
// gone, so concurrent removals of the same connection clean up once.
func (r *Registry) Deregister(id string) *Connection {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		r.remove(conn)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	conn.Close()
	return conn
}

// remove deletes conn from every index. Caller holds r.mu.
func (r *Registry) remove(conn *Connection) {
	delete(r.byID, conn.ID)
	if r.byConn[conn.Conn] == conn {
		delete(r.byConn, conn.Conn)
	}
	if conns := r.byUser[conn.UserID]; conns != nil {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
}

// Get returns the connection for the given id, or nil if not found.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	conn := r.byID[id]
	r.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (r *Registry) GetByConn(c net.Conn) *Connection {
	r.mu.RLock()
	conn := r.byConn[c]
	r.mu.RUnlock()
	return conn
}

// ConnectionsOf returns the user's live connections on this process.
func (r *Registry) ConnectionsOf(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}
