package ws

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is the session registry: it owns the mapping from authenticated
// users to their live connections. All access goes through its methods; the
// nested maps are never handed out.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[int64]map[string]*Client),
	}
}

// Register adds a connection for the client's user and assigns its connection
// id. It reports whether this was the user's first live connection, which is
// the online presence edge.
func (r *Registry) Register(c *Client) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userId := c.user.Id
	userConns, ok := r.conns[userId]
	if !ok {
		userConns = make(map[string]*Client)
		r.conns[userId] = userConns
		first = true
	}
	c.connId = uuid.NewString()
	userConns[c.connId] = c
	return first
}

// Unregister removes the connection. It reports whether the connection was
// still registered (removing an unknown connection is a no-op) and whether it
// was the user's last one, which is the offline presence edge. The two flags
// are decided under one lock acquisition, so racing disconnects observe the
// last-connection edge exactly once.
func (r *Registry) Unregister(c *Client) (existed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userConns, ok := r.conns[c.user.Id]
	if !ok {
		return false, false
	}
	if _, ok := userConns[c.connId]; !ok {
		return false, false
	}
	delete(userConns, c.connId)
	if len(userConns) == 0 {
		delete(r.conns, c.user.Id)
		return true, true
	}
	return true, false
}

// ConnectionsOf returns a snapshot of the user's live connections, possibly
// empty. The snapshot may go stale immediately; delivery failures are handled
// by pruning, never by holding the lock across sends.
func (r *Registry) ConnectionsOf(userId int64) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConns := r.conns[userId]
	if len(userConns) == 0 {
		return nil
	}
	clients := make([]*Client, 0, len(userConns))
	for _, c := range userConns {
		clients = append(clients, c)
	}
	return clients
}

// Users returns a snapshot of all user ids with at least one live connection.
func (r *Registry) Users() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userIds := make([]int64, 0, len(r.conns))
	for userId := range r.conns {
		userIds = append(userIds, userId)
	}
	return userIds
}

// Clients returns a snapshot of every live connection.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0)
	for _, userConns := range r.conns {
		for _, c := range userConns {
			clients = append(clients, c)
		}
	}
	return clients
}

// NumConnections returns the number of live connections.
func (r *Registry) NumConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, userConns := range r.conns {
		n += len(userConns)
	}
	return n
}
