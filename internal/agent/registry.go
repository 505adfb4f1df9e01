// ABOUTME: Concurrency-safe registry mapping agent ids to their live connections.
// ABOUTME: Last registration wins; lookups never observe a partially updated entry.

package agent

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Registry owns every live agent connection.
type Registry struct {
	conns  map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// Register binds conn to conn.ID, replacing any previous connection for that
// id. The replaced connection, if any, is returned so the caller can close it.
func (r *Registry) Register(conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[conn.ID]
	r.conns[conn.ID] = conn

	if prev != nil && prev != conn {
		r.logger.Warn("agent re-registered, replacing previous connection",
			"agent_id", conn.ID,
			"previous_remote", prev.RemoteAddr,
			"remote", conn.RemoteAddr,
		)
	} else {
		prev = nil
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"role", conn.Role,
		"total_agents", len(r.conns),
	)
	return prev
}

// Unregister removes the entry for agentID. Unknown ids are ignored.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[agentID]; !ok {
		return
	}
	delete(r.conns, agentID)
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agentID,
		"total_agents", len(r.conns),
	)
}

// UnregisterConn removes conn only if it is still the registered connection
// for its id. It reports whether an entry was removed.
func (r *Registry) UnregisterConn(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[conn.ID]; !ok || cur != conn {
		return false
	}
	delete(r.conns, conn.ID)
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"total_agents", len(r.conns),
	)
	return true
}

// Lookup returns the live connection for agentID.
func (r *Registry) Lookup(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[agentID]
	return conn, ok
}

// IsOnline reports whether agentID currently has a connection.
func (r *Registry) IsOnline(agentID string) bool {
	_, ok := r.Lookup(agentID)
	return ok
}

// List returns the ids of all live connections in ascending order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Connections returns a snapshot of all live connections ordered by id.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return conns
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ListAgents returns public information about every connected agent.
func (r *Registry) ListAgents() []*AgentInfo {
	conns := r.Connections()
	agents := make([]*AgentInfo, 0, len(conns))
	for _, c := range conns {
		agents = append(agents, &AgentInfo{
			ID:          c.ID,
			Role:        c.Role,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt,
		})
	}
	return agents
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID          string    `json:"agent_id"`
	Role        string    `json:"role,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}
