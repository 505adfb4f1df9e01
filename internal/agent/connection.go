// ABOUTME: Represents a single connected agent and its bidirectional transport.
// ABOUTME: Serializes writes so concurrent senders never interleave frames on one socket.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed indicates a write to a connection that has been closed.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the physical link to an agent.
// WriteMessage must honor ctx's deadline. Implementations need not be safe
// for concurrent writers; Connection serializes calls.
type Transport interface {
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Connection represents a connected agent.
type Connection struct {
	ID          string
	Role        string
	RemoteAddr  string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	closed    atomic.Bool
	logger    *slog.Logger
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID         string
	Role       string
	RemoteAddr string
	Transport  Transport
	Logger     *slog.Logger
}

// NewConnection creates a new Connection for a connected agent.
func NewConnection(params ConnectionParams) *Connection {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:          params.ID,
		Role:        params.Role,
		RemoteAddr:  params.RemoteAddr,
		ConnectedAt: time.Now().UTC(),
		transport:   params.Transport,
		logger:      logger,
	}
}

// Send writes one frame to the agent. Writes are serialized per connection.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.transport.WriteMessage(ctx, data)
}

// Close closes the underlying transport. Safe to call multiple times.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Debug("closing connection", "agent_id", c.ID)
	return c.transport.Close()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}
