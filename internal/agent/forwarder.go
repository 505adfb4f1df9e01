// ABOUTME: Delivers frames to agents by id, converting every failure into a typed result.
// ABOUTME: Absent targets fail fast without I/O; a failed write closes the target connection.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-router/internal/protocol"
)

// ForwardResult is the outcome of a delivery attempt.
type ForwardResult int

const (
	Delivered ForwardResult = iota
	TargetNotConnected
	WriteFailed
)

// OK reports whether the frame was written to the target.
func (r ForwardResult) OK() bool {
	return r == Delivered
}

func (r ForwardResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case TargetNotConnected:
		return "target_not_connected"
	case WriteFailed:
		return "write_failed"
	default:
		return "unknown"
	}
}

// ConnectionLookup resolves an agent id to its live connection.
type ConnectionLookup interface {
	Lookup(agentID string) (*Connection, bool)
}

// Forwarder writes frames to connected agents.
type Forwarder struct {
	conns        ConnectionLookup
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewForwarder creates a Forwarder. A zero writeTimeout means writes are
// bounded only by the caller's context.
func NewForwarder(conns ConnectionLookup, writeTimeout time.Duration, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		conns:        conns,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Forward relays env unmodified from senderID to targetAgentID.
func (f *Forwarder) Forward(ctx context.Context, senderID string, env *protocol.Envelope, targetAgentID string) ForwardResult {
	data, err := env.Bytes()
	if err != nil {
		f.logger.Error("encoding envelope for forward",
			"error", err,
			"sender_id", senderID,
			"target_agent_id", targetAgentID,
		)
		return WriteFailed
	}

	result := f.Deliver(ctx, targetAgentID, data)
	if result.OK() {
		f.logger.Info("forwarded message",
			"message_type", env.Header.MessageType,
			"sender_id", senderID,
			"target_agent_id", targetAgentID,
			"correlation_id", env.Header.CorrelationID,
		)
	}
	return result
}

// Deliver writes data to targetAgentID. Used for forwarded frames as well as
// replies the router builds itself.
//
// A failed write closes the connection: a socket whose write errored or timed
// out cannot be written again, so the agent is dropped and must reconnect.
func (f *Forwarder) Deliver(ctx context.Context, targetAgentID string, data []byte) (result ForwardResult) {
	conn, ok := f.conns.Lookup(targetAgentID)
	if !ok || conn.Closed() {
		f.logger.Warn("target agent not connected", "target_agent_id", targetAgentID)
		return TargetNotConnected
	}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic writing to agent",
				"target_agent_id", targetAgentID,
				"panic", fmt.Sprint(r),
			)
			_ = conn.Close()
			result = WriteFailed
		}
	}()

	parent := ctx
	if f.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.writeTimeout)
		defer cancel()
	}

	if err := conn.Send(ctx, data); err != nil {
		f.logger.Warn("write to agent failed",
			"error", err,
			"target_agent_id", targetAgentID,
		)
		// The caller giving up says nothing about the target's socket.
		if parent.Err() == nil {
			f.logger.Info("closing connection after failed write", "target_agent_id", targetAgentID)
			_ = conn.Close()
		}
		return WriteFailed
	}
	return Delivered
}
