// ABOUTME: Dispatcher runs the ordered per-frame state machine.
// ABOUTME: Decode, identity check, discovery delegation, then routing by message type.

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/2389/coven-router/internal/agent"
	"github.com/2389/coven-router/internal/protocol"
)

// Sender delivers envelopes to connected agents.
// agent.Forwarder is the production implementation.
type Sender interface {
	Forward(ctx context.Context, senderID string, env *protocol.Envelope, targetAgentID string) agent.ForwardResult
	Deliver(ctx context.Context, targetAgentID string, data []byte) agent.ForwardResult
}

// DiscoveryHandler handles envelopes addressed to the DISCOVERY service.
// It must answer the sender itself and never panic on malformed payloads.
type DiscoveryHandler interface {
	Handle(ctx context.Context, connAgentID string, env *protocol.Envelope)
}

// Options configures a Dispatcher.
type Options struct {
	Directory        Directory
	Sender           Sender
	Discovery        DiscoveryHandler
	CommanderPattern string
	Logger           *slog.Logger
}

// Dispatcher routes frames received from agent connections.
// HandleFrame is safe for concurrent use by different connections.
type Dispatcher struct {
	sender     Sender
	discovery  DiscoveryHandler
	commanders *CommanderResolver
	stats      Stats
	logger     *slog.Logger

	now func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:     opts.Sender,
		discovery:  opts.Discovery,
		commanders: NewCommanderResolver(opts.Directory, opts.CommanderPattern),
		logger:     logger.With("component", "dispatcher"),
		now:        time.Now,
	}
}

// Stats returns a snapshot of the routing counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// HandleFrame processes one raw frame received on the connection bound to
// connAgentID. It never panics and never returns an error: every failure the
// sender should hear about is answered with an error envelope.
func (d *Dispatcher) HandleFrame(ctx context.Context, connAgentID string, raw []byte) {
	d.stats.received.Add(1)

	defer func() {
		if p := recover(); p != nil {
			d.stats.panics.Add(1)
			d.logger.Error("panic while dispatching frame",
				"agent_id", connAgentID,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			d.reject(ctx, connAgentID, protocol.SalvageCorrelationID(raw), protocol.ErrCodeInternal, "")
		}
	}()

	env, err := protocol.Decode(raw)
	if err != nil {
		d.logger.Warn("rejecting malformed frame", "agent_id", connAgentID, "error", err)
		d.reject(ctx, connAgentID, "", protocol.ErrCodeInvalidFormat, err.Error())
		return
	}
	h := env.Header

	if h.SenderID != connAgentID {
		d.logger.Warn("sender mismatch",
			"agent_id", connAgentID,
			"claimed_sender_id", h.SenderID,
			"message_type", h.MessageType,
		)
		d.reject(ctx, connAgentID, h.CorrelationID, protocol.ErrCodeSenderMismatch,
			fmt.Sprintf("sender_id %q does not match connection %q", h.SenderID, connAgentID))
		return
	}

	if h.TargetService == protocol.ServiceDiscovery {
		d.stats.discovery.Add(1)
		if d.discovery == nil {
			d.reject(ctx, connAgentID, h.CorrelationID, protocol.ErrCodeDiscoveryBackend, "discovery is not enabled")
			return
		}
		d.discovery.Handle(ctx, connAgentID, env)
		return
	}

	switch h.MessageType {
	case protocol.TypeProcessUserRequest:
		d.routeUserRequest(ctx, env)
	case protocol.TypeTaskAssign:
		d.routeTaskAssign(ctx, env)
	case protocol.TypeTaskComplete, protocol.TypeTaskFail:
		d.relayOutcome(ctx, env)
	case protocol.TypePing:
		d.answerPing(ctx, env)
	case protocol.TypePong, protocol.TypeError,
		protocol.TypeDiscoveryAck, protocol.TypeDiscoveryResult,
		protocol.TypeDiscoveryRegister, protocol.TypeDiscoveryDeregister, protocol.TypeDiscoveryQuery:
		d.stats.dropped.Add(1)
		d.logger.Debug("dropping inert message",
			"agent_id", connAgentID,
			"message_type", h.MessageType,
			"correlation_id", h.CorrelationID,
		)
	default:
		d.logger.Warn("unhandled message type", "agent_id", connAgentID, "message_type", h.MessageType)
		d.reject(ctx, connAgentID, h.CorrelationID, protocol.ErrCodeUnhandledType,
			fmt.Sprintf("unhandled message type %q", h.MessageType))
	}
}

func (d *Dispatcher) routeUserRequest(ctx context.Context, env *protocol.Envelope) {
	h := env.Header
	commander, ok := d.commanders.Resolve(h.SenderID)
	if !ok {
		d.logger.Warn("no commander connected", "agent_id", h.SenderID, "correlation_id", h.CorrelationID)
		d.reject(ctx, h.SenderID, h.CorrelationID, protocol.ErrCodeNoCommander, "")
		return
	}
	if !d.forward(ctx, env, commander) {
		d.reject(ctx, h.SenderID, h.CorrelationID, protocol.ErrCodeUserRequestFailed,
			fmt.Sprintf("could not deliver request to %s", commander))
	}
}

func (d *Dispatcher) routeTaskAssign(ctx context.Context, env *protocol.Envelope) {
	h := env.Header
	if h.TargetAgentID == "" {
		d.reject(ctx, h.SenderID, h.CorrelationID, protocol.ErrCodeMissingTarget, "")
		return
	}
	if !d.forward(ctx, env, h.TargetAgentID) {
		d.reject(ctx, h.SenderID, h.CorrelationID, protocol.ErrCodeTaskForwardFailed,
			fmt.Sprintf("could not deliver task to %s", h.TargetAgentID))
	}
}

// relayOutcome forwards TASK_COMPLETE/TASK_FAIL to the original requester.
// Failures are logged only so a lost requester cannot cause an error loop.
func (d *Dispatcher) relayOutcome(ctx context.Context, env *protocol.Envelope) {
	h := env.Header
	if h.TargetAgentID == "" {
		d.stats.dropped.Add(1)
		d.logger.Info("dropping task outcome without target",
			"agent_id", h.SenderID,
			"message_type", h.MessageType,
			"correlation_id", h.CorrelationID,
		)
		return
	}
	d.forward(ctx, env, h.TargetAgentID)
}

type pingPayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

type pongPayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Status    string          `json:"status"`
}

func (d *Dispatcher) answerPing(ctx context.Context, env *protocol.Envelope) {
	h := env.Header
	d.stats.pings.Add(1)

	var ping pingPayload
	_ = env.DecodePayload(&ping)
	ts := ping.Timestamp
	if len(ts) == 0 || string(ts) == "null" {
		ts, _ = json.Marshal(d.now().UTC().Format(time.RFC3339))
	}

	pong, err := protocol.NewEnvelope(protocol.Header{
		MessageType:   protocol.TypePong,
		SenderID:      protocol.RouterID,
		CorrelationID: h.CorrelationID,
		TargetAgentID: h.SenderID,
	}, pongPayload{Timestamp: ts, Status: "acknowledged"})
	if err != nil {
		panic(fmt.Sprintf("building pong: %v", err))
	}
	data, err := protocol.Encode(pong)
	if err != nil {
		panic(fmt.Sprintf("encoding pong: %v", err))
	}

	if res := d.sender.Deliver(ctx, h.SenderID, data); !res.OK() {
		d.logger.Warn("pong not delivered", "agent_id", h.SenderID, "result", res)
	}
}

func (d *Dispatcher) forward(ctx context.Context, env *protocol.Envelope, target string) bool {
	res := d.sender.Forward(ctx, env.Header.SenderID, env, target)
	if res.OK() {
		d.stats.forwarded.Add(1)
		return true
	}
	d.stats.forwardFailed.Add(1)
	d.logger.Warn("forward failed",
		"agent_id", env.Header.SenderID,
		"target_agent_id", target,
		"message_type", env.Header.MessageType,
		"correlation_id", env.Header.CorrelationID,
		"result", res,
	)
	return false
}

func (d *Dispatcher) reject(ctx context.Context, agentID, correlationID string, code protocol.ErrorCode, msg string) {
	d.stats.rejected.Add(1)
	data := protocol.BuildError(agentID, correlationID, code, msg)
	if res := d.sender.Deliver(ctx, agentID, data); !res.OK() {
		d.logger.Warn("error reply not delivered",
			"agent_id", agentID,
			"error_code", code,
			"result", res,
		)
	}
}
