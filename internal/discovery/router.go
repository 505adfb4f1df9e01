// ABOUTME: Discovery sub-router: handles envelopes whose target_service is DISCOVERY.
// ABOUTME: Replies with DISCOVERY_ACK/DISCOVERY_RESULT or an error envelope; never fails upward.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-router/internal/agent"
	"github.com/2389/coven-router/internal/protocol"
)

// Presence reports whether an agent currently holds a live connection.
type Presence interface {
	IsOnline(agentID string) bool
}

// Deliverer writes a frame to a connected agent.
type Deliverer interface {
	Deliver(ctx context.Context, agentID string, data []byte) agent.ForwardResult
}

// Config holds the collaborators of a SubRouter.
type Config struct {
	Store       Store
	Presence    Presence
	Deliverer   Deliverer
	AnnounceTTL time.Duration
	Logger      *slog.Logger
}

// SubRouter implements the discovery sub-protocol.
type SubRouter struct {
	store     Store
	presence  Presence
	out       Deliverer
	announces *announceCache
	logger    *slog.Logger
}

// NewSubRouter creates a SubRouter.
func NewSubRouter(cfg Config) *SubRouter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubRouter{
		store:     cfg.Store,
		presence:  cfg.Presence,
		out:       cfg.Deliverer,
		announces: newAnnounceCache(cfg.AnnounceTTL),
		logger:    logger,
	}
}

type registerPayload struct {
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata"`
}

type queryPayload struct {
	Capability string `json:"capability"`
	AgentID    string `json:"agent_id"`
}

// AckPayload is the payload of DISCOVERY_ACK.
type AckPayload struct {
	Status       string   `json:"status"`
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ResultPayload is the payload of DISCOVERY_RESULT.
type ResultPayload struct {
	Capability string    `json:"capability,omitempty"`
	Agents     []*Record `json:"agents"`
}

// Handle processes one discovery envelope from connAgentID. Every outcome,
// including malformed payloads and backend failures, is answered to the sender.
func (r *SubRouter) Handle(ctx context.Context, connAgentID string, env *protocol.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in discovery handler",
				"agent_id", connAgentID,
				"panic", fmt.Sprint(p),
			)
			r.replyError(ctx, connAgentID, env, protocol.ErrCodeInternal, "")
		}
	}()

	switch env.Header.MessageType {
	case protocol.TypeDiscoveryRegister:
		r.handleRegister(ctx, connAgentID, env)
	case protocol.TypeDiscoveryDeregister:
		r.handleDeregister(ctx, connAgentID, env)
	case protocol.TypeDiscoveryQuery:
		r.handleQuery(ctx, connAgentID, env)
	default:
		r.logger.Warn("unsupported discovery message",
			"agent_id", connAgentID,
			"message_type", env.Header.MessageType,
		)
		r.replyError(ctx, connAgentID, env, protocol.ErrCodeDiscoveryType,
			fmt.Sprintf("discovery does not handle %s", env.Header.MessageType))
	}
}

// Forget drops cached announcement state for a disconnected agent.
// The stored record is kept; queries filter it out while the agent is offline.
func (r *SubRouter) Forget(agentID string) {
	r.announces.forget(agentID)
}

func (r *SubRouter) handleRegister(ctx context.Context, agentID string, env *protocol.Envelope) {
	var p registerPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyError(ctx, agentID, env, protocol.ErrCodeDiscoveryPayload, err.Error())
		return
	}

	caps := normalizeCapabilities(p.Capabilities)
	fp := fingerprintOf(caps, p.Metadata)

	if r.announces.fresh(agentID, fp) {
		r.logger.Debug("duplicate announcement, skipping store write", "agent_id", agentID)
	} else {
		rec := &Record{AgentID: agentID, Capabilities: caps, Metadata: p.Metadata}
		if err := r.store.Register(ctx, rec); err != nil {
			r.logger.Error("discovery register failed", "error", err, "agent_id", agentID)
			r.replyError(ctx, agentID, env, protocol.ErrCodeDiscoveryBackend, "")
			return
		}
		r.announces.remember(agentID, fp)
		r.logger.Info("agent announced",
			"agent_id", agentID,
			"capabilities", caps,
		)
	}

	r.reply(ctx, agentID, env, protocol.TypeDiscoveryAck, AckPayload{
		Status:       "registered",
		AgentID:      agentID,
		Capabilities: caps,
	})
}

func (r *SubRouter) handleDeregister(ctx context.Context, agentID string, env *protocol.Envelope) {
	if err := r.store.Deregister(ctx, agentID); err != nil {
		r.logger.Error("discovery deregister failed", "error", err, "agent_id", agentID)
		r.replyError(ctx, agentID, env, protocol.ErrCodeDiscoveryBackend, "")
		return
	}
	r.announces.forget(agentID)
	r.logger.Info("agent withdrew announcement", "agent_id", agentID)

	r.reply(ctx, agentID, env, protocol.TypeDiscoveryAck, AckPayload{
		Status:  "deregistered",
		AgentID: agentID,
	})
}

func (r *SubRouter) handleQuery(ctx context.Context, agentID string, env *protocol.Envelope) {
	var p queryPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyError(ctx, agentID, env, protocol.ErrCodeDiscoveryPayload, err.Error())
		return
	}

	var (
		recs []*Record
		err  error
	)
	switch {
	case p.AgentID != "":
		var rec *Record
		rec, err = r.store.Get(ctx, p.AgentID)
		if errors.Is(err, ErrNotFound) {
			err = nil
		} else if err == nil {
			recs = []*Record{rec}
		}
	case p.Capability != "":
		recs, err = r.store.FindByCapability(ctx, p.Capability)
	default:
		recs, err = r.store.List(ctx)
	}
	if err != nil {
		r.logger.Error("discovery query failed", "error", err, "agent_id", agentID)
		r.replyError(ctx, agentID, env, protocol.ErrCodeDiscoveryBackend, "")
		return
	}

	live := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if r.presence.IsOnline(rec.AgentID) {
			live = append(live, rec)
		}
	}

	r.reply(ctx, agentID, env, protocol.TypeDiscoveryResult, ResultPayload{
		Capability: p.Capability,
		Agents:     live,
	})
}

func (r *SubRouter) reply(ctx context.Context, agentID string, req *protocol.Envelope, mt protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(protocol.Header{
		MessageType:   mt,
		SenderID:      protocol.RouterID,
		CorrelationID: req.Header.CorrelationID,
		TargetAgentID: agentID,
		TargetService: protocol.ServiceDiscovery,
	}, payload)
	if err != nil {
		r.logger.Error("building discovery reply", "error", err, "agent_id", agentID)
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error("encoding discovery reply", "error", err, "agent_id", agentID)
		return
	}
	r.deliver(ctx, agentID, data)
}

func (r *SubRouter) replyError(ctx context.Context, agentID string, req *protocol.Envelope, code protocol.ErrorCode, msg string) {
	r.deliver(ctx, agentID, protocol.BuildError(agentID, req.Header.CorrelationID, code, msg))
}

func (r *SubRouter) deliver(ctx context.Context, agentID string, data []byte) {
	if res := r.out.Deliver(ctx, agentID, data); !res.OK() {
		r.logger.Warn("discovery reply not delivered", "agent_id", agentID, "result", res)
	}
}
