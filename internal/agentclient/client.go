// ABOUTME: WebSocket client that connects an agent to coven-router
// ABOUTME: Announces capabilities, dispatches tasks to a Handler and correlates replies

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-router/internal/discovery"
	"github.com/2389/coven-router/internal/protocol"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("agentclient: connection closed")

// DefaultPingInterval is used when Options.PingInterval is zero.
const DefaultPingInterval = 30 * time.Second

// Options configures a Client.
type Options struct {
	// URL is the router WebSocket prefix, e.g. ws://localhost:8080/ws/.
	URL          string
	AgentID      string
	Role         string
	Token        string
	Capabilities []string
	Metadata     map[string]any

	// PingInterval between PINGs; negative disables pinging.
	PingInterval time.Duration
	Handler      Handler
	Logger       *slog.Logger
	Dialer       *websocket.Dialer
}

// Client is a connected agent.
type Client struct {
	opts   Options
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func endpoint(opts Options) (string, error) {
	base := opts.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base + url.PathEscape(opts.AgentID))
	if err != nil {
		return "", fmt.Errorf("parsing router url: %w", err)
	}
	q := u.Query()
	if opts.Role != "" {
		q.Set("role", opts.Role)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the router as opts.AgentID.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.AgentID == "" {
		return nil, errors.New("agentclient: agent id required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	target, err := endpoint(opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing router: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing router: %w", err)
	}

	return &Client{
		opts:    opts,
		ws:      ws,
		logger:  opts.Logger.With("component", "agentclient", "agent_id", opts.AgentID),
		pending: make(map[string]chan *protocol.Envelope),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the agent id this client is connected as.
func (c *Client) ID() string {
	return c.opts.AgentID
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Run announces the agent and processes inbound envelopes until ctx is
// canceled or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx) }()

	if len(c.opts.Capabilities) > 0 || len(c.opts.Metadata) > 0 {
		announceCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.Announce(announceCtx); err != nil {
			c.logger.Warn("announcement failed", "error", err)
		}
		cancel()
	}

	var ticker <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		ticker = t.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			<-readErr
			return nil
		case err := <-readErr:
			_ = c.Close()
			return err
		case <-ticker:
			go func() {
				pingCtx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
				defer cancel()
				if rtt, err := c.Ping(pingCtx); err != nil {
					c.logger.Warn("ping failed", "error", err)
				} else {
					c.logger.Debug("pong", "rtt", rtt)
				}
			}()
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	defer c.failPending()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading from router: %w", err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("discarding undecodable frame", "error", err)
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env *protocol.Envelope) {
	h := env.Header
	switch h.MessageType {
	case protocol.TypeTaskAssign:
		go c.runTask(ctx, env)
		return
	case protocol.TypeProcessUserRequest:
		go c.runUserRequest(ctx, env)
		return
	}

	if c.resolve(h.CorrelationID, env) {
		return
	}

	switch h.MessageType {
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = env.DecodePayload(&p)
		c.logger.Warn("router error",
			"error_code", p.ErrorCode,
			"error_message", p.ErrorMessage,
			"correlation_id", h.CorrelationID,
		)
	default:
		c.logger.Debug("unsolicited message",
			"message_type", h.MessageType,
			"sender_id", h.SenderID,
			"correlation_id", h.CorrelationID,
		)
	}
}

func (c *Client) runTask(ctx context.Context, env *protocol.Envelope) {
	h := env.Header
	task := Task{CorrelationID: h.CorrelationID, From: h.SenderID, Payload: env.Payload}

	var (
		result map[string]any
		err    error
	)
	if c.opts.Handler == nil {
		err = ErrUnsupported
	} else {
		result, err = c.safeHandleTask(ctx, task)
	}

	reply := protocol.Header{
		SenderID:      c.opts.AgentID,
		CorrelationID: h.CorrelationID,
		TargetAgentID: h.SenderID,
	}
	var payload any
	if err != nil {
		reply.MessageType = protocol.TypeTaskFail
		payload = map[string]string{"error": err.Error()}
		c.logger.Warn("task failed", "from", h.SenderID, "correlation_id", h.CorrelationID, "error", err)
	} else {
		reply.MessageType = protocol.TypeTaskComplete
		payload = result
	}

	if err := c.Send(ctx, reply, payload); err != nil {
		c.logger.Error("sending task outcome", "error", err, "correlation_id", h.CorrelationID)
	}
}

func (c *Client) safeHandleTask(ctx context.Context, task Task) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return c.opts.Handler.HandleTask(ctx, task)
}

func (c *Client) runUserRequest(ctx context.Context, env *protocol.Envelope) {
	if c.opts.Handler == nil {
		c.logger.Warn("user request received without handler", "from", env.Header.SenderID)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("user request handler panic", "panic", fmt.Sprint(p))
		}
	}()
	req := UserRequest{CorrelationID: env.Header.CorrelationID, From: env.Header.SenderID, Payload: env.Payload}
	if err := c.opts.Handler.HandleUserRequest(ctx, req); err != nil {
		c.logger.Warn("user request failed", "from", req.From, "correlation_id", req.CorrelationID, "error", err)
	}
}

// Send writes one envelope; the sender id is always this agent's id.
func (c *Client) Send(ctx context.Context, h protocol.Header, payload any) error {
	h.SenderID = c.opts.AgentID
	env, err := protocol.NewEnvelope(h, payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// request sends h with a fresh correlation id and waits for the reply
// carrying the same id.
func (c *Client) request(ctx context.Context, h protocol.Header, payload any) (*protocol.Envelope, error) {
	h.CorrelationID = uuid.NewString()
	ch := make(chan *protocol.Envelope, 1)

	c.mu.Lock()
	c.pending[h.CorrelationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, h.CorrelationID)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, h, payload); err != nil {
		return nil, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if env.Header.MessageType == protocol.TypeError {
			var p protocol.ErrorPayload
			_ = env.DecodePayload(&p)
			return nil, &RouterError{Code: string(p.ErrorCode), Message: p.ErrorMessage}
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) resolve(correlationID string, env *protocol.Envelope) bool {
	if correlationID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Ping sends a PING and returns the round-trip time of its PONG.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.request(ctx, protocol.Header{MessageType: protocol.TypePing},
		map[string]string{"timestamp": start.UTC().Format(time.RFC3339)})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Announce registers this agent's capabilities with discovery.
func (c *Client) Announce(ctx context.Context) error {
	_, err := c.request(ctx, protocol.Header{
		MessageType:   protocol.TypeDiscoveryRegister,
		TargetService: protocol.ServiceDiscovery,
	}, map[string]any{
		"capabilities": c.opts.Capabilities,
		"metadata":     c.opts.Metadata,
	})
	return err
}

// Query returns live agents offering capability; empty lists every live agent.
func (c *Client) Query(ctx context.Context, capability string) ([]*discovery.Record, error) {
	env, err := c.request(ctx, protocol.Header{
		MessageType:   protocol.TypeDiscoveryQuery,
		TargetService: protocol.ServiceDiscovery,
	}, map[string]string{"capability": capability})
	if err != nil {
		return nil, err
	}
	var result discovery.ResultPayload
	if err := env.DecodePayload(&result); err != nil {
		return nil, fmt.Errorf("decoding discovery result: %w", err)
	}
	return result.Agents, nil
}

// AssignTask sends TASK_ASSIGN to target and waits for its outcome.
func (c *Client) AssignTask(ctx context.Context, target string, payload any) (map[string]any, error) {
	env, err := c.request(ctx, protocol.Header{
		MessageType:   protocol.TypeTaskAssign,
		TargetAgentID: target,
	}, payload)
	if err != nil {
		return nil, err
	}

	switch env.Header.MessageType {
	case protocol.TypeTaskComplete:
		var result map[string]any
		if err := env.DecodePayload(&result); err != nil {
			return nil, fmt.Errorf("decoding task result: %w", err)
		}
		return result, nil
	case protocol.TypeTaskFail:
		var p struct {
			Error string `json:"error"`
		}
		_ = env.DecodePayload(&p)
		return nil, &TaskFailedError{From: env.Header.SenderID, Reason: p.Error}
	default:
		return nil, fmt.Errorf("unexpected reply %s to task", env.Header.MessageType)
	}
}
