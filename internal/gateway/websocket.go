// ABOUTME: WebSocket endpoint agents connect to, one socket per agent id
// ABOUTME: Binds identity at upgrade, feeds frames to the dispatcher and keeps the link alive

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-router/internal/agent"
	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/protocol"
)

// controlWriteWait bounds ping and close control frames.
const controlWriteWait = 5 * time.Second

// wsTransport adapts a gorilla connection to agent.Transport.
// agent.Connection serializes calls to WriteMessage.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(controlWriteWait))
	return t.conn.Close()
}

// handleAgentSocket handles GET <ws_path>{agent_id}.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	if agentID == protocol.RouterID {
		http.Error(w, "agent id is reserved", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	role := r.URL.Query().Get("role")
	if g.verifier != nil {
		claims, err := auth.AuthorizeAgent(g.verifier, r, agentID)
		if err != nil {
			g.logger.Warn("agent handshake rejected", "agent_id", agentID, "remote_addr", r.RemoteAddr, "error", err)
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrIdentityMismatch) {
				status = http.StatusForbidden
			}
			http.Error(w, "unauthorized", status)
			return
		}
		// The token is authoritative for the role when auth is on.
		role = claims.Role
		ctx = auth.WithAgent(ctx, claims)
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	g.sockets.Add(1)
	defer g.sockets.Done()

	conn := agent.NewConnection(agent.ConnectionParams{
		ID:         agentID,
		Role:       role,
		RemoteAddr: r.RemoteAddr,
		Transport:  &wsTransport{conn: ws},
		Logger:     g.logger,
	})

	if replaced := g.registry.Register(conn); replaced != nil {
		g.logger.Info("closing replaced connection", "agent_id", agentID)
		_ = replaced.Close()
	}

	defer func() {
		_ = conn.Close()
		if g.registry.UnregisterConn(conn) {
			g.discovery.Forget(agentID)
		}
	}()

	g.serveSocket(ctx, ws, conn)
}

// serveSocket reads frames until the socket fails or goes quiet past the
// heartbeat timeout. Frames are dispatched in arrival order.
func (g *Gateway) serveSocket(ctx context.Context, ws *websocket.Conn, conn *agent.Connection) {
	timeout := g.config.Agents.HeartbeatTimeout
	interval := g.config.Agents.HeartbeatInterval

	g.logger.Debug("serving agent socket",
		"agent_id", conn.ID,
		"role", conn.Role,
		"authenticated", auth.FromContext(ctx) != nil,
	)

	if g.config.Router.MaxMessageBytes > 0 {
		ws.SetReadLimit(g.config.Router.MaxMessageBytes)
	}
	extendDeadline := func() error {
		if timeout <= 0 {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(timeout))
	}
	_ = extendDeadline()
	ws.SetPongHandler(func(string) error { return extendDeadline() })

	done := make(chan struct{})
	defer close(done)
	if interval > 0 {
		go g.heartbeat(ws, conn, interval, done)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.Closed() {
				g.logger.Warn("agent read error", "agent_id", conn.ID, "error", err)
			}
			return
		}
		_ = extendDeadline()
		g.dispatcher.HandleFrame(ctx, conn.ID, data)
	}
}

// heartbeat pings the agent every interval until done is closed. A failed
// ping closes the connection so the read loop exits and unregisters it.
func (g *Gateway) heartbeat(ws *websocket.Conn, conn *agent.Connection, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				g.logger.Warn("heartbeat ping failed, closing connection", "agent_id", conn.ID, "error", err)
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}
