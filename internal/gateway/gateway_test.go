// ABOUTME: End-to-end tests for the gateway over real WebSocket connections
// ABOUTME: Covers handshake, routing round trips, discovery, auth and shutdown

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/config"
	"github.com/2389/coven-router/internal/discovery"
	"github.com/2389/coven-router/internal/protocol"
)

const testJWTSecret = "test-secret-key-for-jwt-signing-0123456789"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Router.WriteTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	gw := NewWithStore(cfg, discovery.NewMemoryStore(), testLogger())
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, srv
}

func wsURL(srv *httptest.Server, agentID, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + agentID
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialAgent(t *testing.T, gw *Gateway, srv *httptest.Server, agentID, query string) *websocket.Conn {
	t.Helper()
	before := gw.registry.Len()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, agentID, query), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool {
		return gw.registry.IsOnline(agentID) && gw.registry.Len() >= before
	}, 2*time.Second, 10*time.Millisecond)
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, h protocol.Header, payload any) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(h, payload)
	require.NoError(t, err)
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
	return data
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return data
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(readFrame(t, ws))
	require.NoError(t, err)
	return env
}

func requireErrorCode(t *testing.T, env *protocol.Envelope, code protocol.ErrorCode) {
	t.Helper()
	require.Equal(t, protocol.TypeError, env.Header.MessageType)
	var p protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, code, p.ErrorCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestReadyEndpoint(t *testing.T) {
	gw, srv := newTestGateway(t, nil)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	dialAgent(t, gw, srv, "worker1", "")

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "1 agents")
}

func TestAgentSocket_PingPong(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	ws := dialAgent(t, gw, srv, "worker1", "")

	sendEnvelope(t, ws, protocol.Header{
		MessageType:   protocol.TypePing,
		SenderID:      "worker1",
		CorrelationID: "abc",
	}, map[string]string{"timestamp": "2026-01-01T00:00:00Z"})

	env := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypePong, env.Header.MessageType)
	assert.Equal(t, protocol.RouterID, env.Header.SenderID)
	assert.Equal(t, "abc", env.Header.CorrelationID)

	var p map[string]string
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "acknowledged", p["status"])
	assert.Equal(t, "2026-01-01T00:00:00Z", p["timestamp"])
}

func TestAgentSocket_TaskRoundTrip(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	cmd := dialAgent(t, gw, srv, "commander_agent_07", "")
	worker := dialAgent(t, gw, srv, "worker1", "")

	sent := sendEnvelope(t, cmd, protocol.Header{
		MessageType:   protocol.TypeTaskAssign,
		SenderID:      "commander_agent_07",
		CorrelationID: "task-1",
		TargetAgentID: "worker1",
	}, map[string]string{"task": "score"})

	assert.Equal(t, sent, readFrame(t, worker), "forwarded frame must be unmodified")

	sendEnvelope(t, worker, protocol.Header{
		MessageType:   protocol.TypeTaskComplete,
		SenderID:      "worker1",
		CorrelationID: "task-1",
		TargetAgentID: "commander_agent_07",
	}, map[string]string{"result": "42"})

	env := readEnvelope(t, cmd)
	assert.Equal(t, protocol.TypeTaskComplete, env.Header.MessageType)
	assert.Equal(t, "worker1", env.Header.SenderID)
	assert.Equal(t, "task-1", env.Header.CorrelationID)
}

func TestAgentSocket_UserRequestToCommander(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	dialAgent(t, gw, srv, "planner_agent_01", "")
	cmd := dialAgent(t, gw, srv, "commander_agent_07", "")
	user := dialAgent(t, gw, srv, "web_frontend", "")

	sent := sendEnvelope(t, user, protocol.Header{
		MessageType:   protocol.TypeProcessUserRequest,
		SenderID:      "web_frontend",
		CorrelationID: "u-1",
	}, map[string]string{"text": "hello"})

	assert.Equal(t, sent, readFrame(t, cmd))
}

func TestAgentSocket_SenderMismatch(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	ws := dialAgent(t, gw, srv, "A", "")
	dialAgent(t, gw, srv, "B", "")

	sendEnvelope(t, ws, protocol.Header{
		MessageType:   protocol.TypeTaskAssign,
		SenderID:      "B",
		TargetAgentID: "A",
	}, nil)

	env := readEnvelope(t, ws)
	requireErrorCode(t, env, protocol.ErrCodeSenderMismatch)
	assert.Equal(t, "A", env.Header.TargetAgentID)
}

func TestAgentSocket_MalformedFramesKeepConnection(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	ws := dialAgent(t, gw, srv, "A", "")

	for range 3 {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
		requireErrorCode(t, readEnvelope(t, ws), protocol.ErrCodeInvalidFormat)
	}

	sendEnvelope(t, ws, protocol.Header{MessageType: protocol.TypePing, SenderID: "A"}, nil)
	assert.Equal(t, protocol.TypePong, readEnvelope(t, ws).Header.MessageType)
}

func TestAgentSocket_ReconnectReplacesConnection(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	first := dialAgent(t, gw, srv, "A", "")
	second := dialAgent(t, gw, srv, "A", "")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err, "replaced socket must be closed")

	sendEnvelope(t, second, protocol.Header{MessageType: protocol.TypePing, SenderID: "A", CorrelationID: "r"}, nil)
	assert.Equal(t, "r", readEnvelope(t, second).Header.CorrelationID)
	assert.True(t, gw.registry.IsOnline("A"))
	assert.Equal(t, 1, gw.registry.Len())
}

func TestAgentSocket_DisconnectUnregisters(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	ws := dialAgent(t, gw, srv, "A", "")
	other := dialAgent(t, gw, srv, "B", "")

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return !gw.registry.IsOnline("A") }, 2*time.Second, 10*time.Millisecond)

	sendEnvelope(t, other, protocol.Header{
		MessageType:   protocol.TypeTaskAssign,
		SenderID:      "B",
		TargetAgentID: "A",
	}, nil)
	requireErrorCode(t, readEnvelope(t, other), protocol.ErrCodeTaskForwardFailed)
}

func TestAgentSocket_StalledAgentDroppedAfterWriteFailure(t *testing.T) {
	gw, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Router.WriteTimeout = 200 * time.Millisecond
		cfg.Router.MaxMessageBytes = 8 << 20
	})
	sender := dialAgent(t, gw, srv, "A", "")
	dialAgent(t, gw, srv, "B", "") // never reads

	replies := make(chan *protocol.Envelope, 16)
	go func() {
		defer close(replies)
		for {
			_, data, err := sender.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil {
				replies <- env
			}
		}
	}()
	nextReply := func(wait time.Duration) *protocol.Envelope {
		select {
		case env, ok := <-replies:
			require.True(t, ok, "sender socket closed unexpectedly")
			return env
		case <-time.After(wait):
			return nil
		}
	}

	// Fill B's socket buffers until a write to it times out.
	blob := strings.Repeat("x", 2<<20)
	var failed *protocol.Envelope
	for i := 0; i < 64 && failed == nil; i++ {
		sendEnvelope(t, sender, protocol.Header{
			MessageType:   protocol.TypeTaskAssign,
			SenderID:      "A",
			CorrelationID: fmt.Sprintf("big-%d", i),
			TargetAgentID: "B",
		}, map[string]string{"blob": blob})
		failed = nextReply(50 * time.Millisecond)
	}
	require.NotNil(t, failed, "writes to an agent that stopped reading must time out")
	requireErrorCode(t, failed, protocol.ErrCodeTaskForwardFailed)

	require.Eventually(t, func() bool { return !gw.registry.IsOnline("B") }, 3*time.Second, 10*time.Millisecond,
		"an agent whose write failed must be unregistered")

	sendEnvelope(t, sender, protocol.Header{
		MessageType:   protocol.TypeTaskAssign,
		SenderID:      "A",
		CorrelationID: "small",
		TargetAgentID: "B",
	}, map[string]string{"task": "score"})

	var env *protocol.Envelope
	for env == nil || env.Header.CorrelationID != "small" {
		env = nextReply(3 * time.Second)
		require.NotNil(t, env, "no reply to the follow-up task")
	}
	requireErrorCode(t, env, protocol.ErrCodeTaskForwardFailed)
	assert.True(t, gw.registry.IsOnline("A"))
}

func TestAgentSocket_Discovery(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	scorer := dialAgent(t, gw, srv, "scorer_01", "")
	asker := dialAgent(t, gw, srv, "commander_agent_07", "")

	sendEnvelope(t, scorer, protocol.Header{
		MessageType:   protocol.TypeDiscoveryRegister,
		SenderID:      "scorer_01",
		CorrelationID: "d-1",
		TargetService: protocol.ServiceDiscovery,
	}, map[string]any{"capabilities": []string{"safety_scoring"}})

	ack := readEnvelope(t, scorer)
	assert.Equal(t, protocol.TypeDiscoveryAck, ack.Header.MessageType)
	assert.Equal(t, "d-1", ack.Header.CorrelationID)

	sendEnvelope(t, asker, protocol.Header{
		MessageType:   protocol.TypeDiscoveryQuery,
		SenderID:      "commander_agent_07",
		TargetService: protocol.ServiceDiscovery,
	}, map[string]string{"capability": "safety_scoring"})

	res := readEnvelope(t, asker)
	require.Equal(t, protocol.TypeDiscoveryResult, res.Header.MessageType)
	var result discovery.ResultPayload
	require.NoError(t, res.DecodePayload(&result))
	require.Len(t, result.Agents, 1)
	assert.Equal(t, "scorer_01", result.Agents[0].AgentID)

	require.NoError(t, scorer.Close())
	require.Eventually(t, func() bool { return !gw.registry.IsOnline("scorer_01") }, 2*time.Second, 10*time.Millisecond)

	sendEnvelope(t, asker, protocol.Header{
		MessageType:   protocol.TypeDiscoveryQuery,
		SenderID:      "commander_agent_07",
		TargetService: protocol.ServiceDiscovery,
	}, map[string]string{"capability": "safety_scoring"})
	require.NoError(t, readEnvelope(t, asker).DecodePayload(&result))
	assert.Empty(t, result.Agents, "offline agents are filtered out")
}

func TestAgentSocket_ReservedID(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, protocol.RouterID, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentSocket_Auth(t *testing.T) {
	gw, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = testJWTSecret
	})
	verifier := auth.NewJWTVerifier([]byte(testJWTSecret))

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "worker1", ""), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token for another agent", func(t *testing.T) {
		token, err := verifier.Generate("someone_else", "", time.Hour)
		require.NoError(t, err)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "worker1", "token="+token), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("role from token", func(t *testing.T) {
		bossToken, err := verifier.Generate("boss", "commander", time.Hour)
		require.NoError(t, err)
		userToken, err := verifier.Generate("web_frontend", "", time.Hour)
		require.NoError(t, err)

		// A commander-looking id without the role loses to the token role.
		impostorToken, err := verifier.Generate("commander_x", "", time.Hour)
		require.NoError(t, err)

		boss := dialAgent(t, gw, srv, "boss", "token="+bossToken)
		dialAgent(t, gw, srv, "commander_x", "token="+impostorToken+"&role=commander")

		header := http.Header{}
		header.Set("Authorization", "Bearer "+userToken)
		user, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "web_frontend", ""), header)
		require.NoError(t, err)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		defer user.Close()
		require.Eventually(t, func() bool { return gw.registry.IsOnline("web_frontend") }, 2*time.Second, 10*time.Millisecond)

		sent := sendEnvelope(t, user, protocol.Header{
			MessageType: protocol.TypeProcessUserRequest,
			SenderID:    "web_frontend",
		}, nil)
		assert.Equal(t, sent, readFrame(t, boss))
	})
}

func TestAPIAgentsAndStats(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	ws := dialAgent(t, gw, srv, "worker1", "role=scorer")

	sendEnvelope(t, ws, protocol.Header{MessageType: protocol.TypePing, SenderID: "worker1"}, nil)
	readEnvelope(t, ws)

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var agents []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "worker1", agents[0]["agent_id"])
	assert.Equal(t, "scorer", agents[0]["role"])

	statsResp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.ConnectedAgents)
	assert.Equal(t, int64(1), stats.Frames.Received)
	assert.Equal(t, int64(1), stats.Frames.Pings)
	assert.True(t, strings.HasPrefix(stats.ServerID, "coven-router-"))
}

func TestGatewayServeAndShutdown(t *testing.T) {
	cfg := config.Default()
	gw := NewWithStore(cfg, discovery.NewMemoryStore(), testLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/worker1", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer ws.Close()
	require.Eventually(t, func() bool { return gw.registry.IsOnline("worker1") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "agent sockets are closed on shutdown")
	assert.Zero(t, gw.registry.Len())
}

func TestInitDiscoveryStore(t *testing.T) {
	ctx := context.Background()

	s, err := initDiscoveryStore(ctx, config.DiscoveryConfig{Backend: config.DiscoveryMemory}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &discovery.MemoryStore{}, s)

	s, err = initDiscoveryStore(ctx, config.DiscoveryConfig{
		Backend:    config.DiscoverySQLite,
		SQLitePath: t.TempDir() + "/discovery.db",
	}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &discovery.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = initDiscoveryStore(ctx, config.DiscoveryConfig{
		Backend:   config.DiscoveryRedis,
		RedisAddr: mr.Addr(),
		KeyPrefix: "test",
	}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &discovery.RedisStore{}, s)
	require.NoError(t, s.Register(ctx, &discovery.Record{AgentID: "a1"}))
	assert.True(t, mr.Exists("test:agent:a1"))
	require.NoError(t, s.Close())

	_, err = initDiscoveryStore(ctx, config.DiscoveryConfig{
		Backend:   config.DiscoveryRedis,
		RedisAddr: "127.0.0.1:1",
	}, testLogger())
	assert.Error(t, err, "unreachable redis must fail startup")

	_, err = initDiscoveryStore(ctx, config.DiscoveryConfig{Backend: "etcd"}, testLogger())
	assert.Error(t, err)
}
