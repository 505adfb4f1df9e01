// ABOUTME: Gateway orchestrator that wires the registry, dispatcher and discovery into an HTTP server
// ABOUTME: Manages listeners (TCP or tailscale), the discovery store and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/2389/coven-router/internal/agent"
	"github.com/2389/coven-router/internal/auth"
	"github.com/2389/coven-router/internal/config"
	"github.com/2389/coven-router/internal/discovery"
	"github.com/2389/coven-router/internal/router"
)

// Gateway owns every long-lived component of the router process.
type Gateway struct {
	config      *config.Config
	registry    *agent.Registry
	forwarder   *agent.Forwarder
	dispatcher  *router.Dispatcher
	discovery   *discovery.SubRouter
	store       discovery.Store
	verifier    auth.TokenVerifier
	upgrader    websocket.Upgrader
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this router instance
	serverID  string
	startedAt time.Time

	// sockets tracks live WebSocket handlers so Shutdown can wait for them
	sockets sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// initDiscoveryStore opens the backend selected by discovery.backend.
func initDiscoveryStore(ctx context.Context, cfg config.DiscoveryConfig, logger *slog.Logger) (discovery.Store, error) {
	switch cfg.Backend {
	case config.DiscoverySQLite:
		s, err := discovery.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite discovery store: %w", err)
		}
		logger.Info("discovery store ready", "backend", cfg.Backend, "path", cfg.SQLitePath)
		return s, nil
	case config.DiscoveryRedis:
		s, err := discovery.NewRedisStoreFromOptions(ctx, discovery.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("discovery store ready", "backend", cfg.Backend, "addr", cfg.RedisAddr)
		return s, nil
	case config.DiscoveryMemory, "":
		logger.Info("discovery store ready", "backend", config.DiscoveryMemory)
		return discovery.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", cfg.Backend)
	}
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := initDiscoveryStore(ctx, cfg.Discovery, logger.With("component", "discovery"))
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, store, logger), nil
}

// NewWithStore creates a Gateway around an already opened discovery store.
// The gateway takes ownership of store and closes it on Shutdown.
func NewWithStore(cfg *config.Config, store discovery.Store, logger *slog.Logger) *Gateway {
	registry := agent.NewRegistry(logger.With("component", "registry"))
	forwarder := agent.NewForwarder(registry, cfg.Router.WriteTimeout, logger.With("component", "forwarder"))

	sub := discovery.NewSubRouter(discovery.Config{
		Store:       store,
		Presence:    registry,
		Deliverer:   forwarder,
		AnnounceTTL: cfg.Discovery.AnnounceTTL,
		Logger:      logger.With("component", "discovery"),
	})

	gw := &Gateway{
		config:    cfg,
		registry:  registry,
		forwarder: forwarder,
		discovery: sub,
		store:     store,
		dispatcher: router.NewDispatcher(router.Options{
			Directory:        registry,
			Sender:           forwarder,
			Discovery:        sub,
			CommanderPattern: cfg.Router.CommanderPattern,
			Logger:           logger,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; identity comes from the path and token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    logger.With("component", "gateway"),
		serverID:  generateServerID(),
		startedAt: time.Now(),
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		gw.logger.Warn("auth.jwt_secret not set, agent connections are unauthenticated")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// Handler returns the HTTP handler serving agent sockets, health and API routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+g.config.Server.WSPath+"{agent_id}", g.handleAgentSocket)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/stats", g.handleStats)
	return mux
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *agent.Registry {
	return g.registry
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting router", "http_addr", g.config.Server.HTTPAddr, "server_id", g.serverID)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is canceled, then shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes every agent socket and
// releases the discovery store and tailscale node. Later calls return the
// result of the first.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down router")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not tracked by http.Server.
	for _, conn := range g.registry.Connections() {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		g.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for agent sockets: %w", ctx.Err()))
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "discovery store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// generateServerID creates a unique identifier for this router instance.
func generateServerID() string {
	return "coven-router-" + uuid.NewString()[:8]
}
