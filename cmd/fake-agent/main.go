// ABOUTME: Minimal fake agent for E2E testing, connects over WebSocket and echoes tasks.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080/ws/] [-id e2e-echo-agent] [-cap echo]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/2389/coven-router/internal/agentclient"
)

func main() {
	routerURL := flag.String("url", "ws://localhost:8080/ws/", "router WebSocket base URL")
	agentID := flag.String("id", "e2e-echo-agent", "Agent ID")
	role := flag.String("role", "", "Agent role (e.g. commander)")
	token := flag.String("token", os.Getenv("COVEN_AGENT_TOKEN"), "Bearer token when the router requires auth")
	caps := flag.String("cap", "echo", "Comma-separated capabilities to announce")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, agentclient.Options{
		URL:          *routerURL,
		AgentID:      *agentID,
		Role:         *role,
		Token:        *token,
		Capabilities: splitCaps(*caps),
		Metadata:     map[string]any{"kind": "fake-agent"},
		Handler:      agentclient.EchoHandler{},
		Logger:       logger,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "fake-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, opts agentclient.Options) error {
	client, err := agentclient.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	logger.Info("connected", "agent_id", client.ID(), "url", opts.URL, "capabilities", opts.Capabilities)
	return client.Run(ctx)
}

func splitCaps(s string) []string {
	var caps []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}
