// ABOUTME: HTTP health, readiness and introspection endpoints
// ABOUTME: Lists connected agents and exposes routing counters as JSON

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-router/internal/router"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	ServerID        string               `json:"server_id"`
	UptimeSeconds   int64                `json:"uptime_seconds"`
	ConnectedAgents int                  `json:"connected_agents"`
	Frames          router.StatsSnapshot `json:"frames"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.registry.ListAgents())
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatsResponse{
		ServerID:        g.serverID,
		UptimeSeconds:   int64(time.Since(g.startedAt).Seconds()),
		ConnectedAgents: g.registry.Len(),
		Frames:          g.dispatcher.Stats(),
	})
}
