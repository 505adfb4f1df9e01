// Package gateway runs the coven-router server process.
//
// # Overview
//
// A Gateway owns the agent.Registry, the agent.Forwarder, the router
// Dispatcher and the discovery SubRouter, and serves them over HTTP:
//
//	GET /ws/{agent_id}   agent WebSocket, one JSON envelope per text frame
//	GET /health          liveness
//	GET /health/ready    503 until at least one agent is connected
//	GET /api/agents      connected agents
//	GET /api/stats       routing counters
//
// # Agent Connections
//
// The agent id is taken from the connection path and bound to the socket for
// its lifetime; every envelope's sender_id must equal it. A second connection
// under the same id replaces the first, which is closed. When auth.jwt_secret
// is configured the upgrade request must carry a token (Authorization header
// or ?token=) whose subject is the agent id. Without auth, ?role=commander
// marks an explicit commander.
//
// The router pings each socket every agents.heartbeat_interval and drops
// sockets that stay silent past agents.heartbeat_timeout.
//
// # Listeners
//
// The server listens on server.http_addr, or on port 80 of a tsnet node when
// tailscale.enabled is set.
package gateway
