// Package agent tracks connected agents and delivers frames to them.
//
// # Registry
//
// The Registry is the single owner of live connections, keyed by agent id:
//
//	reg := agent.NewRegistry(logger)
//	replaced := reg.Register(conn) // last writer wins
//	defer reg.UnregisterConn(conn)
//
// Key operations:
//
//   - Register(conn): bind conn to conn.ID, returning any connection it replaced
//   - Unregister(agentID): drop the entry, no-op when absent
//   - UnregisterConn(conn): drop the entry only if it still points at conn
//   - Lookup(agentID): fetch the live connection for an id
//   - List(): sorted ids of every live connection
//
// Other components never keep a *Connection beyond a single delivery; they go
// back through Lookup each time, so an unregistered agent is unreachable at once.
//
// # Connection
//
// A Connection wraps a Transport (a WebSocket in production) and serializes
// writes with a per-connection lock, so the router's replies and frames
// forwarded from other agents never interleave on the wire.
//
// # Forwarder
//
// The Forwarder resolves a target through the registry and writes to it. It
// never returns an error; the outcome is a ForwardResult:
//
//	switch fwd.Forward(ctx, sender, env, target) {
//	case agent.Delivered:
//	case agent.TargetNotConnected: // no I/O was attempted
//	case agent.WriteFailed:        // transport error or timeout
//	}
//
// # Thread Safety
//
// Registry, Connection and Forwarder are safe for concurrent use.
package agent
