// Package discovery handles envelopes addressed to the "DISCOVERY" service.
//
// Agents announce what they can do and look up peers through the router:
//
//	DISCOVERY_REGISTER   {"capabilities": ["safety_scoring"], "metadata": {"version": 2, "region": "eu"}}
//	DISCOVERY_DEREGISTER {}
//	DISCOVERY_QUERY      {"capability": "safety_scoring"} or {"agent_id": "scorer_01"}
//
// Registrations and deregistrations are answered with DISCOVERY_ACK, queries
// with DISCOVERY_RESULT. Records are always stored under the identity of the
// connection the frame arrived on, never under an id taken from the payload.
// Query results only include agents that currently hold a live connection.
//
// # Backends
//
// Records live in a Store. Three implementations are provided:
//
//   - MemoryStore: process-local, lost on restart
//   - SQLiteStore: modernc.org/sqlite file, survives restarts
//   - RedisStore: shared between router replicas
//
// Repeated identical announcements within the announce TTL are acknowledged
// without touching the backend.
package discovery
