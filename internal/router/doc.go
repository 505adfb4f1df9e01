// ABOUTME: Package router classifies inbound envelopes and decides where each one goes.
// ABOUTME: It owns the dispatch state machine, commander resolution and routing counters.

// Package router implements the per-frame dispatch state machine.
//
// A Dispatcher receives raw frames from one connection at a time. Each frame
// is decoded, checked against the identity bound to its connection, and then
// either delegated to the discovery sub-router, forwarded to another agent,
// answered locally (PING), dropped, or rejected with an error envelope.
//
// The Dispatcher keeps no state between frames beyond counters; all routing
// state lives in the agent.Registry.
package router
