// ABOUTME: Atomic routing counters exposed through the stats API.
// ABOUTME: Updated by the Dispatcher on every frame outcome.

package router

import "sync/atomic"

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Received      int64 `json:"received"`
	Forwarded     int64 `json:"forwarded"`
	ForwardFailed int64 `json:"forward_failed"`
	Rejected      int64 `json:"rejected"`
	Dropped       int64 `json:"dropped"`
	Discovery     int64 `json:"discovery"`
	Pings         int64 `json:"pings"`
	Panics        int64 `json:"panics"`
}

// Stats counts frame outcomes.
type Stats struct {
	received      atomic.Int64
	forwarded     atomic.Int64
	forwardFailed atomic.Int64
	rejected      atomic.Int64
	dropped       atomic.Int64
	discovery     atomic.Int64
	pings         atomic.Int64
	panics        atomic.Int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:      s.received.Load(),
		Forwarded:     s.forwarded.Load(),
		ForwardFailed: s.forwardFailed.Load(),
		Rejected:      s.rejected.Load(),
		Dropped:       s.dropped.Load(),
		Discovery:     s.discovery.Load(),
		Pings:         s.pings.Load(),
		Panics:        s.panics.Load(),
	}
}
