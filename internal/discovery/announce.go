// ABOUTME: Remembers each agent's last announcement so identical re-announcements skip the backend.
// ABOUTME: Bounded by the number of agents; entries expire after the announce TTL.

package discovery

import (
	"encoding/json"
	"sync"
	"time"
)

type announcement struct {
	fingerprint string
	at          time.Time
}

// announceCache tracks the fingerprint of each agent's latest registration.
type announceCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	last map[string]announcement
	now  func() time.Time
}

func newAnnounceCache(ttl time.Duration) *announceCache {
	return &announceCache{
		ttl:  ttl,
		last: make(map[string]announcement),
		now:  time.Now,
	}
}

// fresh reports whether agentID announced the same fingerprint within the TTL.
func (c *announceCache) fresh(agentID, fingerprint string) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.last[agentID]
	return ok && a.fingerprint == fingerprint && c.now().Sub(a.at) < c.ttl
}

func (c *announceCache) remember(agentID, fingerprint string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, a := range c.last {
		if now.Sub(a.at) >= c.ttl {
			delete(c.last, id)
		}
	}
	c.last[agentID] = announcement{fingerprint: fingerprint, at: now}
}

func (c *announceCache) forget(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, agentID)
}

// fingerprintOf is stable for equal capability sets and metadata maps.
func fingerprintOf(caps []string, metadata map[string]any) string {
	data, _ := json.Marshal(struct {
		Caps []string       `json:"c"`
		Meta map[string]any `json:"m"`
	}{normalizeCapabilities(caps), metadata})
	return string(data)
}
