// ABOUTME: Discovery record type and the Store interface every backend implements.
// ABOUTME: Backends are simple register/lookup registries; liveness comes from the router.

package discovery

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned when no record exists for an agent.
var ErrNotFound = errors.New("discovery record not found")

// Record describes what an agent announced about itself.
type Record struct {
	AgentID      string         `json:"agent_id"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasCapability reports whether the record lists capability.
func (r *Record) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

// Store persists discovery records.
type Store interface {
	// Register inserts or replaces the record for rec.AgentID.
	// RegisteredAt of an existing record is preserved.
	Register(ctx context.Context, rec *Record) error
	// Deregister removes the record. Missing records are not an error.
	Deregister(ctx context.Context, agentID string) error
	// Get returns ErrNotFound when the agent never registered.
	Get(ctx context.Context, agentID string) (*Record, error)
	FindByCapability(ctx context.Context, capability string) ([]*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Close() error
}

func sortRecords(recs []*Record) {
	slices.SortFunc(recs, func(a, b *Record) int {
		switch {
		case a.AgentID < b.AgentID:
			return -1
		case a.AgentID > b.AgentID:
			return 1
		}
		return 0
	})
}

func normalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}
