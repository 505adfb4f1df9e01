// ABOUTME: In-memory discovery Store used by default and in tests.
// ABOUTME: Records are copied on the way in and out so callers cannot alias them.

package discovery

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps discovery records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		c.Metadata = cloneMetadata(r.Metadata)
	}
	return &c
}

// cloneMetadata copies nested JSON objects and arrays so callers never share them.
func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMetadata(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func (s *MemoryStore) Register(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := cloneRecord(rec)
	stored.Capabilities = normalizeCapabilities(stored.Capabilities)
	stored.UpdatedAt = now
	if prev, ok := s.records[rec.AgentID]; ok {
		stored.RegisteredAt = prev.RegisteredAt
	} else if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	s.records[rec.AgentID] = stored
	return nil
}

func (s *MemoryStore) Deregister(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, agentID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, agentID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) FindByCapability(_ context.Context, capability string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if rec.HasCapability(capability) {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
