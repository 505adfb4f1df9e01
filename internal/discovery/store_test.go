// ABOUTME: Contract tests run against every discovery Store backend, Redis through miniredis.
// ABOUTME: Covers upsert semantics, capability lookup, deregistration, and ordering.

package discovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "discovery.db"))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			return newMiniredisStore(t)
		},
	}
}

func newMiniredisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
}

func TestStore_Contract(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("register and get", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()

				err := s.Register(ctx, &Record{
					AgentID:      "scorer_01",
					Capabilities: []string{"safety_scoring", "analytics", "safety_scoring"},
					Metadata:     map[string]any{"version": "2"},
				})
				require.NoError(t, err)

				rec, err := s.Get(ctx, "scorer_01")
				require.NoError(t, err)
				assert.Equal(t, "scorer_01", rec.AgentID)
				assert.Equal(t, []string{"analytics", "safety_scoring"}, rec.Capabilities)
				assert.Equal(t, "2", rec.Metadata["version"])
				assert.False(t, rec.RegisteredAt.IsZero())
			})

			t.Run("get missing", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				_, err := s.Get(context.Background(), "ghost")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("re-register replaces capabilities and keeps registered_at", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()

				first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
				require.NoError(t, s.Register(ctx, &Record{AgentID: "a", Capabilities: []string{"x"}, RegisteredAt: first}))
				require.NoError(t, s.Register(ctx, &Record{AgentID: "a", Capabilities: []string{"y"}}))

				rec, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, []string{"y"}, rec.Capabilities)
				assert.True(t, first.Equal(rec.RegisteredAt), "registered_at %v", rec.RegisteredAt)

				byX, err := s.FindByCapability(ctx, "x")
				require.NoError(t, err)
				assert.Empty(t, byX)
			})

			t.Run("find by capability", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Register(ctx, &Record{AgentID: "notify_02", Capabilities: []string{"notify"}}))
				require.NoError(t, s.Register(ctx, &Record{AgentID: "notify_01", Capabilities: []string{"notify", "email"}}))
				require.NoError(t, s.Register(ctx, &Record{AgentID: "legal_01", Capabilities: []string{"legal"}}))

				recs, err := s.FindByCapability(ctx, "notify")
				require.NoError(t, err)
				require.Len(t, recs, 2)
				assert.Equal(t, "notify_01", recs[0].AgentID)
				assert.Equal(t, "notify_02", recs[1].AgentID)
				assert.Equal(t, []string{"email", "notify"}, recs[0].Capabilities)
			})

			t.Run("capability change moves membership", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Register(ctx, &Record{AgentID: "a", Capabilities: []string{"x", "shared"}}))
				require.NoError(t, s.Register(ctx, &Record{AgentID: "b", Capabilities: []string{"shared"}}))
				require.NoError(t, s.Register(ctx, &Record{AgentID: "a", Capabilities: []string{"shared", "z"}}))

				byX, err := s.FindByCapability(ctx, "x")
				require.NoError(t, err)
				assert.Empty(t, byX)

				byZ, err := s.FindByCapability(ctx, "z")
				require.NoError(t, err)
				require.Len(t, byZ, 1)
				assert.Equal(t, "a", byZ[0].AgentID)

				shared, err := s.FindByCapability(ctx, "shared")
				require.NoError(t, err)
				require.Len(t, shared, 2)

				require.NoError(t, s.Deregister(ctx, "a"))
				shared, err = s.FindByCapability(ctx, "shared")
				require.NoError(t, err)
				require.Len(t, shared, 1)
				assert.Equal(t, "b", shared[0].AgentID)

				byZ, err = s.FindByCapability(ctx, "z")
				require.NoError(t, err)
				assert.Empty(t, byZ)
			})

			t.Run("list and deregister", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Register(ctx, &Record{AgentID: "b", Capabilities: []string{"c1"}}))
				require.NoError(t, s.Register(ctx, &Record{AgentID: "a"}))

				recs, err := s.List(ctx)
				require.NoError(t, err)
				require.Len(t, recs, 2)
				assert.Equal(t, "a", recs[0].AgentID)
				assert.Empty(t, recs[0].Capabilities)

				require.NoError(t, s.Deregister(ctx, "b"))
				require.NoError(t, s.Deregister(ctx, "never-registered"))

				recs, err = s.List(ctx)
				require.NoError(t, err)
				require.Len(t, recs, 1)

				byCap, err := s.FindByCapability(ctx, "c1")
				require.NoError(t, err)
				assert.Empty(t, byCap)
			})
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	caps := []string{"x"}
	require.NoError(t, s.Register(ctx, &Record{AgentID: "a", Capabilities: caps, Metadata: map[string]any{"k": "v"}}))
	caps[0] = "mutated"

	rec, err := s.Get(ctx, "a")
	require.NoError(t, err)
	rec.Metadata["k"] = "changed"

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Capabilities)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestMemoryStore_CopiesNestedMetadata(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	meta := map[string]any{"limits": map[string]any{"rps": 10}, "tags": []any{"beta"}}
	require.NoError(t, s.Register(ctx, &Record{AgentID: "a", Metadata: meta}))
	meta["limits"].(map[string]any)["rps"] = 99

	rec, err := s.Get(ctx, "a")
	require.NoError(t, err)
	rec.Metadata["tags"].([]any)[0] = "changed"

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 10, again.Metadata["limits"].(map[string]any)["rps"])
	assert.Equal(t, []any{"beta"}, again.Metadata["tags"])
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Register(ctx, &Record{AgentID: "commander_agent_07", Capabilities: []string{"plan"}}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, "commander_agent_07")
	require.NoError(t, err)
	assert.Equal(t, []string{"plan"}, rec.Capabilities)
}

func TestRedisStore_SkipsDanglingIndexEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, &Record{AgentID: "live", Capabilities: []string{"notify"}}))
	_, err := mr.SAdd(s.indexKey(), "ghost")
	require.NoError(t, err)
	_, err = mr.SAdd(s.capabilityKey("notify"), "ghost")
	require.NoError(t, err)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "live", recs[0].AgentID)

	recs, err = s.FindByCapability(ctx, "notify")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "live", recs[0].AgentID)
}

func TestRedisStore_CustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "fleet")
	defer s.Close()

	require.NoError(t, s.Register(context.Background(), &Record{AgentID: "a1", Capabilities: []string{"plan"}}))
	assert.True(t, mr.Exists("fleet:agent:a1"))
	members, err := mr.Members("fleet:cap:plan")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, members)
}

func TestRedisStore_Keys(t *testing.T) {
	s := NewRedisStore(nil, "")
	assert.Equal(t, "coven:discovery:agent:a1", s.agentKey("a1"))
	assert.Equal(t, "coven:discovery:cap:notify", s.capabilityKey("notify"))
	assert.Equal(t, "coven:discovery:agents", s.indexKey())

	custom := NewRedisStore(nil, "test")
	assert.Equal(t, "test:agent:a1", custom.agentKey("a1"))
}
