// ABOUTME: Redis implementation of the discovery Store for routers sharing one registry.
// ABOUTME: Records are JSON strings; capability membership is kept in Redis sets.

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces every key written by RedisStore.
const DefaultRedisKeyPrefix = "coven:discovery"

// RedisStore implements Store on top of Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures NewRedisStoreFromOptions.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultRedisKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromOptions dials Redis and verifies the connection with PING.
func NewRedisStoreFromOptions(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStore(client, opts.KeyPrefix), nil
}

func (s *RedisStore) agentKey(agentID string) string {
	return s.prefix + ":agent:" + agentID
}

func (s *RedisStore) capabilityKey(capability string) string {
	return s.prefix + ":cap:" + capability
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":agents"
}

// Register stores rec and moves its id between capability sets.
func (s *RedisStore) Register(ctx context.Context, rec *Record) error {
	prev, err := s.Get(ctx, rec.AgentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	stored := cloneRecord(rec)
	stored.Capabilities = normalizeCapabilities(stored.Capabilities)
	stored.UpdatedAt = now
	switch {
	case prev != nil:
		stored.RegisteredAt = prev.RegisteredAt
	case stored.RegisteredAt.IsZero():
		stored.RegisteredAt = now
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.agentKey(rec.AgentID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), rec.AgentID)
		if prev != nil {
			for _, c := range prev.Capabilities {
				if !stored.HasCapability(c) {
					pipe.SRem(ctx, s.capabilityKey(c), rec.AgentID)
				}
			}
		}
		for _, c := range stored.Capabilities {
			pipe.SAdd(ctx, s.capabilityKey(c), rec.AgentID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing record for %s: %w", rec.AgentID, err)
	}
	return nil
}

// Deregister removes the record and its capability memberships.
func (s *RedisStore) Deregister(ctx context.Context, agentID string) error {
	prev, err := s.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.agentKey(agentID))
		pipe.SRem(ctx, s.indexKey(), agentID)
		for _, c := range prev.Capabilities {
			pipe.SRem(ctx, s.capabilityKey(c), agentID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting record for %s: %w", agentID, err)
	}
	return nil
}

// Get returns the record for agentID or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, agentID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.agentKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record for %s: %w", agentID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record for %s: %w", agentID, err)
	}
	return &rec, nil
}

// FindByCapability returns the records in the capability's member set.
func (s *RedisStore) FindByCapability(ctx context.Context, capability string) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.capabilityKey(capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading capability %q: %w", capability, err)
	}
	return s.load(ctx, ids)
}

// List returns every registered record.
func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading agent index: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.agentKey(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}

	out := make([]*Record, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without a record; skipped until the next Register repairs it.
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decoding record for %s: %w", ids[i], err)
		}
		out = append(out, &rec)
	}
	sortRecords(out)
	return out, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
