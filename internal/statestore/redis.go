package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// RedisStore keeps each entity's state as a JSON string under prefix+entityID.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis using a redis:// URL.
func NewRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisFromClient(client, prefix), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "orgcoord:state:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(entityID string) string {
	return s.prefix + entityID
}

// Load reads the entity's state
func (s *RedisStore) Load(ctx context.Context, entityID string) (*models.CoordinatorState, error) {
	data, err := s.client.Get(ctx, s.key(entityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", entityID, err)
	}

	var state models.CoordinatorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", entityID, err)
	}
	return &state, nil
}

// Save writes the entity's state without expiry
func (s *RedisStore) Save(ctx context.Context, state *models.CoordinatorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", state.EntityID, err)
	}
	if err := s.client.Set(ctx, s.key(state.EntityID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", state.EntityID, err)
	}
	return nil
}

// Delete removes the entity's state
func (s *RedisStore) Delete(ctx context.Context, entityID string) error {
	if err := s.client.Del(ctx, s.key(entityID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", entityID, err)
	}
	return nil
}

// CountByPhase scans every state key and tallies phases. It reads the whole
// keyspace under the prefix, so callers should sample it, not poll it.
func (s *RedisStore) CountByPhase(ctx context.Context) (map[models.Phase]int, error) {
	counts := make(map[models.Phase]int)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", iter.Val(), err)
		}
		var state struct {
			Phase models.Phase `json:"phase"`
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", iter.Val(), err)
		}
		counts[state.Phase]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan states: %w", err)
	}
	return counts, nil
}

// Ping verifies Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
