package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trycompai/comp-sub003/internal/domain/oauth"
	"github.com/trycompai/comp-sub003/internal/repository"
)

const statePrefix = "integrations:oauth:state:"

// RedisStateStore implements StateStore backed by Redis. Keys carry the state
// TTL so expired entries disappear without an external sweeper; Consume uses
// GETDEL so concurrent callbacks on the same state see it at most once.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Save stores the encoded OAuth state payload with TTL.
func (s *RedisStateStore) Save(ctx context.Context, state oauth.State, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Until(state.ExpiresAt)
	}
	if err := s.client.Set(ctx, stateKey(state.State), payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Get loads and decodes the state payload without consuming it.
func (s *RedisStateStore) Get(ctx context.Context, stateValue string) (*oauth.State, error) {
	bytes, err := s.client.Get(ctx, stateKey(stateValue)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeState(bytes)
}

// Consume atomically loads and deletes the state. A second racer observes
// redis.Nil and gets nil.
func (s *RedisStateStore) Consume(ctx context.Context, stateValue string) (*oauth.State, error) {
	bytes, err := s.client.GetDel(ctx, stateKey(stateValue)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	return decodeState(bytes)
}

// Delete removes the persisted state key.
func (s *RedisStateStore) Delete(ctx context.Context, stateValue string) error {
	if err := s.client.Del(ctx, stateKey(stateValue)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// DeleteExpired sweeps state keys whose payload expiry has passed. Keys saved
// with a TTL expire natively; the sweep covers entries persisted without one.
func (s *RedisStateStore) DeleteExpired(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
		now     = time.Now().UTC()
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, statePrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan states: %w", err)
		}
		for _, key := range keys {
			bytes, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			state, err := decodeState(bytes)
			if err != nil || !state.Expired(now) {
				continue
			}
			if s.client.Del(ctx, key).Err() == nil {
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func stateKey(stateValue string) string {
	return statePrefix + stateValue
}

func decodeState(bytes []byte) (*oauth.State, error) {
	var state oauth.State
	if err := json.Unmarshal(bytes, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}
