package relayq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// NoopBacklogStore is the null persistence capability: Save discards and
// Load restores nothing. Selected once at construction when durability is
// not wanted.
type NoopBacklogStore struct{}

func (NoopBacklogStore) Save(context.Context, []BacklogItem) error { return nil }

func (NoopBacklogStore) Load(context.Context) ([]BacklogItem, error) { return nil, nil }

// MemoryBacklogStore keeps the snapshot in process memory. Useful in tests
// and as a reference implementation of the store contract.
type MemoryBacklogStore struct {
	mu    sync.Mutex
	items []BacklogItem
}

// NewMemoryBacklogStore returns an empty in-memory store.
func NewMemoryBacklogStore() *MemoryBacklogStore {
	return &MemoryBacklogStore{}
}

func (s *MemoryBacklogStore) Save(_ context.Context, items []BacklogItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]BacklogItem(nil), items...)
	return nil
}

func (s *MemoryBacklogStore) Load(context.Context) ([]BacklogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BacklogItem(nil), s.items...), nil
}

// RedisBacklogStore persists the snapshot as a single JSON value in Redis,
// replacing the previous snapshot wholesale on every Save.
type RedisBacklogStore struct {
	client *redis.Client
	key    string
}

// NewRedisBacklogStore creates a store on an existing Redis client. key
// defaults to "relayq:backlog" when empty.
func NewRedisBacklogStore(client *redis.Client, key string) *RedisBacklogStore {
	if key == "" {
		key = "relayq:backlog"
	}
	return &RedisBacklogStore{client: client, key: key}
}

// DialRedisBacklogStore connects to addr and verifies the connection
// before returning a store.
func DialRedisBacklogStore(ctx context.Context, addr, key string) (*RedisBacklogStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisBacklogStore(client, key), nil
}

func (s *RedisBacklogStore) Save(ctx context.Context, items []BacklogItem) error {
	if len(items) == 0 {
		return s.client.Del(ctx, s.key).Err()
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding backlog: %w", err)
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisBacklogStore) Load(ctx context.Context) ([]BacklogItem, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backlog: %w", err)
	}
	var items []BacklogItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decoding backlog: %w", err)
	}
	return items, nil
}

// Close releases the underlying Redis connection.
func (s *RedisBacklogStore) Close() error {
	return s.client.Close()
}
