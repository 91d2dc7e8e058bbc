package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store persists baselines. Implementations return ErrNotFound for a
// principal without one.
type Store interface {
	Load(ctx context.Context, principalID int64) (*Baseline, error)
	Save(ctx context.Context, b *Baseline) error
	Delete(ctx context.Context, principalID int64) error
}

// MemoryStore keeps baselines in process
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[int64]*Baseline
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[int64]*Baseline)}
}

func (m *MemoryStore) Load(_ context.Context, principalID int64) (*Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, b *Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[b.PrincipalID] = b.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, principalID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.baselines, principalID)
	return nil
}

// RedisStore keeps baselines as JSON documents that expire one window after
// the last update, so principals who stop accessing data age out.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store writing keys under prefix
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "tenantguard"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(principalID int64) string {
	return fmt.Sprintf("%s:baseline:%d", r.prefix, principalID)
}

func (r *RedisStore) Load(ctx context.Context, principalID int64) (*Baseline, error) {
	data, err := r.client.Get(ctx, r.key(principalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	b := New(principalID)
	if err := json.Unmarshal(data, b); err != nil {
		// corrupt documents are dropped; the baseline is rebuilt from audit history
		r.client.Del(ctx, r.key(principalID))
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}
	return b, nil
}

func (r *RedisStore) Save(ctx context.Context, b *Baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	if err := r.client.Set(ctx, r.key(b.PrincipalID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, principalID int64) error {
	return r.client.Del(ctx, r.key(principalID)).Err()
}
