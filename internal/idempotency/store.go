// Package idempotency replays the result of a claim action when a client
// retries it with the same X-Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/claimflow/model"
)

// Store deduplicates claim actions. Keys come from FormatKey.
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT envelope.
	Check(ctx context.Context, key, inputHash string) (result *model.TransitionResult, found bool, err error)

	// Save stores a result under key for ttl.
	Save(ctx context.Context, key, inputHash string, result model.TransitionResult, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
}

type entry struct {
	InputHash string                 `json:"input_hash"`
	Result    model.TransitionResult `json:"result"`
}

// FormatKey builds the storage key for an action request. Keys are scoped
// to the caller and the claim so two users can never collide.
func FormatKey(subjectID, claimID string, action model.Action, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", subjectID, claimID, action, key)
}

// HashPayload produces a deterministic hash of an action payload.
func HashPayload(payload model.ActionPayload) string {
	data, _ := json.Marshal(payload)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func mismatch(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry), now: time.Now}
}

// Check looks up a cached result.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.TransitionResult, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, mismatch(key)
	}
	result := e.data.Result
	result.Claim = result.Claim.Clone()
	return &result, true, nil
}

// Save stores a result with TTL.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result model.TransitionResult, ttl time.Duration) error {
	result.Claim = result.Claim.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is delegated to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.TransitionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return nil, true, mismatch(key)
	}
	return &e.Result, true, nil
}

// Save stores a result in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result model.TransitionResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
