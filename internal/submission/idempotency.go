package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/droponboard/model"
)

// receiptEntry is the stored value for an idempotency key.
type receiptEntry struct {
	InputHash string                  `json:"input_hash"`
	Receipt   model.SubmissionReceipt `json:"receipt"`
}

// MemoryReceiptStore caches accepted submission receipts in memory with a
// TTL. Suitable for tests and single-instance deployments.
type MemoryReceiptStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      receiptEntry
	expiresAt time.Time
}

// NewMemoryReceiptStore creates a new in-memory receipt store.
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached receipt. A key reused with a different input hash
// is a CONFLICT.
func (s *MemoryReceiptStore) Check(_ context.Context, key, inputHash string) (*model.SubmissionReceipt, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	receipt := entry.data.Receipt
	return &receipt, true, nil
}

// Store saves a receipt with TTL.
func (s *MemoryReceiptStore) Store(_ context.Context, key, inputHash string, receipt model.SubmissionReceipt, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      receiptEntry{InputHash: inputHash, Receipt: receipt},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryReceiptStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryReceiptStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RedisReceiptStore caches accepted submission receipts in Redis.
type RedisReceiptStore struct {
	client redis.Cmdable
}

// NewRedisReceiptStore creates a Redis-backed receipt store.
func NewRedisReceiptStore(client redis.Cmdable) *RedisReceiptStore {
	return &RedisReceiptStore{client: client}
}

// Check looks up a cached receipt in Redis.
func (s *RedisReceiptStore) Check(ctx context.Context, key, inputHash string) (*model.SubmissionReceipt, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry receiptEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal receipt entry %q: %w", key, err)
	}

	if entry.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	return &entry.Receipt, true, nil
}

// Store saves a receipt in Redis with TTL.
func (s *RedisReceiptStore) Store(ctx context.Context, key, inputHash string, receipt model.SubmissionReceipt, ttl time.Duration) error {
	data, err := json.Marshal(receiptEntry{InputHash: inputHash, Receipt: receipt})
	if err != nil {
		return fmt.Errorf("marshal receipt entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisReceiptStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the receipt cache key for a session and a
// client-supplied key.
func FormatIdempotencyKey(sessionID, key string) string {
	return fmt.Sprintf("idem:%s:%s", sessionID, key)
}
