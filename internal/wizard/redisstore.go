package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/droponboard/model"
)

// RedisStore keeps each session as a JSON value whose TTL follows the
// session's ExpiresAt plus evictionGrace, so the sweeper still sees expired
// sessions and can delete their uploads. Updates use WATCH/MULTI so that the
// version check and the write are atomic across replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// evictionGrace is how long Redis keeps a session after it expires.
const evictionGrace = time.Hour

// NewRedisStore creates a Redis-backed session store. Keys are namespaced
// with prefix, e.g. "drop:wizard:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) eventsKey(id string) string  { return s.prefix + "events:" + id }
func (s *RedisStore) expiryKey() string           { return s.prefix + "expiry" }

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Create persists a new session. SETNX guards against ID reuse.
func (s *RedisStore) Create(ctx context.Context, state model.WizardState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(state.SessionID), data, s.ttlFor(state)).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %q: %w", state.SessionID, err)
	}
	if !ok {
		return model.NewConflictError(
			fmt.Sprintf("wizard session %q already exists", state.SessionID),
		)
	}
	if state.ExpiresAt != nil {
		if err := s.client.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(state.ExpiresAt.Unix()),
			Member: state.SessionID,
		}).Err(); err != nil {
			return fmt.Errorf("redis zadd %q: %w", state.SessionID, err)
		}
	}
	return nil
}

// Get retrieves a session by ID.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (model.WizardState, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.WizardState{}, model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}
	if err != nil {
		return model.WizardState{}, fmt.Errorf("redis get %q: %w", sessionID, err)
	}

	var state model.WizardState
	if err := json.Unmarshal(raw, &state); err != nil {
		return model.WizardState{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if state.ExpiresAt != nil && state.ExpiresAt.Before(s.now()) {
		return model.WizardState{}, model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}
	return state, nil
}

// Update persists an updated session with optimistic locking.
func (s *RedisStore) Update(ctx context.Context, state model.WizardState) error {
	key := s.sessionKey(state.SessionID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.NewNotFoundError(
				fmt.Sprintf("wizard session %q not found", state.SessionID),
			)
		}
		if err != nil {
			return fmt.Errorf("redis get %q: %w", state.SessionID, err)
		}

		var existing model.WizardState
		if err := json.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("unmarshal state: %w", err)
		}
		if existing.Version != state.Version {
			return model.NewConflictError(
				fmt.Sprintf("wizard session %q version conflict (expected %d, got %d)", state.SessionID, state.Version, existing.Version),
			)
		}

		next := state
		next.Version++
		next.UpdatedAt = s.now()
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttlFor(next))
			if next.ExpiresAt != nil {
				pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
					Score:  float64(next.ExpiresAt.Unix()),
					Member: next.SessionID,
				})
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return model.NewConflictError(
			fmt.Sprintf("wizard session %q was modified concurrently", state.SessionID),
		)
	}
	return err
}

// Delete removes a session and its events.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, s.sessionKey(sessionID), s.eventsKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis del %q: %w", sessionID, err)
	}
	s.client.ZRem(ctx, s.expiryKey(), sessionID)
	if n == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}
	return nil
}

// AppendEvent adds an event to the session's audit trail. The list shares
// the session key's expiry.
func (s *RedisStore) AppendEvent(ctx context.Context, event model.WizardEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := s.eventsKey(event.SessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if ttl := s.client.PTTL(ctx, s.sessionKey(event.SessionID)).Val(); ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis rpush %q: %w", event.SessionID, err)
	}
	return nil
}

// Events retrieves all events for a session.
func (s *RedisStore) Events(ctx context.Context, sessionID string) ([]model.WizardEvent, error) {
	exists, err := s.client.Exists(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis exists %q: %w", sessionID, err)
	}
	if exists == 0 {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}

	raws, err := s.client.LRange(ctx, s.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", sessionID, err)
	}

	events := make([]model.WizardEvent, 0, len(raws))
	for _, raw := range raws {
		var evt model.WizardEvent
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// FindExpired returns sessions whose expiry is before cutoff and that Redis
// has not already evicted. Index entries for evicted sessions are pruned.
func (s *RedisStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WizardState, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	var result []model.WizardState
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.client.ZRem(ctx, s.expiryKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", id, err)
		}
		var state model.WizardState
		if err := json.Unmarshal(raw, &state); err != nil {
			continue
		}
		if state.ExpiresAt == nil || !state.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, state)
	}
	return result, nil
}

// ttlFor converts ExpiresAt into a Redis TTL. Zero means no expiry.
func (s *RedisStore) ttlFor(state model.WizardState) time.Duration {
	if state.ExpiresAt == nil {
		return 0
	}
	ttl := state.ExpiresAt.Sub(s.now()) + evictionGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
