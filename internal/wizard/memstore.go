package wizard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/droponboard/model"
)

// MemoryStore is an in-memory Store. It is the default driver and is used
// throughout the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.WizardState // key: session ID
	events   map[string][]model.WizardEvent
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]model.WizardState),
		events:   make(map[string][]model.WizardEvent),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new session.
func (s *MemoryStore) Create(_ context.Context, state model.WizardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[state.SessionID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("wizard session %q already exists", state.SessionID),
		)
	}

	s.sessions[state.SessionID] = state.Clone()
	return nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (model.WizardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.sessions[sessionID]
	if !exists || s.expired(state) {
		return model.WizardState{}, model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}
	return state.Clone(), nil
}

// Update persists an updated session with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, state model.WizardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[state.SessionID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", state.SessionID),
		)
	}

	if existing.Version != state.Version {
		return model.NewConflictError(
			fmt.Sprintf("wizard session %q version conflict (expected %d, got %d)", state.SessionID, state.Version, existing.Version),
		)
	}

	state = state.Clone()
	state.Version++
	state.UpdatedAt = s.now()
	s.sessions[state.SessionID] = state
	return nil
}

// Delete removes a session and its events.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}

	delete(s.sessions, sessionID)
	delete(s.events, sessionID)
	return nil
}

// AppendEvent adds an event to the session's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.WizardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

// Events retrieves all events for a session, ordered by timestamp.
func (s *MemoryStore) Events(_ context.Context, sessionID string) ([]model.WizardEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}

	events := s.events[sessionID]
	result := make([]model.WizardEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindExpired returns sessions past their expiration time.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WizardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WizardState
	for _, state := range s.sessions {
		if state.ExpiresAt == nil || !state.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, state.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	return result, nil
}

// Len returns the total number of sessions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) expired(state model.WizardState) bool {
	return state.ExpiresAt != nil && state.ExpiresAt.Before(s.now())
}
