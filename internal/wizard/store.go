package wizard

import (
	"context"
	"time"

	"github.com/pitabwire/droponboard/model"
)

// Store persists wizard sessions and their audit events.
type Store interface {
	// Create persists a new session. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, state model.WizardState) error

	// Get retrieves a session by ID. Returns NOT_FOUND if the session
	// doesn't exist or has expired.
	Get(ctx context.Context, sessionID string) (model.WizardState, error)

	// Update persists an updated session with optimistic locking. The
	// state's Version must match the stored version; the store increments
	// it. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, state model.WizardState) error

	// Delete removes a session and its events.
	Delete(ctx context.Context, sessionID string) error

	// AppendEvent adds an event to the session's audit trail.
	AppendEvent(ctx context.Context, event model.WizardEvent) error

	// Events retrieves all events for a session in timestamp order.
	Events(ctx context.Context, sessionID string) ([]model.WizardEvent, error)

	// FindExpired returns sessions whose expires_at is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WizardState, error)
}
