package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/droponboard/model"
)

// Schema creates the tables used by PgStore.
const Schema = `
CREATE TABLE IF NOT EXISTS wizard_sessions (
	id           TEXT PRIMARY KEY,
	wizard_id    TEXT NOT NULL,
	current_step INTEGER NOT NULL,
	phase        TEXT NOT NULL,
	state        JSONB NOT NULL,
	version      INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS wizard_sessions_expires_at ON wizard_sessions (expires_at);

CREATE TABLE IF NOT EXISTS wizard_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES wizard_sessions (id) ON DELETE CASCADE,
	step_id    TEXT NOT NULL,
	event      TEXT NOT NULL,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS wizard_events_session ON wizard_events (session_id, created_at);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5. The full WizardState is
// kept as JSONB; the scalar columns exist for indexing and inspection.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL session store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies Schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate wizard schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new session.
func (s *PgStore) Create(ctx context.Context, state model.WizardState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO wizard_sessions (
			id, wizard_id, current_step, phase, state, version,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		state.SessionID, state.WizardID, state.CurrentStep, string(state.Submission.Phase),
		stateJSON, state.Version, state.CreatedAt, state.UpdatedAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert wizard session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("wizard session %q already exists", state.SessionID),
		)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *PgStore) Get(ctx context.Context, sessionID string) (model.WizardState, error) {
	var stateJSON []byte
	var version int

	err := s.pool.QueryRow(ctx, `
		SELECT state, version
		FROM wizard_sessions
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		sessionID,
	).Scan(&stateJSON, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WizardState{}, model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}
	if err != nil {
		return model.WizardState{}, fmt.Errorf("query wizard session: %w", err)
	}

	var state model.WizardState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return model.WizardState{}, fmt.Errorf("unmarshal state: %w", err)
	}
	state.Version = version
	return state, nil
}

// Update persists an updated session with optimistic locking.
func (s *PgStore) Update(ctx context.Context, state model.WizardState) error {
	expected := state.Version
	state.Version++
	state.UpdatedAt = time.Now().UTC()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE wizard_sessions SET
			current_step = $1,
			phase = $2,
			state = $3,
			version = $4,
			updated_at = $5,
			expires_at = $6
		WHERE id = $7 AND version = $8`,
		state.CurrentStep, string(state.Submission.Phase), stateJSON, state.Version,
		state.UpdatedAt, state.ExpiresAt,
		state.SessionID, expected,
	)
	if err != nil {
		return fmt.Errorf("update wizard session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("wizard session %q version conflict (expected %d)", state.SessionID, expected),
		)
	}
	return nil
}

// Delete removes a session; its events go with it via ON DELETE CASCADE.
func (s *PgStore) Delete(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM wizard_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete wizard session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("wizard session %q not found", sessionID),
		)
	}
	return nil
}

// AppendEvent adds an event to the session audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.WizardEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO wizard_events (id, session_id, step_id, event, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.SessionID, event.StepID, event.Event, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert wizard event: %w", err)
	}
	return nil
}

// Events retrieves all events for a session.
func (s *PgStore) Events(ctx context.Context, sessionID string) ([]model.WizardEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, step_id, event, data, created_at
		FROM wizard_events
		WHERE session_id = $1
		ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query wizard events: %w", err)
	}
	defer rows.Close()

	var events []model.WizardEvent
	for rows.Next() {
		var evt model.WizardEvent
		var dataJSON []byte
		if err := rows.Scan(&evt.ID, &evt.SessionID, &evt.StepID, &evt.Event, &dataJSON, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan wizard event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindExpired returns sessions past their expiration time.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WizardState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, version
		FROM wizard_sessions
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var result []model.WizardState
	for rows.Next() {
		var stateJSON []byte
		var version int
		if err := rows.Scan(&stateJSON, &version); err != nil {
			return nil, fmt.Errorf("scan wizard session: %w", err)
		}
		var state model.WizardState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			continue
		}
		state.Version = version
		result = append(result, state)
	}
	return result, rows.Err()
}
