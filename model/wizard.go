package model

import "time"

// SubmissionPhase is the lifecycle phase of the final submission.
type SubmissionPhase string

// Submission phases.
const (
	PhaseIdle      SubmissionPhase = "idle"
	PhaseInFlight  SubmissionPhase = "in_flight"
	PhaseSucceeded SubmissionPhase = "succeeded"
	PhaseFailed    SubmissionPhase = "failed"
)

// Machine states derived from a WizardState.
const (
	MachineCollecting   = "collecting_step"
	MachineSubmitting   = "submitting"
	MachineSubmitted    = "submitted"
	MachineSubmitFailed = "submit_failed"
)

// Audit event names.
const (
	EventStepEntered         = "step_entered"
	EventStepCompleted       = "step_completed"
	EventValidationFailed    = "validation_failed"
	EventOTPRequested        = "otp_requested"
	EventVerified            = "verified"
	EventVerificationCleared = "verification_cleared"
	EventSubmissionStarted   = "submission_started"
	EventSubmissionSucceeded = "submission_succeeded"
	EventSubmissionFailed    = "submission_failed"
	EventReset               = "reset"
)

// SubmissionStatus is Idle | InFlight | Succeeded | Failed(reason).
type SubmissionStatus struct {
	Phase      SubmissionPhase `json:"phase"`
	Reason     string          `json:"reason,omitempty"`
	Code       string          `json:"code,omitempty"`
	Attempts   int             `json:"attempts"`
	AttemptID  string          `json:"attempt_id,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// SubmissionReceipt is the backend's acknowledgement of an accepted record.
type SubmissionReceipt struct {
	ID          string         `json:"id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// WizardState is the single source of truth for one in-progress
// registration. It is owned by exactly one session and persisted with
// optimistic locking on Version.
type WizardState struct {
	SessionID   string                `json:"session_id"`
	WizardID    string                `json:"wizard_id"`
	CurrentStep int                   `json:"current_step"`
	Fields      map[string]FieldValue `json:"fields"`
	Verified    bool                  `json:"verified"`
	Identity    map[string]any        `json:"identity,omitempty"`
	Submission  SubmissionStatus      `json:"submission"`
	Receipt     *SubmissionReceipt    `json:"receipt,omitempty"`
	Version     int                   `json:"version"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty"`
}

// NewWizardState returns the initial state of a wizard session:
// CollectingStep(1), no fields, unverified, idle submission.
func NewWizardState(sessionID, wizardID string) WizardState {
	return WizardState{
		SessionID:   sessionID,
		WizardID:    wizardID,
		CurrentStep: 1,
		Fields:      map[string]FieldValue{},
		Submission:  SubmissionStatus{Phase: PhaseIdle},
	}
}

// Clone returns a deep copy of the state's mutable parts.
func (s WizardState) Clone() WizardState {
	out := s
	out.Fields = CloneFields(s.Fields)
	if s.Identity != nil {
		out.Identity = make(map[string]any, len(s.Identity))
		for k, v := range s.Identity {
			out.Identity[k] = v
		}
	}
	if s.Receipt != nil {
		r := *s.Receipt
		out.Receipt = &r
	}
	return out
}

// MachineState maps the stored state onto the wizard state machine.
func (s WizardState) MachineState() string {
	switch s.Submission.Phase {
	case PhaseInFlight:
		return MachineSubmitting
	case PhaseSucceeded:
		return MachineSubmitted
	case PhaseFailed:
		return MachineSubmitFailed
	default:
		return MachineCollecting
	}
}

// Field returns the value of the named field and whether it is set.
func (s WizardState) Field(name string) (FieldValue, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// ValidationResult is Valid (no errors) or Invalid with declaration-ordered
// field errors.
type ValidationResult struct {
	Errors []FieldError `json:"errors,omitempty"`
}

// Valid reports whether no rule failed.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// First returns the first failure in declaration order.
func (r ValidationResult) First() (FieldError, bool) {
	if len(r.Errors) == 0 {
		return FieldError{}, false
	}
	return r.Errors[0], true
}

// WizardEvent records an event in a session's audit trail.
type WizardEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	StepID    string         `json:"step_id"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// WizardSummary describes a loaded wizard definition for listings.
type WizardSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	StepCount int    `json:"step_count"`
}
