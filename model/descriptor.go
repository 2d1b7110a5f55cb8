package model

// SessionDescriptor is the resolved wizard session sent to the frontend.
type SessionDescriptor struct {
	SessionID   string                `json:"session_id"`
	WizardID    string                `json:"wizard_id"`
	Name        string                `json:"name"`
	State       string                `json:"state"`
	StepIndex   int                   `json:"step_index"`
	TotalSteps  int                   `json:"total_steps"`
	Verified    bool                  `json:"verified"`
	CanGoBack   bool                  `json:"can_go_back"`
	CanSubmit   bool                  `json:"can_submit"`
	CurrentStep *StepDescriptor       `json:"current_step,omitempty"`
	Steps       []StepSummary         `json:"steps"`
	Fields      map[string]FieldValue `json:"fields"`
	Submission  SubmissionStatus      `json:"submission"`
	Receipt     *SubmissionReceipt    `json:"receipt,omitempty"`
	Version     int                   `json:"version"`
}

// StepDescriptor describes the current active step.
type StepDescriptor struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Index            int               `json:"index"`
	RequiresVerified bool              `json:"requires_verified,omitempty"`
	Action           string            `json:"action,omitempty"`
	Fields           []FieldDescriptor `json:"fields"`
}

// FieldDescriptor is a resolved field sent to the frontend.
type FieldDescriptor struct {
	Field       string                `json:"field"`
	Label       string                `json:"label"`
	Type        FieldKind             `json:"type"`
	Required    bool                  `json:"required"`
	Validation  *ValidationDescriptor `json:"validation,omitempty"`
	Options     []OptionDescriptor    `json:"options,omitempty"`
	Placeholder string                `json:"placeholder,omitempty"`
	HelpText    string                `json:"help_text,omitempty"`
	Value       *FieldValue           `json:"value,omitempty"`
}

// ValidationDescriptor describes client-side hints derived from the rule
// table. The server remains authoritative.
type ValidationDescriptor struct {
	MinLength   *int     `json:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	MinSelected int      `json:"min_selected,omitempty"`
	MimeTypes   []string `json:"mime_types,omitempty"`
	MaxBytes    int64    `json:"max_bytes,omitempty"`
}

// OptionDescriptor is a resolved option for selects and checkbox groups.
type OptionDescriptor struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// StepSummary is a summary of a wizard step shown in the progress indicator.
type StepSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Step progress statuses.
const (
	StepStatusCompleted  = "completed"
	StepStatusInProgress = "in_progress"
	StepStatusFuture     = "future"
	StepStatusLocked     = "locked"
)

// SubmitResponse is the response from the submit endpoint.
type SubmitResponse struct {
	Dispatched bool               `json:"dispatched"`
	Submission SubmissionStatus   `json:"submission"`
	Receipt    *SubmissionReceipt `json:"receipt,omitempty"`
	Session    SessionDescriptor  `json:"session"`
}
