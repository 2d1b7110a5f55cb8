package model

// Step action types.
const (
	ActionSendOTP   = "send_otp"
	ActionVerifyOTP = "verify_otp"
)

// Rule kinds understood by the step validator.
const (
	RuleRequired    = "required"
	RuleEmail       = "email"
	RuleDecimal     = "decimal"
	RulePositive    = "positive"
	RuleDigits      = "digits"
	RulePattern     = "pattern"
	RuleRange       = "range"
	RuleMinLength   = "min_length"
	RuleMaxLength   = "max_length"
	RuleURL         = "url"
	RuleTime        = "time"
	RuleMinSelected = "min_selected"
	RuleFile        = "file"
)

// File submission modes.
const (
	FileModeMultipart = "multipart"
	FileModePath      = "path"
)

// WizardDefinition is the static, build-time description of a multi-step
// wizard. Fields form one declarative table; steps reference it by name.
type WizardDefinition struct {
	ID         string               `yaml:"id"         json:"id"`
	Name       string               `yaml:"name"       json:"name"`
	Version    string               `yaml:"version"    json:"version"`
	Fields     []FieldDefinition    `yaml:"fields"     json:"fields"`
	Steps      []StepDefinition     `yaml:"steps"      json:"steps"`
	Submission SubmissionDefinition `yaml:"submission" json:"submission"`

	// Set by the loader.
	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"-"`
}

// FieldDefinition declares one named, typed field and its rule set. Rules
// are evaluated in declaration order.
type FieldDefinition struct {
	Name        string           `yaml:"name"        json:"name"`
	Label       string           `yaml:"label"       json:"label"`
	Type        FieldKind        `yaml:"type"        json:"type"`
	Options     []string         `yaml:"options"     json:"options,omitempty"`
	Placeholder string           `yaml:"placeholder" json:"placeholder,omitempty"`
	HelpText    string           `yaml:"help_text"   json:"help_text,omitempty"`
	Category    string           `yaml:"category"    json:"category,omitempty"`
	Sensitive   bool             `yaml:"sensitive"   json:"sensitive,omitempty"`
	Rules       []RuleDefinition `yaml:"rules"       json:"rules,omitempty"`
}

// RuleDefinition is one declarative validation rule.
type RuleDefinition struct {
	Kind        string   `yaml:"kind"         json:"kind"`
	Length      int      `yaml:"length"       json:"length,omitempty"`
	Pattern     string   `yaml:"pattern"      json:"pattern,omitempty"`
	Min         *float64 `yaml:"min"          json:"min,omitempty"`
	Max         *float64 `yaml:"max"          json:"max,omitempty"`
	MinSelected int      `yaml:"min_selected" json:"min_selected,omitempty"`
	MimeTypes   []string `yaml:"mime_types"   json:"mime_types,omitempty"`
	MaxBytes    int64    `yaml:"max_bytes"    json:"max_bytes,omitempty"`
	Message     string   `yaml:"message"      json:"message,omitempty"`
}

// StepDefinition is one screen of the wizard.
type StepDefinition struct {
	ID               string      `yaml:"id"                json:"id"`
	Title            string      `yaml:"title"             json:"title"`
	Fields           []string    `yaml:"fields"            json:"fields"`
	RequiresVerified bool        `yaml:"requires_verified" json:"requires_verified,omitempty"`
	Action           *StepAction `yaml:"action"            json:"action,omitempty"`
}

// StepAction is a side effect performed by goNext after the step validates
// and before the step counter moves.
type StepAction struct {
	Type            string `yaml:"type"             json:"type"`
	IdentifierField string `yaml:"identifier_field" json:"identifier_field"`
	OTPField        string `yaml:"otp_field"        json:"otp_field,omitempty"`
}

// SubmissionDefinition shapes the final record-creation request.
type SubmissionDefinition struct {
	OperationID   string              `yaml:"operation_id"   json:"operation_id,omitempty"`
	FileMode      string              `yaml:"file_mode"      json:"file_mode,omitempty"`
	NumericFields []string            `yaml:"numeric_fields" json:"numeric_fields,omitempty"`
	TimeFields    []string            `yaml:"time_fields"    json:"time_fields,omitempty"`
	Aliases       map[string][]string `yaml:"aliases"        json:"aliases,omitempty"`
	Exclude       []string            `yaml:"exclude"        json:"exclude,omitempty"`
	Rename        map[string]string   `yaml:"rename"         json:"rename,omitempty"`
}

// Field returns the field definition with the given name.
func (d WizardDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// StepCount returns N, the fixed number of steps.
func (d WizardDefinition) StepCount() int {
	return len(d.Steps)
}

// Step returns the 1-indexed step k.
func (d WizardDefinition) Step(k int) (StepDefinition, bool) {
	if k < 1 || k > len(d.Steps) {
		return StepDefinition{}, false
	}
	return d.Steps[k-1], true
}

// StepIndex returns the 1-indexed position of the step with the given ID, or
// 0 if it does not exist.
func (d WizardDefinition) StepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i + 1
		}
	}
	return 0
}
