package definition

import (
	"fmt"
	"regexp"

	"github.com/pitabwire/droponboard/internal/openapi"
	"github.com/pitabwire/droponboard/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates wizard definitions structurally, referentially, and
// optionally against the backend's OpenAPI spec.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(defs []model.WizardDefinition, index *openapi.Index) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("wizards[%d]", i)
		if prev, dup := seen[def.ID]; dup && def.ID != "" {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    "DUPLICATE_ID",
				Message: fmt.Sprintf("wizard %q already defined in %s", def.ID, prev),
			})
		}
		seen[def.ID] = def.SourceFile
		errs = append(errs, v.validateWizard(prefix, def, index)...)
	}
	return errs
}

var validKinds = map[model.FieldKind]bool{
	model.KindText: true, model.KindNumber: true, model.KindBool: true,
	model.KindStringSet: true, model.KindFile: true,
}

var validRules = map[string]bool{
	model.RuleRequired: true, model.RuleEmail: true, model.RuleDecimal: true,
	model.RulePositive: true, model.RuleDigits: true, model.RulePattern: true,
	model.RuleRange: true, model.RuleMinLength: true, model.RuleMaxLength: true,
	model.RuleURL: true, model.RuleTime: true, model.RuleMinSelected: true,
	model.RuleFile: true,
}

func (v *Validator) validateWizard(prefix string, def model.WizardDefinition, index *openapi.Index) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	fields := make(map[string]model.FieldDefinition, len(def.Fields))
	for i, f := range def.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if f.Name == "" {
			errs = append(errs, VError{Path: fp + ".name", Code: "REQUIRED", Message: "field name is required"})
			continue
		}
		if _, dup := fields[f.Name]; dup {
			errs = append(errs, VError{Path: fp + ".name", Code: "DUPLICATE_FIELD", Message: fmt.Sprintf("field %q declared twice", f.Name)})
		}
		fields[f.Name] = f
		errs = append(errs, v.validateField(fp, f)...)
	}

	owner := make(map[string]string)
	stepIDs := make(map[string]bool)
	verifiedAt := 0
	for i, s := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if stepIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_STEP", Message: fmt.Sprintf("step %q declared twice", s.ID)})
		}
		stepIDs[s.ID] = true

		for j, name := range s.Fields {
			if _, ok := fields[name]; !ok {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.fields[%d]", sp, j),
					Code:    "UNKNOWN_FIELD",
					Message: fmt.Sprintf("field %q is not declared", name),
				})
				continue
			}
			if prev, taken := owner[name]; taken {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.fields[%d]", sp, j),
					Code:    "FIELD_REUSED",
					Message: fmt.Sprintf("field %q already belongs to step %q", name, prev),
				})
				continue
			}
			owner[name] = s.ID
		}

		if s.Action != nil {
			errs = append(errs, v.validateAction(sp+".action", *s.Action, s, fields)...)
			if s.Action.Type == model.ActionVerifyOTP && verifiedAt == 0 {
				verifiedAt = i + 1
			}
		}

		if s.RequiresVerified {
			if i == 0 {
				errs = append(errs, VError{Path: sp + ".requires_verified", Code: "UNREACHABLE_STEP", Message: "the first step cannot require verification"})
			} else if verifiedAt == 0 {
				errs = append(errs, VError{
					Path:    sp + ".requires_verified",
					Code:    "NO_VERIFY_STEP",
					Message: "requires_verified needs an earlier step with a verify_otp action",
				})
			}
		}
	}

	errs = append(errs, v.validateSubmission(prefix+".submission", def.Submission, fields, index)...)
	return errs
}

func (v *Validator) validateField(prefix string, f model.FieldDefinition) []VError {
	var errs []VError

	if !validKinds[f.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_TYPE", Message: fmt.Sprintf("type %q is not supported", f.Type)})
	}

	for i, r := range f.Rules {
		rp := fmt.Sprintf("%s.rules[%d]", prefix, i)
		if !validRules[r.Kind] {
			errs = append(errs, VError{Path: rp + ".kind", Code: "UNKNOWN_RULE", Message: fmt.Sprintf("rule %q is not supported", r.Kind)})
			continue
		}
		switch r.Kind {
		case model.RulePattern:
			if r.Pattern == "" {
				errs = append(errs, VError{Path: rp + ".pattern", Code: "REQUIRED", Message: "pattern rule needs a pattern"})
			} else if _, err := regexp.Compile(r.Pattern); err != nil {
				errs = append(errs, VError{Path: rp + ".pattern", Code: "INVALID_PATTERN", Message: err.Error()})
			}
		case model.RuleDigits:
			if r.Length <= 0 {
				errs = append(errs, VError{Path: rp + ".length", Code: "REQUIRED", Message: "digits rule needs a positive length"})
			}
		case model.RuleMinLength, model.RuleMaxLength:
			if r.Length <= 0 {
				errs = append(errs, VError{Path: rp + ".length", Code: "REQUIRED", Message: r.Kind + " rule needs a positive length"})
			}
		case model.RuleRange:
			if r.Min == nil && r.Max == nil {
				errs = append(errs, VError{Path: rp, Code: "REQUIRED", Message: "range rule needs min or max"})
			}
			if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
				errs = append(errs, VError{Path: rp, Code: "INVALID_RANGE", Message: "range min exceeds max"})
			}
		case model.RuleMinSelected:
			if f.Type != model.KindStringSet {
				errs = append(errs, VError{Path: rp + ".kind", Code: "RULE_TYPE_MISMATCH", Message: "min_selected applies only to string_set fields"})
			}
			if r.MinSelected <= 0 {
				errs = append(errs, VError{Path: rp + ".min_selected", Code: "REQUIRED", Message: "min_selected must be positive"})
			}
		case model.RuleFile:
			if f.Type != model.KindFile {
				errs = append(errs, VError{Path: rp + ".kind", Code: "RULE_TYPE_MISMATCH", Message: "file rule applies only to file fields"})
			}
			if len(r.MimeTypes) == 0 && r.MaxBytes <= 0 {
				errs = append(errs, VError{Path: rp, Code: "REQUIRED", Message: "file rule needs mime_types or max_bytes"})
			}
		}
	}
	return errs
}

func (v *Validator) validateAction(prefix string, a model.StepAction, step model.StepDefinition, fields map[string]model.FieldDefinition) []VError {
	var errs []VError

	switch a.Type {
	case model.ActionSendOTP, model.ActionVerifyOTP:
	default:
		return []VError{{Path: prefix + ".type", Code: "UNKNOWN_ACTION", Message: fmt.Sprintf("action %q is not supported", a.Type)}}
	}

	if a.IdentifierField == "" {
		errs = append(errs, VError{Path: prefix + ".identifier_field", Code: "REQUIRED", Message: "identifier_field is required"})
	} else if _, ok := fields[a.IdentifierField]; !ok {
		errs = append(errs, VError{Path: prefix + ".identifier_field", Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("field %q is not declared", a.IdentifierField)})
	}

	if a.Type == model.ActionVerifyOTP {
		if a.OTPField == "" {
			errs = append(errs, VError{Path: prefix + ".otp_field", Code: "REQUIRED", Message: "otp_field is required for verify_otp"})
		} else if !contains(step.Fields, a.OTPField) {
			errs = append(errs, VError{Path: prefix + ".otp_field", Code: "FIELD_NOT_IN_STEP", Message: fmt.Sprintf("otp field %q must belong to step %q", a.OTPField, step.ID)})
		}
	}
	return errs
}

func (v *Validator) validateSubmission(prefix string, s model.SubmissionDefinition, fields map[string]model.FieldDefinition, index *openapi.Index) []VError {
	var errs []VError

	switch s.FileMode {
	case "", model.FileModeMultipart, model.FileModePath:
	default:
		errs = append(errs, VError{Path: prefix + ".file_mode", Code: "INVALID_FILE_MODE", Message: fmt.Sprintf("file_mode %q must be multipart or path", s.FileMode)})
	}

	check := func(path string, names []string) {
		for i, name := range names {
			if _, ok := fields[name]; !ok {
				errs = append(errs, VError{Path: fmt.Sprintf("%s[%d]", path, i), Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("field %q is not declared", name)})
			}
		}
	}
	check(prefix+".numeric_fields", s.NumericFields)
	check(prefix+".time_fields", s.TimeFields)
	check(prefix+".exclude", s.Exclude)
	for src := range s.Aliases {
		if _, ok := fields[src]; !ok {
			errs = append(errs, VError{Path: prefix + ".aliases." + src, Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("field %q is not declared", src)})
		}
	}
	for src := range s.Rename {
		if _, ok := fields[src]; !ok {
			errs = append(errs, VError{Path: prefix + ".rename." + src, Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("field %q is not declared", src)})
		}
	}

	if index != nil && s.OperationID != "" {
		if _, ok := index.GetOperation(s.OperationID); !ok {
			errs = append(errs, VError{
				Path:    prefix + ".operation_id",
				Code:    "UNKNOWN_OPERATION",
				Message: fmt.Sprintf("operation %q not found in backend spec", s.OperationID),
			})
		}
	}
	return errs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
