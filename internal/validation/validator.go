// Package validation compiles the declarative rule table of a wizard
// definition into pure per-step validators.
package validation

import (
	"fmt"

	"github.com/pitabwire/droponboard/model"
)

// StepValidator validates one step's field subset against its declared rules.
// It is immutable after construction and safe for concurrent use.
type StepValidator struct {
	wizardID string
	order    []string
	steps    map[string][]Rule
}

// Compile builds a StepValidator for def. Rules of a step are evaluated in
// step field order, then rule declaration order, so "the first error" is
// deterministic.
func Compile(def model.WizardDefinition) (*StepValidator, error) {
	v := &StepValidator{
		wizardID: def.ID,
		steps:    make(map[string][]Rule, len(def.Steps)),
	}

	for _, step := range def.Steps {
		var rules []Rule
		for _, name := range step.Fields {
			f, ok := def.Field(name)
			if !ok {
				return nil, fmt.Errorf("wizard %q step %q: field %q is not declared", def.ID, step.ID, name)
			}
			for _, r := range f.Rules {
				rule, err := compileRule(f, r)
				if err != nil {
					return nil, fmt.Errorf("wizard %q step %q: %w", def.ID, step.ID, err)
				}
				rules = append(rules, rule)
			}
		}
		v.order = append(v.order, step.ID)
		v.steps[step.ID] = rules
	}

	return v, nil
}

// Validate runs every rule declared for stepID against fields and returns
// all failures in declaration order. It never mutates fields.
func (v *StepValidator) Validate(stepID string, fields map[string]model.FieldValue) (model.ValidationResult, error) {
	rules, ok := v.steps[stepID]
	if !ok {
		return model.ValidationResult{}, model.NewConfigurationError(
			fmt.Sprintf("wizard %q has no step %q", v.wizardID, stepID),
		)
	}

	var result model.ValidationResult
	for _, rule := range rules {
		if fe, failed := rule(fields); failed {
			result.Errors = append(result.Errors, fe)
		}
	}
	return result, nil
}

// ValidateAll validates every step in order and returns the result of the
// first invalid step, along with its ID. The final submission gate uses it
// because earlier steps may have been edited after they were passed.
func (v *StepValidator) ValidateAll(fields map[string]model.FieldValue) (string, model.ValidationResult) {
	for _, stepID := range v.order {
		res, _ := v.Validate(stepID, fields)
		if !res.Valid() {
			return stepID, res
		}
	}
	return "", model.ValidationResult{}
}

// Set holds compiled validators for every loaded wizard.
type Set struct {
	byWizard map[string]*StepValidator
}

// CompileAll compiles validators for all definitions.
func CompileAll(defs []model.WizardDefinition) (*Set, error) {
	s := &Set{byWizard: make(map[string]*StepValidator, len(defs))}
	for _, def := range defs {
		v, err := Compile(def)
		if err != nil {
			return nil, err
		}
		s.byWizard[def.ID] = v
	}
	return s, nil
}

// For returns the validator for wizardID.
func (s *Set) For(wizardID string) (*StepValidator, bool) {
	v, ok := s.byWizard[wizardID]
	return v, ok
}
