// Package metadata resolves wizard definitions and session state into the
// descriptors the frontend renders.
package metadata

import (
	"fmt"

	"github.com/pitabwire/droponboard/internal/definition"
	"github.com/pitabwire/droponboard/model"
)

// SessionProvider builds SessionDescriptors.
type SessionProvider struct {
	registry *definition.Registry
}

// NewSessionProvider creates a SessionProvider backed by registry.
func NewSessionProvider(registry *definition.Registry) *SessionProvider {
	return &SessionProvider{registry: registry}
}

// Describe resolves state into a descriptor of the whole session and its
// current step. Values of sensitive fields are never echoed back.
func (p *SessionProvider) Describe(state model.WizardState) (model.SessionDescriptor, error) {
	def, ok := p.registry.GetWizard(state.WizardID)
	if !ok {
		return model.SessionDescriptor{}, model.NewNotFoundError(
			fmt.Sprintf("wizard %q not found", state.WizardID),
		)
	}

	n := def.StepCount()
	phase := state.Submission.Phase
	busy := phase == model.PhaseInFlight || phase == model.PhaseSucceeded

	desc := model.SessionDescriptor{
		SessionID:  state.SessionID,
		WizardID:   def.ID,
		Name:       def.Name,
		State:      state.MachineState(),
		StepIndex:  state.CurrentStep,
		TotalSteps: n,
		Verified:   state.Verified,
		CanGoBack:  state.CurrentStep > 1 && !busy,
		CanSubmit:  state.CurrentStep == n && !busy,
		Steps:      summarize(def, state),
		Fields:     visibleFields(def, state.Fields),
		Submission: state.Submission,
		Receipt:    state.Receipt,
		Version:    state.Version,
	}

	if step, ok := def.Step(state.CurrentStep); ok {
		sd := describeStep(def, step, state)
		desc.CurrentStep = &sd
	}
	return desc, nil
}

func summarize(def model.WizardDefinition, state model.WizardState) []model.StepSummary {
	out := make([]model.StepSummary, 0, def.StepCount())
	for i, step := range def.Steps {
		k := i + 1
		status := model.StepStatusFuture
		switch {
		case state.Submission.Phase == model.PhaseSucceeded:
			status = model.StepStatusCompleted
		case k < state.CurrentStep:
			status = model.StepStatusCompleted
		case k == state.CurrentStep:
			status = model.StepStatusInProgress
		case step.RequiresVerified && !state.Verified:
			status = model.StepStatusLocked
		}
		out = append(out, model.StepSummary{ID: step.ID, Title: step.Title, Status: status})
	}
	return out
}

func describeStep(def model.WizardDefinition, step model.StepDefinition, state model.WizardState) model.StepDescriptor {
	sd := model.StepDescriptor{
		ID:               step.ID,
		Title:            step.Title,
		Index:            def.StepIndex(step.ID),
		RequiresVerified: step.RequiresVerified,
		Fields:           make([]model.FieldDescriptor, 0, len(step.Fields)),
	}
	if step.Action != nil {
		sd.Action = step.Action.Type
	}

	for _, name := range step.Fields {
		fd, ok := def.Field(name)
		if !ok {
			continue
		}
		desc := model.FieldDescriptor{
			Field:       fd.Name,
			Label:       fd.Label,
			Type:        fd.Type,
			Placeholder: fd.Placeholder,
			HelpText:    fd.HelpText,
		}
		desc.Required, desc.Validation = hints(fd.Rules)
		for _, opt := range fd.Options {
			desc.Options = append(desc.Options, model.OptionDescriptor{Label: opt, Value: opt})
		}
		if v, ok := state.Fields[name]; ok && !fd.Sensitive {
			val := v
			desc.Value = &val
		}
		sd.Fields = append(sd.Fields, desc)
	}
	return sd
}

// hints derives client-side validation hints from the rule table.
func hints(rules []model.RuleDefinition) (bool, *model.ValidationDescriptor) {
	var required bool
	v := &model.ValidationDescriptor{}
	set := false

	for _, r := range rules {
		switch r.Kind {
		case model.RuleRequired:
			required = true
		case model.RuleMinLength:
			n := r.Length
			v.MinLength, set = &n, true
		case model.RuleMaxLength:
			n := r.Length
			v.MaxLength, set = &n, true
		case model.RuleDigits:
			n := r.Length
			v.MinLength, v.MaxLength = &n, &n
			v.Pattern = fmt.Sprintf(`^\d{%d}$`, n)
			set = true
		case model.RulePattern:
			v.Pattern, set = r.Pattern, true
		case model.RuleRange:
			v.Min, v.Max, set = r.Min, r.Max, true
		case model.RuleMinSelected:
			v.MinSelected, set = r.MinSelected, true
		case model.RuleFile:
			v.MimeTypes, v.MaxBytes, set = r.MimeTypes, r.MaxBytes, true
		}
	}
	if !set {
		return required, nil
	}
	return required, v
}

func visibleFields(def model.WizardDefinition, fields map[string]model.FieldValue) map[string]model.FieldValue {
	out := make(map[string]model.FieldValue, len(fields))
	for name, v := range fields {
		if fd, ok := def.Field(name); ok && fd.Sensitive {
			continue
		}
		out[name] = v
	}
	return out
}
