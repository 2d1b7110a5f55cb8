package wizard

import (
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/droponboard/model"
)

// errAlreadyInFlight marks a submit that must not dispatch because another
// attempt owns the InFlight slot. Controller.Submit turns it into a no-op.
var errAlreadyInFlight = errors.New("submission already in flight")

// The functions below are the pure transitions of the wizard state machine.
// They mutate only the state passed in and never perform I/O.

// applyFields merges values into the state. Edits are accepted while a
// submission is in flight; the in-flight request works from its own
// snapshot. Once the registration has been accepted, only reset is allowed.
//
// Changing a field that a verify_otp step checked drops the verification
// and moves the wizard back to the step that collects that field, so the
// identity that gets submitted is always the one that was verified. Such a
// change is refused while a submission is in flight.
func applyFields(s *model.WizardState, def model.WizardDefinition, values map[string]model.FieldValue) error {
	if s.Submission.Phase == model.PhaseSucceeded {
		return model.NewPreconditionError("registration has already been submitted; reset to start a new one")
	}

	rewind := 0
	if s.Verified {
		bound := verificationFields(def)
		for name, v := range values {
			k, ok := bound[name]
			if !ok {
				continue
			}
			if old, set := s.Fields[name]; set && old.Equal(v) {
				continue
			}
			if s.Submission.Phase == model.PhaseInFlight {
				return model.NewPreconditionError(
					fmt.Sprintf("field %q cannot change while a submission is in progress", name),
				)
			}
			if rewind == 0 || k < rewind {
				rewind = k
			}
		}
	}

	if s.Fields == nil {
		s.Fields = make(map[string]model.FieldValue, len(values))
	}
	for name, v := range values {
		s.Fields[name] = v
	}

	if rewind > 0 {
		s.Verified = false
		s.Identity = nil
		if s.CurrentStep > rewind {
			s.CurrentStep = rewind
		}
		if s.Submission.Phase == model.PhaseFailed {
			s.Submission.Phase = model.PhaseIdle
			s.Submission.Reason = ""
			s.Submission.Code = ""
		}
	}
	return nil
}

// verificationFields maps each field checked by a verify_otp action to the
// step that collects it. A field no step collects maps to the action's own
// step.
func verificationFields(def model.WizardDefinition) map[string]int {
	out := make(map[string]int)
	for i, st := range def.Steps {
		if st.Action == nil || st.Action.Type != model.ActionVerifyOTP {
			continue
		}
		for _, name := range []string{st.Action.IdentifierField, st.Action.OTPField} {
			if name == "" {
				continue
			}
			k := collectingStep(def, name)
			if k == 0 {
				k = i + 1
			}
			if prev, ok := out[name]; !ok || k < prev {
				out[name] = k
			}
		}
	}
	return out
}

func collectingStep(def model.WizardDefinition, field string) int {
	for i, st := range def.Steps {
		for _, f := range st.Fields {
			if f == field {
				return i + 1
			}
		}
	}
	return 0
}

// applyNext moves to the next step, clamped at the last one. Entering a step
// that requires verification while unverified is refused.
func applyNext(s *model.WizardState, def model.WizardDefinition) error {
	if err := navigable(s); err != nil {
		return err
	}

	n := def.StepCount()
	if s.CurrentStep >= n {
		s.CurrentStep = n
		return nil
	}

	target, _ := def.Step(s.CurrentStep + 1)
	if target.RequiresVerified && !s.Verified {
		return model.NewPreconditionError(
			fmt.Sprintf("step %q requires a verified identity", target.ID),
		)
	}
	s.CurrentStep++
	return nil
}

// applyBack moves to the previous step, clamped at the first one. Leaving
// the final step after a failed submission returns the submission to idle.
func applyBack(s *model.WizardState) error {
	if err := navigable(s); err != nil {
		return err
	}
	if s.Submission.Phase == model.PhaseFailed {
		s.Submission.Phase = model.PhaseIdle
		s.Submission.Reason = ""
		s.Submission.Code = ""
	}
	if s.CurrentStep > 1 {
		s.CurrentStep--
	}
	return nil
}

func navigable(s *model.WizardState) error {
	switch s.Submission.Phase {
	case model.PhaseInFlight:
		return model.NewPreconditionError("a submission is in progress")
	case model.PhaseSucceeded:
		return model.NewPreconditionError("registration has already been submitted; reset to start a new one")
	}
	return nil
}

// applyVerified sets the verified flag. It is idempotent; a later identity
// payload replaces an earlier one.
func applyVerified(s *model.WizardState, identity map[string]any) {
	s.Verified = true
	if identity != nil {
		s.Identity = identity
	}
}

// beginSubmission claims the InFlight slot for attemptID. An InFlight
// attempt older than staleAfter is treated as abandoned and may be taken
// over; staleAfter <= 0 disables takeover.
func beginSubmission(s *model.WizardState, def model.WizardDefinition, attemptID string, now time.Time, staleAfter time.Duration) error {
	switch s.Submission.Phase {
	case model.PhaseSucceeded:
		return model.NewPreconditionError("registration has already been submitted")
	case model.PhaseInFlight:
		if !stale(s, now, staleAfter) {
			return errAlreadyInFlight
		}
	}

	if s.CurrentStep != def.StepCount() {
		return model.NewPreconditionError("submit is only available on the final step")
	}

	started := now
	s.Submission = model.SubmissionStatus{
		Phase:     model.PhaseInFlight,
		Attempts:  s.Submission.Attempts + 1,
		AttemptID: attemptID,
		StartedAt: &started,
	}
	return nil
}

// finishSubmission records the outcome of attemptID. It reports false, and
// leaves the state untouched, when the attempt no longer owns the slot.
func finishSubmission(s *model.WizardState, attemptID string, receipt model.SubmissionReceipt, subErr error, now time.Time) bool {
	if s.Submission.Phase != model.PhaseInFlight || s.Submission.AttemptID != attemptID {
		return false
	}

	finished := now
	s.Submission.FinishedAt = &finished
	if subErr == nil {
		s.Submission.Phase = model.PhaseSucceeded
		r := receipt
		s.Receipt = &r
		return true
	}

	s.Submission.Phase = model.PhaseFailed
	if env, ok := model.AsEnvelope(subErr); ok {
		s.Submission.Code = env.Code
		s.Submission.Reason = env.Message
	} else {
		internal := model.NewInternalError()
		s.Submission.Code = internal.Code
		s.Submission.Reason = internal.Message
	}
	return true
}

// applyReset returns the state to its initial value, keeping only the
// session identity and storage metadata. It is the one transition refused
// while a submission is in flight: the attempt still owns the session and
// its outcome must land on the state it was started from.
func applyReset(s *model.WizardState) error {
	if s.Submission.Phase == model.PhaseInFlight {
		return model.NewPreconditionError("a submission is in progress")
	}
	fresh := model.NewWizardState(s.SessionID, s.WizardID)
	fresh.Version = s.Version
	fresh.CreatedAt = s.CreatedAt
	fresh.UpdatedAt = s.UpdatedAt
	fresh.ExpiresAt = s.ExpiresAt
	*s = fresh
	return nil
}

func stale(s *model.WizardState, now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 || s.Submission.StartedAt == nil {
		return false
	}
	return now.Sub(*s.Submission.StartedAt) > staleAfter
}
