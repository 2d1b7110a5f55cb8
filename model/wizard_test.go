package model

import "testing"

func TestNewWizardState(t *testing.T) {
	s := NewWizardState("sess-1", "vendor_onboarding")
	if s.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", s.CurrentStep)
	}
	if s.Verified {
		t.Error("Verified = true, want false")
	}
	if s.Submission.Phase != PhaseIdle {
		t.Errorf("Submission.Phase = %q, want %q", s.Submission.Phase, PhaseIdle)
	}
	if s.Fields == nil || len(s.Fields) != 0 {
		t.Errorf("Fields = %v, want empty non-nil map", s.Fields)
	}
	if s.MachineState() != MachineCollecting {
		t.Errorf("MachineState() = %q, want %q", s.MachineState(), MachineCollecting)
	}
}

func TestWizardState_MachineState(t *testing.T) {
	tests := []struct {
		phase SubmissionPhase
		want  string
	}{
		{PhaseIdle, MachineCollecting},
		{PhaseInFlight, MachineSubmitting},
		{PhaseSucceeded, MachineSubmitted},
		{PhaseFailed, MachineSubmitFailed},
	}
	for _, tt := range tests {
		s := WizardState{Submission: SubmissionStatus{Phase: tt.phase}}
		if got := s.MachineState(); got != tt.want {
			t.Errorf("MachineState(%q) = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

func TestWizardState_Clone_isolates_fields(t *testing.T) {
	s := NewWizardState("sess-1", "w")
	s.Fields["email"] = Text("a@b.co")
	s.Identity = map[string]any{"token": "t1"}

	c := s.Clone()
	c.Fields["email"] = Text("x@y.co")
	c.Identity["token"] = "t2"

	if got, _ := s.Fields["email"].AsText(); got != "a@b.co" {
		t.Errorf("original email = %q, want a@b.co", got)
	}
	if s.Identity["token"] != "t1" {
		t.Errorf("original identity token = %v, want t1", s.Identity["token"])
	}
}

func TestValidationResult_First(t *testing.T) {
	var r ValidationResult
	if !r.Valid() {
		t.Error("empty result Valid() = false, want true")
	}
	if _, ok := r.First(); ok {
		t.Error("empty result First() ok = true, want false")
	}

	r.Errors = []FieldError{
		{Field: "avgCost", Code: "REQUIRED", Message: "Average cost is required"},
		{Field: "cuisines", Code: "MIN_SELECTED", Message: "Select at least one cuisine"},
	}
	first, ok := r.First()
	if !ok || first.Field != "avgCost" {
		t.Errorf("First() = %+v, want avgCost", first)
	}
}

func TestWizardDefinition_Step_lookup(t *testing.T) {
	d := WizardDefinition{Steps: []StepDefinition{{ID: "email"}, {ID: "otp"}}}
	if d.StepCount() != 2 {
		t.Errorf("StepCount() = %d, want 2", d.StepCount())
	}
	if s, ok := d.Step(2); !ok || s.ID != "otp" {
		t.Errorf("Step(2) = %+v, %v", s, ok)
	}
	if _, ok := d.Step(0); ok {
		t.Error("Step(0) ok = true, want false")
	}
	if _, ok := d.Step(3); ok {
		t.Error("Step(3) ok = true, want false")
	}
	if d.StepIndex("otp") != 2 || d.StepIndex("missing") != 0 {
		t.Error("StepIndex returned unexpected positions")
	}
}
