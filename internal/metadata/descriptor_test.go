package metadata

import (
	"testing"

	"github.com/pitabwire/droponboard/internal/definition"
	"github.com/pitabwire/droponboard/model"
)

func testRegistry() *definition.Registry {
	six := 6.0
	return definition.NewRegistry([]model.WizardDefinition{{
		ID:   "vendor_onboarding",
		Name: "Vendor onboarding",
		Fields: []model.FieldDefinition{
			{Name: "email", Label: "Email", Type: model.KindText, Rules: []model.RuleDefinition{
				{Kind: model.RuleRequired}, {Kind: model.RuleEmail},
			}},
			{Name: "otp", Label: "OTP", Type: model.KindText, Sensitive: true, Rules: []model.RuleDefinition{
				{Kind: model.RuleDigits, Length: 6},
			}},
			{Name: "cuisines", Label: "Cuisines", Type: model.KindStringSet, Options: []string{"Chinese", "Italian"},
				Rules: []model.RuleDefinition{{Kind: model.RuleMinSelected, MinSelected: 1}}},
			{Name: "rating", Label: "Rating", Type: model.KindText, Rules: []model.RuleDefinition{
				{Kind: model.RuleRange, Max: &six},
			}},
		},
		Steps: []model.StepDefinition{
			{ID: "contact", Title: "Contact", Fields: []string{"email"}, Action: &model.StepAction{Type: model.ActionSendOTP, IdentifierField: "email"}},
			{ID: "verify", Title: "Verify", Fields: []string{"otp"}, Action: &model.StepAction{Type: model.ActionVerifyOTP, IdentifierField: "email", OTPField: "otp"}},
			{ID: "menu", Title: "Menu", Fields: []string{"cuisines", "rating"}, RequiresVerified: true},
		},
	}})
}

func TestDescribe_stepTwo(t *testing.T) {
	p := NewSessionProvider(testRegistry())
	state := model.NewWizardState("sess-1", "vendor_onboarding")
	state.CurrentStep = 2
	state.Fields["email"] = model.Text("a@b.co")
	state.Fields["otp"] = model.Text("123456")

	desc, err := p.Describe(state)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	if desc.State != model.MachineCollecting || desc.StepIndex != 2 || desc.TotalSteps != 3 {
		t.Errorf("desc = %+v", desc)
	}
	if !desc.CanGoBack || desc.CanSubmit {
		t.Errorf("CanGoBack=%v CanSubmit=%v", desc.CanGoBack, desc.CanSubmit)
	}

	wantStatus := []string{model.StepStatusCompleted, model.StepStatusInProgress, model.StepStatusLocked}
	for i, s := range desc.Steps {
		if s.Status != wantStatus[i] {
			t.Errorf("Steps[%d].Status = %q, want %q", i, s.Status, wantStatus[i])
		}
	}

	if _, ok := desc.Fields["otp"]; ok {
		t.Error("sensitive field echoed in Fields")
	}
	if desc.Fields["email"].String() != "a@b.co" {
		t.Errorf("email = %v", desc.Fields["email"])
	}

	step := desc.CurrentStep
	if step == nil || step.ID != "verify" || step.Action != model.ActionVerifyOTP {
		t.Fatalf("CurrentStep = %+v", step)
	}
	otp := step.Fields[0]
	if otp.Value != nil {
		t.Error("sensitive value echoed in step descriptor")
	}
	if otp.Validation == nil || otp.Validation.Pattern != `^\d{6}$` || *otp.Validation.MinLength != 6 {
		t.Errorf("otp validation = %+v", otp.Validation)
	}
}

func TestDescribe_finalStepHints(t *testing.T) {
	p := NewSessionProvider(testRegistry())
	state := model.NewWizardState("sess-1", "vendor_onboarding")
	state.CurrentStep = 3
	state.Verified = true

	desc, err := p.Describe(state)
	if err != nil {
		t.Fatal(err)
	}
	if !desc.CanSubmit {
		t.Error("CanSubmit = false on final step")
	}

	cuisines := desc.CurrentStep.Fields[0]
	if len(cuisines.Options) != 2 || cuisines.Validation.MinSelected != 1 {
		t.Errorf("cuisines = %+v", cuisines)
	}
	rating := desc.CurrentStep.Fields[1]
	if rating.Validation == nil || rating.Validation.Max == nil || *rating.Validation.Max != 6 {
		t.Errorf("rating validation = %+v", rating.Validation)
	}
	if rating.Required {
		t.Error("rating marked required")
	}
}

func TestDescribe_submissionPhases(t *testing.T) {
	p := NewSessionProvider(testRegistry())

	tests := []struct {
		phase      model.SubmissionPhase
		wantState  string
		wantBack   bool
		wantSubmit bool
	}{
		{model.PhaseInFlight, model.MachineSubmitting, false, false},
		{model.PhaseSucceeded, model.MachineSubmitted, false, false},
		{model.PhaseFailed, model.MachineSubmitFailed, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			state := model.NewWizardState("sess-1", "vendor_onboarding")
			state.CurrentStep = 3
			state.Verified = true
			state.Submission.Phase = tt.phase

			desc, err := p.Describe(state)
			if err != nil {
				t.Fatal(err)
			}
			if desc.State != tt.wantState || desc.CanGoBack != tt.wantBack || desc.CanSubmit != tt.wantSubmit {
				t.Errorf("State=%q CanGoBack=%v CanSubmit=%v", desc.State, desc.CanGoBack, desc.CanSubmit)
			}
			if tt.phase == model.PhaseSucceeded {
				for _, s := range desc.Steps {
					if s.Status != model.StepStatusCompleted {
						t.Errorf("step %s status = %q after success", s.ID, s.Status)
					}
				}
			}
		})
	}
}

func TestDescribe_unknownWizard(t *testing.T) {
	p := NewSessionProvider(testRegistry())
	_, err := p.Describe(model.NewWizardState("sess-1", "nope"))
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}
