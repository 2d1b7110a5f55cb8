package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/droponboard/model"
)

const shippedDefinitions = "../../definitions"

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	path := filepath.Join(shippedDefinitions, "vendor_onboarding.yaml")
	def, err := l.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.ID != "vendor_onboarding" {
		t.Errorf("ID = %q, want vendor_onboarding", def.ID)
	}
	if def.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", def.Version)
	}
	if def.StepCount() != 6 {
		t.Fatalf("StepCount() = %d, want 6", def.StepCount())
	}
	if step, _ := def.Step(2); step.Action == nil || step.Action.Type != model.ActionVerifyOTP {
		t.Errorf("step 2 action = %+v, want verify_otp", step.Action)
	}
	if step, _ := def.Step(3); !step.RequiresVerified {
		t.Error("step 3 should require verification")
	}
	f, ok := def.Field("fssaiProof")
	if !ok || f.Type != model.KindFile {
		t.Fatalf("fssaiProof = %+v, want file field", f)
	}
	if got := def.Submission.Aliases["avgCost"]; len(got) != 1 || got[0] != "avg_cost_for_two" {
		t.Errorf("Aliases[avgCost] = %v", got)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != path {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("id: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewLoader().LoadFile(path)
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_unknown_key(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "typo.yaml")
	doc := "id: w\nversion: \"1\"\nfields:\n  - name: a\n    type: text\n    rulez: []\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := NewLoader().LoadFile(path)
	if err == nil {
		t.Fatal("LoadFile() with misspelled key should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(path, body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(dir, "a.yaml"), "id: a\nversion: \"1\"\n")
	write(filepath.Join(nested, "b.yml"), "id: b\nversion: \"1\"\n")
	write(filepath.Join(dir, "README.md"), "# not a definition")

	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() = %d definitions, want 2", len(defs))
	}
}

func TestLoader_LoadAll_missing_directory(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{"testdata/does-not-exist"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}
