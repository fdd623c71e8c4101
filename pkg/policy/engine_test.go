package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/capahunt/capahunt/pkg/provision"
)

func validSpec() *provision.Spec {
	return &provision.Spec{
		Profile:     "a1-flex",
		Shape:       "VM.Standard.A1.Flex",
		OCPUs:       4,
		MemoryGB:    24,
		ImageID:     "img-1",
		SubnetID:    "sub-1",
		DisplayName: "hunter-a1",
		Region:      "eu-stockholm-1",
		Zones:       []string{"AD-1"},
	}
}

func TestCheckAllowsValidSpec(t *testing.T) {
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	res, err := e.Check(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("valid spec denied: %+v", res.Violations)
	}
}

func TestCheckDeniesOversizedA1(t *testing.T) {
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	spec := validSpec()
	spec.OCPUs = 8
	res, err := e.Check(context.Background(), spec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("8-OCPU A1 spec allowed, want denial")
	}
	found := false
	for _, v := range res.Violations {
		if v.Policy == "free-tier-limits" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no free-tier violation in %+v", res.Violations)
	}
}

func TestCheckDeniesIncompleteSpec(t *testing.T) {
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	spec := validSpec()
	spec.ImageID = ""
	spec.Zones = nil
	res, err := e.Check(context.Background(), spec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("incomplete spec allowed, want denial")
	}
	if len(res.Violations) < 2 {
		t.Fatalf("violations = %+v, want missing image and zones", res.Violations)
	}
}

func TestLoadDirOperatorPolicy(t *testing.T) {
	dir := t.TempDir()
	regoSrc := `package capahunt.regions

deny contains msg if {
	input.spec.region != "eu-stockholm-1"
	msg := sprintf("region %s is not approved", [input.spec.region])
}
`
	if err := os.WriteFile(filepath.Join(dir, "regions.rego"), []byte(regoSrc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	spec := validSpec()
	spec.Region = "us-ashburn-1"
	res, err := e.Check(context.Background(), spec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("unapproved region allowed")
	}
}

func TestWarningSeverityDoesNotDeny(t *testing.T) {
	dir := t.TempDir()
	regoSrc := `# severity: warning
package capahunt.naming

deny contains msg if {
	not startswith(input.spec.display_name, "hunter-")
	msg := "display names should use the hunter- prefix"
}
`
	if err := os.WriteFile(filepath.Join(dir, "naming.rego"), []byte(regoSrc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	spec := validSpec()
	spec.DisplayName = "misnamed"
	res, err := e.Check(context.Background(), spec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("warning-severity violation denied the spec: %+v", res.Violations)
	}
	if len(res.Violations) == 0 {
		t.Fatal("warning violation missing from result")
	}
}

func TestLoadDirRejectsBadRego(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("this is not rego"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.LoadDir(context.Background(), dir); err == nil {
		t.Fatal("LoadDir accepted unparsable rego")
	}
}

func TestPoliciesListsBuiltins(t *testing.T) {
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	names := map[string]bool{}
	for _, p := range e.Policies() {
		names[p.Name] = true
	}
	if !names["free-tier-limits"] || !names["profile-completeness"] {
		t.Fatalf("builtin policies missing: %v", names)
	}
}
