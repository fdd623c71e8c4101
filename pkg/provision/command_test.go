package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/capahunt/capahunt/pkg/classify"
)

func TestExtractResourceID(t *testing.T) {
	out := `{"status": "ok", "id": "ocid1.instance.oc1.eu-stockholm-1.anqxkljrxyzabc123"}`
	got := ExtractResourceID(out)
	want := "ocid1.instance.oc1.eu-stockholm-1.anqxkljrxyzabc123"
	if got != want {
		t.Fatalf("ExtractResourceID = %q, want %q", got, want)
	}
}

func TestExtractResourceIDAbsent(t *testing.T) {
	if got := ExtractResourceID("no identifiers here, only ocid1.tenancy.oc1..aaaa"); got != "" {
		t.Fatalf("ExtractResourceID = %q, want empty", got)
	}
}

func TestExecRunnerArgs(t *testing.T) {
	r := &ExecRunner{Program: "provision", BaseArgs: []string{"launch"}}
	spec := Spec{
		Shape:       "VM.Standard.A1.Flex",
		OCPUs:       4,
		MemoryGB:    24,
		ImageID:     "img-1",
		SubnetID:    "sub-1",
		DisplayName: "hunter-a1",
		Region:      "eu-stockholm-1",
	}
	args := r.args(spec, "AD-2")
	want := []string{
		"launch",
		"--shape", "VM.Standard.A1.Flex",
		"--availability-domain", "AD-2",
		"--image-id", "img-1",
		"--subnet-id", "sub-1",
		"--display-name", "hunter-a1",
		"--region", "eu-stockholm-1",
		"--ocpus", "4",
		"--memory-gb", "24",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provision.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRunnerSuccess(t *testing.T) {
	prog := writeScript(t, `echo "created ocid1.instance.oc1.region.abc123"`)
	r := &ExecRunner{Program: prog, Timeout: 10 * time.Second}
	res, err := r.Run(context.Background(), Spec{DisplayName: "x"}, "AD-1")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ResourceID != "ocid1.instance.oc1.region.abc123" {
		t.Fatalf("ResourceID = %q", res.ResourceID)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestExecRunnerCapacityFailure(t *testing.T) {
	prog := writeScript(t, `echo "Error: Out of host capacity" >&2; exit 1`)
	r := &ExecRunner{Program: prog, Timeout: 10 * time.Second}
	res, err := r.Run(context.Background(), Spec{}, "AD-1")
	if err == nil {
		t.Fatal("Run succeeded, want classified error")
	}
	if got := classify.ClassOf(err); got != classify.Capacity {
		t.Fatalf("classification = %s, want %s", got, classify.Capacity)
	}
	if res.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestExecRunnerCleanExitWithoutID(t *testing.T) {
	prog := writeScript(t, `echo "nothing was created"`)
	r := &ExecRunner{Program: prog, Timeout: 10 * time.Second}
	_, err := r.Run(context.Background(), Spec{}, "AD-1")
	if err == nil {
		t.Fatal("Run succeeded without a resource identifier")
	}
	if got := classify.ClassOf(err); got != classify.Unknown {
		t.Fatalf("classification = %s, want %s", got, classify.Unknown)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	prog := writeScript(t, `sleep 30`)
	r := &ExecRunner{Program: prog, Timeout: 200 * time.Millisecond, Grace: 100 * time.Millisecond}
	start := time.Now()
	_, err := r.Run(context.Background(), Spec{}, "AD-1")
	if err == nil {
		t.Fatal("Run succeeded, want timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run took %v, termination did not escalate", elapsed)
	}
	if got := classify.ClassOf(err); got != classify.Network {
		t.Fatalf("classification = %s, want %s", got, classify.Network)
	}
}

func TestExecRunnerMissingProgram(t *testing.T) {
	r := &ExecRunner{Program: filepath.Join(t.TempDir(), "nope"), Timeout: time.Second}
	_, err := r.Run(context.Background(), Spec{}, "AD-1")
	if err == nil {
		t.Fatal("Run succeeded with missing program")
	}
	if got := classify.ClassOf(err); got != classify.Config {
		t.Fatalf("classification = %s, want %s", got, classify.Config)
	}
}
