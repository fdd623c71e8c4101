package provision

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/capahunt/capahunt/pkg/classify"
)

// instanceIDPattern matches provider instance identifiers in command output.
var instanceIDPattern = regexp.MustCompile(`ocid1\.instance\.[a-z0-9]+\.[a-z0-9-]*\.[a-z0-9.]+`)

// CommandResult captures one invocation of the provisioning command.
type CommandResult struct {
	Output     string        `json:"output"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	ResourceID string        `json:"resource_id,omitempty"`
}

// Runner executes the provisioning command for one zone.
type Runner interface {
	Run(ctx context.Context, spec Spec, zone string) (*CommandResult, error)
}

// ExecRunner runs an external provisioning program as an OS process. The
// program receives the attempt parameters as flags and reports the created
// resource identifier on stdout.
type ExecRunner struct {
	// Program is the provisioning binary path.
	Program string

	// BaseArgs are prepended to the generated per-attempt flags.
	BaseArgs []string

	// Timeout bounds one invocation when the Spec does not set its own.
	Timeout time.Duration

	// Grace is how long to wait after SIGTERM before SIGKILL.
	Grace time.Duration
}

// DefaultOperationTimeout bounds one provisioning call when neither the
// runner nor the spec sets a timeout.
const DefaultOperationTimeout = 5 * time.Minute

// DefaultTerminationGrace is the SIGTERM to SIGKILL window.
const DefaultTerminationGrace = 10 * time.Second

func (r *ExecRunner) args(spec Spec, zone string) []string {
	args := append([]string{}, r.BaseArgs...)
	args = append(args,
		"--shape", spec.Shape,
		"--availability-domain", zone,
		"--image-id", spec.ImageID,
		"--subnet-id", spec.SubnetID,
		"--display-name", spec.DisplayName,
		"--region", spec.Region,
	)
	if spec.OCPUs > 0 {
		args = append(args, "--ocpus", strconv.Itoa(spec.OCPUs))
	}
	if spec.MemoryGB > 0 {
		args = append(args, "--memory-gb", strconv.Itoa(spec.MemoryGB))
	}
	return args
}

// Run invokes the provisioning program once. Cancellation sends SIGTERM and
// escalates to SIGKILL after the grace window, so a budget-expired attempt
// still gets a chance to exit cleanly.
func (r *ExecRunner) Run(ctx context.Context, spec Spec, zone string) (*CommandResult, error) {
	timeout := spec.OperationTimeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultTerminationGrace
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Program, r.args(spec, zone)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	res := &CommandResult{
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			res.ExitCode = classify.ExitTimeout
			return res, classify.NewError(classify.Network, "provisioning command timed out", ctx.Err()).
				WithZone(zone).WithOperation("provision")
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = -1
			return res, classify.NewError(classify.Config, "provisioning command failed to start", err).
				WithZone(zone).WithOperation("provision")
		}
	}

	res.ResourceID = ExtractResourceID(res.Output)
	if res.ExitCode == 0 && res.ResourceID != "" {
		return res, nil
	}

	herr := classify.FromOutput("provisioning command failed", res.Output)
	if res.ExitCode == 0 && res.ResourceID == "" && herr.Class == classify.Unknown {
		herr.Message = "provisioning command exited 0 without a resource identifier"
	}
	return res, herr.WithZone(zone).WithOperation("provision")
}

// ExtractResourceID pulls the first provider instance identifier out of
// command output, or returns "".
func ExtractResourceID(output string) string {
	return instanceIDPattern.FindString(output)
}
