package classify

// Exit codes reported to the invoking scheduler. Expected non-errors exit 0
// so the scheduler keeps the hunt on its timer instead of flagging the job.
const (
	ExitSuccess   = 0   // success, capacity exhaustion, or duplicate
	ExitFailure   = 1   // general or unclassified failure
	ExitCapacity  = 2   // capacity or rate-limit condition (informational)
	ExitFatal     = 3   // configuration/authentication failure, operator action required
	ExitTransient = 4   // network/internal failure that exhausted retries
	ExitTimeout   = 124 // wall-clock budget exceeded
)

// ExitCode maps a classification to the orchestrator's exit-code taxonomy.
// Expected classes still exit 0; callers wanting the informational capacity
// code use ExitCodeStrict.
func ExitCode(c Classification) int {
	switch {
	case c.IsExpected():
		return ExitSuccess
	case c.IsTransient():
		return ExitTransient
	case c == Auth || c == Config:
		return ExitFatal
	default:
		return ExitFailure
	}
}

// ExitCodeStrict is ExitCode with capacity-family conditions surfaced as the
// dedicated informational code instead of 0.
func ExitCodeStrict(c Classification) int {
	if c.IsExpected() {
		return ExitCapacity
	}
	return ExitCode(c)
}
