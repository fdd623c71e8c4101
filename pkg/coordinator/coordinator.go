// Package coordinator fans provisioning attempts out across resource
// profiles, enforces the run's wall-clock budget, and folds per-profile
// results into a single aggregate status and exit code.
package coordinator

import (
	"context"
	"time"

	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/provision"
	"github.com/capahunt/capahunt/pkg/telemetry"
)

// Runner is one profile attempt the coordinator can execute.
type Runner interface {
	Run(ctx context.Context) *provision.Result
	Profile() string
}

// Defaults for the run budget machinery.
const (
	DefaultBudget       = 25 * time.Minute
	DefaultGrace        = 10 * time.Second
	DefaultArtifactWait = 5 * time.Second
)

// Status is the aggregate outcome of one run.
type Status string

const (
	// StatusSuccess means at least one profile created an instance.
	StatusSuccess Status = "success"

	// StatusCapacityExhausted means every profile ended in an expected
	// non-creation outcome. This is the normal result of a hunt cycle.
	StatusCapacityExhausted Status = "capacity_exhausted"

	// StatusFailure means at least one profile hit a hard error.
	StatusFailure Status = "failure"

	// StatusTimeout means the budget expired before any profile finished
	// with a stronger outcome.
	StatusTimeout Status = "timeout"
)

// Aggregate is the collected outcome of a run.
type Aggregate struct {
	RunID      string              `json:"run_id"`
	Status     Status              `json:"status"`
	Results    []*provision.Result `json:"results"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Duration is the run's wall-clock time.
func (a *Aggregate) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Created returns the results that actually created instances.
func (a *Aggregate) Created() []*provision.Result {
	var out []*provision.Result
	for _, r := range a.Results {
		if r.Outcome == provision.OutcomeCreated {
			out = append(out, r)
		}
	}
	return out
}

// ExitCode maps the aggregate to the process exit code. In strict mode the
// capacity-exhausted steady state reports its informational code instead of
// success.
func (a *Aggregate) ExitCode(strict bool) int {
	switch a.Status {
	case StatusSuccess:
		return classify.ExitSuccess
	case StatusCapacityExhausted:
		if strict {
			return classify.ExitCapacity
		}
		return classify.ExitSuccess
	case StatusTimeout:
		return classify.ExitTimeout
	}
	code := classify.ExitFailure
	for _, r := range a.Results {
		if r.Outcome != provision.OutcomeFailed {
			continue
		}
		switch c := classify.ExitCode(r.Classification); c {
		case classify.ExitFatal:
			// Fatal wins over everything.
			return classify.ExitFatal
		case classify.ExitTransient:
			code = classify.ExitTransient
		}
	}
	return code
}

// Coordinator runs attempts in parallel under a shared budget.
type Coordinator struct {
	// RunID labels the run and its result artifacts.
	RunID string

	// Budget is the wall-clock limit for the whole run.
	Budget time.Duration

	// Grace is how long to wait after budget expiry for attempts to wind
	// down on their own. The command layer turns cancellation into SIGTERM,
	// so most attempts flush a result inside the grace window.
	Grace time.Duration

	// ArtifactWait bounds the secondary collection pass: attempts that did
	// not report in time may still have flushed a result artifact.
	ArtifactWait time.Duration

	// ArtifactDir is where attempts write their result artifacts.
	ArtifactDir string

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	now func() time.Time
}

func (c *Coordinator) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Coordinator) log() *telemetry.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return telemetry.Nop()
}

type attemptDone struct {
	profile string
	result  *provision.Result
}

// RunParallel executes every attempt concurrently and waits for all of them,
// the budget plus the grace window, whichever comes first. Attempts still
// running after the grace window are abandoned; the coordinator synthesizes a
// timeout result for them after one last look for a flushed artifact.
func (c *Coordinator) RunParallel(ctx context.Context, attempts []Runner) *Aggregate {
	budget := c.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	grace := c.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	agg := &Aggregate{
		RunID:     c.RunID,
		StartedAt: c.clock(),
	}
	log := c.log().WithRunID(c.RunID)

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan attemptDone, len(attempts))
	for _, a := range attempts {
		a := a
		go func() {
			done <- attemptDone{profile: a.Profile(), result: a.Run(runCtx)}
		}()
	}

	pending := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		pending[a.Profile()] = true
	}

	deadline := time.NewTimer(budget + grace)
	defer deadline.Stop()

	for len(pending) > 0 {
		select {
		case d := <-done:
			delete(pending, d.profile)
			agg.Results = append(agg.Results, d.result)
			log.WithProfile(d.profile).
				WithField("outcome", string(d.result.Outcome)).
				Info("profile attempt finished")
		case <-deadline.C:
			c.collectStragglers(ctx, agg, pending, log)
			pending = nil
		}
	}

	agg.FinishedAt = c.clock()
	agg.Status = c.aggregate(agg.Results)
	c.Metrics.RecordHuntFinished(string(agg.Status), agg.Duration())
	log.WithField("status", string(agg.Status)).
		WithField("duration", agg.Duration().String()).
		Info("hunt run finished")
	return agg
}

// collectStragglers handles attempts that outlived the budget and grace: one
// bounded wait for a late artifact per profile, then a synthesized timeout.
func (c *Coordinator) collectStragglers(ctx context.Context, agg *Aggregate, pending map[string]bool, log *telemetry.Logger) {
	wait := c.ArtifactWait
	if wait <= 0 {
		wait = DefaultArtifactWait
	}
	for profile := range pending {
		plog := log.WithProfile(profile)
		if c.ArtifactDir != "" {
			waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wait)
			res, err := provision.WaitForResult(waitCtx, c.ArtifactDir, c.RunID, profile)
			cancel()
			if err == nil {
				plog.Info("collected late result artifact from abandoned attempt")
				agg.Results = append(agg.Results, res)
				continue
			}
		}
		plog.Warn("attempt exceeded budget, recording timeout")
		agg.Results = append(agg.Results, &provision.Result{
			RunID:      c.RunID,
			Profile:    profile,
			Outcome:    provision.OutcomeTimeout,
			Error:      "attempt exceeded run budget",
			StartedAt:  agg.StartedAt,
			FinishedAt: c.clock(),
		})
	}
}

func (c *Coordinator) aggregate(results []*provision.Result) Status {
	anyCreated, anyFailed, anyTimeout := false, false, false
	for _, r := range results {
		switch r.Outcome {
		case provision.OutcomeCreated:
			anyCreated = true
		case provision.OutcomeFailed:
			anyFailed = true
		case provision.OutcomeTimeout:
			anyTimeout = true
		}
	}
	switch {
	case anyCreated:
		return StatusSuccess
	case anyFailed:
		return StatusFailure
	case anyTimeout:
		return StatusTimeout
	default:
		return StatusCapacityExhausted
	}
}
