package provision

import (
	"context"
	"errors"
	"time"

	"github.com/capahunt/capahunt/pkg/breaker"
	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/retry"
	"github.com/capahunt/capahunt/pkg/statecache"
	"github.com/capahunt/capahunt/pkg/telemetry"
)

// ZoneRanker reorders candidate zones before the attempt walks them. The
// default ranker preserves configured order.
type ZoneRanker interface {
	Rank(ctx context.Context, profile string, zones []string) ([]string, error)
}

// Verifier probes a freshly created instance and reports its observed status.
type Verifier interface {
	Verify(ctx context.Context, resourceID, displayName string) (statecache.Status, error)
}

// Attempt runs the full provisioning cycle for one profile: rank zones,
// filter through the breaker, check the state cache, call the provisioning
// command with transient retries, and record every outcome.
type Attempt struct {
	RunID   string
	Spec    Spec
	Runner  Runner
	Breaker *breaker.Breaker
	Cache   *statecache.Manager
	Retrier *retry.Retrier
	Ranker  ZoneRanker
	Verify  Verifier

	ArtifactDir string

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	now func() time.Time
}

// Profile returns the profile name this attempt provisions.
func (a *Attempt) Profile() string {
	return a.Spec.Profile
}

func (a *Attempt) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *Attempt) log() *telemetry.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return telemetry.Nop()
}

// Run executes the attempt to completion and writes the result artifact. It
// never returns a Go error: every failure mode is folded into the Result so
// the coordinator aggregates outcomes, not error chains.
func (a *Attempt) Run(ctx context.Context) *Result {
	res := &Result{
		RunID:     a.RunID,
		Profile:   a.Spec.Profile,
		StartedAt: a.clock(),
	}
	log := a.log().WithRunID(a.RunID).WithProfile(a.Spec.Profile)

	ctx, span := a.Tracer.StartAttempt(ctx, a.Spec.Profile)
	defer span.End()

	a.Metrics.AttemptStarted()
	defer a.Metrics.AttemptDone()

	a.finish(ctx, log, res)
	telemetry.RecordOutcome(span, string(res.Outcome), nil)
	return res
}

func (a *Attempt) finish(ctx context.Context, log *telemetry.Logger, res *Result) {
	defer func() {
		res.FinishedAt = a.clock()
		a.Metrics.RecordAttempt(a.Spec.Profile, string(res.Outcome), res.Duration())
		if a.ArtifactDir != "" {
			if err := WriteResult(a.ArtifactDir, res); err != nil {
				log.WithError(err).Warn("failed to write result artifact")
			}
		}
	}()

	if a.Cache != nil {
		ok, err := a.Cache.ShouldCreate(ctx, a.Spec.DisplayName)
		if err != nil {
			log.WithError(err).Warn("state cache lookup failed, proceeding without it")
			a.Metrics.RecordCacheLookup("error")
		} else if !ok {
			log.Info("instance already live in state cache, skipping")
			a.Metrics.RecordCacheLookup("hit")
			res.Outcome = OutcomeCached
			return
		} else {
			a.Metrics.RecordCacheLookup("miss")
		}
	}

	zones := a.Spec.Zones
	if a.Ranker != nil {
		ranked, err := a.Ranker.Rank(ctx, a.Spec.Profile, zones)
		if err != nil {
			log.WithError(err).Warn("zone ranking failed, using configured order")
		} else {
			zones = ranked
		}
	}

	if a.Breaker != nil {
		available, err := a.Breaker.AvailableZones(ctx, zones)
		if err != nil {
			log.WithError(err).Warn("breaker consultation failed, trying all zones")
		} else {
			for _, z := range zones {
				if !contains(available, z) {
					log.WithZone(z).Debug("zone skipped by circuit breaker")
					a.Metrics.RecordZoneSkipped(z)
				}
			}
			zones = available
		}
	}

	if len(zones) == 0 {
		log.Info("no eligible zones this cycle")
		res.Outcome = OutcomeNoZones
		return
	}

	var lastErr *classify.HuntError
	for _, zone := range zones {
		if ctx.Err() != nil {
			res.Outcome = OutcomeTimeout
			res.Error = ctx.Err().Error()
			return
		}
		res.ZonesTried = append(res.ZonesTried, zone)
		zlog := log.WithZone(zone)

		cmdRes, err := a.tryZone(ctx, zone)
		if err == nil {
			a.succeeded(ctx, zlog, res, zone, cmdRes)
			return
		}
		// A cancelled run context means the budget expired mid-zone; that is
		// a timeout, not a provider failure.
		if ctx.Err() != nil {
			res.Outcome = OutcomeTimeout
			res.Zone = zone
			res.Error = ctx.Err().Error()
			return
		}

		class := classify.ClassOf(err)
		a.Metrics.RecordZoneOutcome(zone, string(class))
		zlog.WithError(err).WithField("classification", string(class)).Info("zone attempt failed")

		var he *classify.HuntError
		if !errors.As(err, &he) {
			he = classify.NewError(class, err.Error(), err)
		}
		lastErr = he

		switch {
		case class == classify.Duplicate:
			a.duplicate(ctx, zlog, res, zone, he)
			return
		case class.IsFatal():
			res.Outcome = OutcomeFailed
			res.Classification = class
			res.Zone = zone
			res.Error = he.Error()
			return
		}

		// Every non-fatal failure counts against the zone's breaker.
		if a.Breaker != nil {
			if berr := a.Breaker.RecordFailure(ctx, zone); berr != nil {
				zlog.WithError(berr).Warn("failed to record breaker failure")
			}
		}
	}

	if lastErr != nil && !lastErr.Class.IsExpected() {
		res.Outcome = OutcomeFailed
		res.Classification = lastErr.Class
		res.Error = lastErr.Error()
		return
	}
	res.Outcome = OutcomeCapacity
	if lastErr != nil {
		res.Classification = lastErr.Class
		res.Error = lastErr.Error()
	}
	log.Info("capacity exhausted across all eligible zones")
}

// tryZone runs the provisioning command for one zone, retrying transient
// failures with exponential backoff.
func (a *Attempt) tryZone(ctx context.Context, zone string) (*CommandResult, error) {
	ctx, span := a.Tracer.StartZoneCall(ctx, zone)
	defer span.End()

	retrier := a.Retrier
	if retrier == nil {
		retrier = retry.New()
	}
	var cmdRes *CommandResult
	err := retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		cmdRes, err = a.Runner.Run(ctx, a.Spec, zone)
		return err
	})
	if err != nil {
		telemetry.RecordOutcome(span, string(classify.ClassOf(err)), err)
	} else {
		telemetry.RecordOutcome(span, "success", nil)
	}
	return cmdRes, err
}

func (a *Attempt) succeeded(ctx context.Context, log *telemetry.Logger, res *Result, zone string, cmdRes *CommandResult) {
	res.Outcome = OutcomeCreated
	res.Zone = zone
	res.ResourceID = cmdRes.ResourceID
	log.WithField("resource_id", cmdRes.ResourceID).Info("instance created")

	if a.Breaker != nil {
		if err := a.Breaker.RecordSuccess(ctx, zone); err != nil {
			log.WithError(err).Warn("failed to reset breaker after success")
		}
	}
	if a.Cache != nil {
		if err := a.Cache.RecordCreated(ctx, a.Spec.DisplayName, cmdRes.ResourceID, a.Spec.Profile); err != nil {
			log.WithError(err).Warn("failed to record creation in state cache")
		}
	}
	if a.Verify != nil {
		status, err := a.Verify.Verify(ctx, cmdRes.ResourceID, a.Spec.DisplayName)
		if err != nil {
			log.WithError(err).Warn("post-creation verification failed")
			return
		}
		if a.Cache != nil {
			if err := a.Cache.RecordVerified(ctx, a.Spec.DisplayName, cmdRes.ResourceID, status); err != nil {
				log.WithError(err).Warn("failed to record verification in state cache")
			}
		}
	}
}

// duplicate handles the already-exists outcome: the instance is live even
// though this run did not create it, so the cache learns about it.
func (a *Attempt) duplicate(ctx context.Context, log *telemetry.Logger, res *Result, zone string, he *classify.HuntError) {
	res.Outcome = OutcomeDuplicate
	res.Classification = classify.Duplicate
	res.Zone = zone
	log.Info("instance already exists")
	if a.Breaker != nil {
		if err := a.Breaker.RecordSuccess(ctx, zone); err != nil {
			log.WithError(err).Warn("failed to reset breaker after duplicate")
		}
	}
	if a.Cache != nil {
		id := ExtractResourceID(he.Output)
		if err := a.Cache.RecordCreated(ctx, a.Spec.DisplayName, id, a.Spec.Profile); err != nil {
			log.WithError(err).Warn("failed to record duplicate in state cache")
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
