package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/capahunt/capahunt/pkg/breaker"
	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/config"
	"github.com/capahunt/capahunt/pkg/coordinator"
	"github.com/capahunt/capahunt/pkg/history"
	"github.com/capahunt/capahunt/pkg/kvstore"
	"github.com/capahunt/capahunt/pkg/lockfile"
	"github.com/capahunt/capahunt/pkg/notify"
	"github.com/capahunt/capahunt/pkg/policy"
	"github.com/capahunt/capahunt/pkg/provision"
	"github.com/capahunt/capahunt/pkg/retry"
	"github.com/capahunt/capahunt/pkg/schedule"
	"github.com/capahunt/capahunt/pkg/statecache"
	"github.com/capahunt/capahunt/pkg/telemetry"
	"github.com/capahunt/capahunt/pkg/verify"
	"github.com/capahunt/capahunt/pkg/zonerank"
)

func newHuntCommand() *cobra.Command {
	var (
		profileFilter []string
		strictExit    bool
		budget        time.Duration
		window        string
		force         bool
	)

	cmd := &cobra.Command{
		Use:   "hunt",
		Short: "Run one hunt cycle across all configured profiles",
		Long: `Run one provisioning cycle: every configured profile is attempted in
parallel, each walking its candidate zones until an instance is created
or capacity is exhausted everywhere.

Exit codes:
  0   an instance was created, or capacity was exhausted (the expected
      steady state; use --strict-exit to get 2 for the latter)
  1   at least one profile failed with a hard error
  3   authentication or configuration problem
  4   transient errors persisted through all retries
  124 the run exceeded its wall-clock budget`,
		Example: `  # Run a cycle with the default config
  capahunt hunt

  # Hunt only one profile, with a tighter budget
  capahunt hunt --profile a1-flex --budget 10m

  # Cron-friendly: distinguish capacity exhaustion from success
  capahunt hunt --strict-exit --window cron-15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHunt(cmd.Context(), cmd.OutOrStdout(), huntOptions{
				profiles:   profileFilter,
				strictExit: strictExit,
				budget:     budget,
				window:     window,
				force:      force,
			})
		},
	}

	cmd.Flags().StringSliceVarP(&profileFilter, "profile", "p", nil, "limit the hunt to these profiles")
	cmd.Flags().BoolVar(&strictExit, "strict-exit", false, "exit 2 instead of 0 on capacity exhaustion")
	cmd.Flags().DurationVar(&budget, "budget", 0, "override the run wall-clock budget")
	cmd.Flags().StringVar(&window, "window", "manual", "schedule window label recorded in scheduler history")
	cmd.Flags().BoolVar(&force, "force", false, "run even when the adaptive scheduler recommends skipping")

	return cmd
}

type huntOptions struct {
	profiles   []string
	strictExit bool
	budget     time.Duration
	window     string
	force      bool
}

func runHunt(ctx context.Context, out io.Writer, opts huntOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	if opts.strictExit {
		cfg.Hunt.StrictExit = true
	}
	if opts.budget > 0 {
		cfg.Hunt.Budget = config.Duration(opts.budget)
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("init logging: %v", err)}
	}

	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("init metrics: %v", err)}
	}
	if cfg.Telemetry.Metrics.Enabled {
		if err := metrics.StartMetricsServer(); err != nil {
			logger.WithError(err).Warn("metrics server failed to start")
		}
	}

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("init tracing: %v", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	runID := uuid.NewString()
	log := logger.WithRunID(runID)
	ctx, runSpan := tracer.StartRun(ctx, runID, cfg.Region)
	defer runSpan.End()

	profiles, err := selectProfiles(cfg, opts.profiles)
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}

	engine, err := policy.NewEngine(logger)
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("init policy engine: %v", err)}
	}
	if cfg.Policy.Dir != "" {
		if err := engine.LoadDir(ctx, cfg.Policy.Dir); err != nil {
			return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("load policies: %v", err)}
		}
	}
	denied, err := checkPolicies(ctx, engine, cfg, profiles, log)
	if err != nil {
		return err
	}
	if denied {
		// A policy denial is an operator decision, not a failure.
		log.Info("hunt denied by policy, skipping cycle")
		return nil
	}

	// One hunt at a time per state directory.
	lock := lockfile.New(filepath.Join(cfg.StateDir, "hunt.lock"))
	lockStart := time.Now()
	if err := lock.Acquire(); err != nil {
		return &ExitError{Code: classify.ExitFailure, Message: fmt.Sprintf("acquire run lock: %v", err)}
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.WithError(err).Warn("failed to release run lock")
		}
	}()
	metrics.RecordLockWait(time.Since(lockStart))

	store, err := openStateStore(cfg)
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}

	scheduler := schedule.New(store,
		schedule.WithWindow(cfg.Scheduler.Window),
		schedule.WithMinSamples(cfg.Scheduler.MinSamples),
		schedule.WithMaxRecords(cfg.Scheduler.MaxRecords),
	)
	if !cfg.Scheduler.Disabled && !opts.force {
		skip, err := scheduler.ShouldSkip(ctx)
		if err != nil {
			log.WithError(err).Warn("scheduler consultation failed, running anyway")
		} else if skip {
			log.Info("recent history shows only capacity failures in this hour, skipping cycle")
			if err := scheduler.RecordContext(ctx, opts.window, schedule.OutcomeCapacityFailure); err != nil {
				log.WithError(err).Warn("failed to record scheduler outcome")
			}
			if cfg.Hunt.StrictExit {
				return &ExitError{Code: classify.ExitCapacity}
			}
			return nil
		}
	}

	hist, err := history.New(history.Config{Path: cfg.History.Path})
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	if err := hist.Init(ctx); err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("open history store: %v", err)}
	}
	defer func() { _ = hist.Close() }()

	attempts, err := buildAttempts(cfg, profiles, runID, store, hist, logger, metrics, tracer)
	if err != nil {
		return err
	}

	notifier := notifierFromConfig(cfg, logger)

	metrics.RecordHuntStarted(cfg.Region)
	log.WithField("profiles", len(attempts)).WithField("region", cfg.Region).Info("hunt cycle starting")

	coord := &coordinator.Coordinator{
		RunID:        runID,
		Budget:       cfg.Hunt.Budget.Std(),
		Grace:        cfg.Hunt.Grace.Std(),
		ArtifactWait: cfg.Hunt.ArtifactWait.Std(),
		ArtifactDir:  filepath.Join(cfg.StateDir, "artifacts"),
		Logger:       logger,
		Metrics:      metrics,
	}
	agg := coord.RunParallel(ctx, attempts)

	if err := hist.RecordRun(ctx, cfg.Region, agg); err != nil {
		log.WithError(err).Warn("failed to persist run history")
	}
	recordRunMetrics(ctx, hist, agg, log)

	if err := scheduler.RecordContext(ctx, opts.window, scheduleOutcome(agg)); err != nil {
		log.WithError(err).Warn("failed to record scheduler outcome")
	}

	sendRunNotification(ctx, notifier, cfg.Region, agg)

	if err := render(out, agg, func(w io.Writer) error {
		return printAggregate(w, agg)
	}); err != nil {
		return err
	}

	if code := agg.ExitCode(cfg.Hunt.StrictExit); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func selectProfiles(cfg *config.Config, filter []string) ([]config.ProfileConfig, error) {
	if len(filter) == 0 {
		return cfg.Profiles, nil
	}
	wanted := make(map[string]bool, len(filter))
	for _, name := range filter {
		wanted[name] = true
	}
	var out []config.ProfileConfig
	for _, p := range cfg.Profiles {
		if wanted[p.Name] {
			out = append(out, p)
			delete(wanted, p.Name)
		}
	}
	if len(wanted) > 0 {
		var missing []string
		for name := range wanted {
			missing = append(missing, name)
		}
		return nil, fmt.Errorf("unknown profiles: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// checkPolicies evaluates every profile against the policy engine. Blocking
// violations deny the whole cycle; warnings are logged and the hunt proceeds.
func checkPolicies(ctx context.Context, engine *policy.Engine, cfg *config.Config, profiles []config.ProfileConfig, log *telemetry.Logger) (bool, error) {
	denied := false
	for _, p := range profiles {
		spec := p.Spec(cfg.Region)
		verdict, err := engine.Check(ctx, &spec)
		if err != nil {
			return false, &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("policy check %s: %v", p.Name, err)}
		}
		for _, warning := range verdict.Warnings {
			log.WithProfile(p.Name).Warn(warning)
		}
		if !verdict.Allowed {
			denied = true
			for _, v := range verdict.Violations {
				log.WithProfile(p.Name).WithField("policy", v.Policy).Warn(v.Message)
			}
		}
	}
	return denied, nil
}

func buildAttempts(
	cfg *config.Config,
	profiles []config.ProfileConfig,
	runID string,
	store kvstore.Store,
	hist *history.Store,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) ([]coordinator.Runner, error) {
	brk := breaker.New(store,
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown.Std()),
		breaker.WithMaxRecords(cfg.Breaker.MaxRecords),
	)

	cacheOpts := []statecache.Option{statecache.WithTTL(cfg.Cache.TTL.Std())}
	if cfg.Cache.HighContention {
		cacheOpts = append(cacheOpts, statecache.WithHighContention())
	}
	if cfg.Cache.Disabled {
		cacheOpts = append(cacheOpts, statecache.WithDisabled())
	}
	cache := statecache.New(store, cfg.Region, cacheOpts...)

	retrier := &retry.Retrier{
		MaxRetries: cfg.Retry.MaxRetries,
		Base:       cfg.Retry.Base.Std(),
	}

	runner := &provision.ExecRunner{
		Program:  cfg.Command.Program,
		BaseArgs: cfg.Command.BaseArgs,
		Timeout:  cfg.Command.Timeout.Std(),
		Grace:    cfg.Command.Grace.Std(),
	}

	ranker, err := rankerFromConfig(cfg, hist)
	if err != nil {
		return nil, &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	verifier, err := verifierFromConfig(cfg, logger)
	if err != nil {
		return nil, &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}

	var attempts []coordinator.Runner
	for _, p := range profiles {
		spec := p.Spec(cfg.Region)
		attempts = append(attempts, &provision.Attempt{
			RunID:       runID,
			Spec:        spec,
			Runner:      runner,
			Breaker:     brk,
			Cache:       cache,
			Retrier:     retrier,
			Ranker:      ranker,
			Verify:      verifier,
			ArtifactDir: filepath.Join(cfg.StateDir, "artifacts"),
			Logger:      logger,
			Metrics:     metrics,
			Tracer:      tracer,
		})
	}
	return attempts, nil
}

func rankerFromConfig(cfg *config.Config, hist *history.Store) (provision.ZoneRanker, error) {
	if cfg.ZoneRank.Script == "" {
		return nil, nil
	}
	script, err := os.ReadFile(cfg.ZoneRank.Script)
	if err != nil {
		return nil, fmt.Errorf("read zone ranking script: %w", err)
	}
	lookback := cfg.ZoneRank.Lookback.Std()
	stats := func(ctx context.Context) (map[string]int, error) {
		return hist.FailureCounts(ctx, time.Now().Add(-lookback))
	}
	return zonerank.New(string(script),
		zonerank.WithTimeout(cfg.ZoneRank.Timeout.Std()),
		zonerank.WithStats(stats),
	), nil
}

func verifierFromConfig(cfg *config.Config, logger *telemetry.Logger) (provision.Verifier, error) {
	if !cfg.Verify.Enabled {
		return nil, nil
	}
	if cfg.Verify.ResolveCommand == "" {
		return nil, fmt.Errorf("verify.resolve_command is required when verification is enabled")
	}
	resolver := execResolver(cfg.Verify.ResolveCommand)
	v, err := verify.New(verify.Config{
		User:            cfg.Verify.User,
		KeyPath:         cfg.Verify.KeyPath,
		Port:            cfg.Verify.Port,
		DialTimeout:     cfg.Verify.DialTimeout.Std(),
		ProbeCommand:    cfg.Verify.ProbeCommand,
		BootstrapScript: cfg.Verify.BootstrapScript,
	}, resolver, logger)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// execResolver shells out to the configured lookup command, passing the
// resource id and display name, and reads the address from stdout.
func execResolver(command string) verify.HostResolver {
	return func(ctx context.Context, resourceID, displayName string) (string, error) {
		cmd := exec.CommandContext(ctx, command, resourceID, displayName)
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("resolve command: %w", err)
		}
		host := strings.TrimSpace(string(out))
		if host == "" {
			return "", fmt.Errorf("resolve command returned no address")
		}
		return host, nil
	}
}

func recordRunMetrics(ctx context.Context, hist *history.Store, agg *coordinator.Aggregate, log *telemetry.Logger) {
	for _, res := range agg.Results {
		if res.Zone == "" {
			continue
		}
		classification := string(res.Classification)
		if res.Outcome == provision.OutcomeCreated {
			classification = "success"
		}
		err := hist.RecordMetric(ctx, history.Metric{
			RunID:          agg.RunID,
			Profile:        res.Profile,
			Zone:           res.Zone,
			Classification: classification,
			Duration:       res.Duration(),
		})
		if err != nil {
			log.WithError(err).Warn("failed to persist performance metric")
		}
	}
}

func scheduleOutcome(agg *coordinator.Aggregate) schedule.Outcome {
	switch agg.Status {
	case coordinator.StatusSuccess:
		return schedule.OutcomeSuccess
	case coordinator.StatusCapacityExhausted:
		return schedule.OutcomeCapacityFailure
	default:
		return schedule.OutcomeAttempt
	}
}

func notifierFromConfig(cfg *config.Config, logger *telemetry.Logger) *notify.Notifier {
	var opts []notify.Option
	if cfg.Notify.Timeout > 0 {
		opts = append(opts, notify.WithTimeout(cfg.Notify.Timeout.Std()))
	}
	if cfg.Notify.AuthHeader != "" {
		opts = append(opts, notify.WithHeader("Authorization", cfg.Notify.AuthHeader))
	}
	return notify.New(cfg.Notify.WebhookURL, logger, opts...)
}

func sendRunNotification(ctx context.Context, notifier *notify.Notifier, region string, agg *coordinator.Aggregate) {
	if !notifier.Enabled() {
		return
	}

	severity, title := notificationSeverity(agg)

	fields := map[string]interface{}{
		"duration": agg.Duration().String(),
		"profiles": len(agg.Results),
	}
	for _, res := range agg.Created() {
		fields["instance:"+res.Profile] = res.ResourceID
	}

	notifier.Send(ctx, notify.Message{
		Severity: severity,
		Title:    title,
		RunID:    agg.RunID,
		Region:   region,
		Fields:   fields,
	})
}

// notificationSeverity maps the aggregate outcome to a webhook severity.
// Fatal classifications (auth, config) escalate to critical so operators are
// paged rather than just informed.
func notificationSeverity(agg *coordinator.Aggregate) (notify.Severity, string) {
	switch agg.Status {
	case coordinator.StatusSuccess:
		return notify.SeveritySuccess, fmt.Sprintf("created %d instance(s)", len(agg.Created()))
	case coordinator.StatusCapacityExhausted:
		return notify.SeverityInfo, "capacity exhausted, no instances created"
	case coordinator.StatusTimeout:
		return notify.SeverityWarning, "hunt run exceeded its budget"
	}
	for _, res := range agg.Results {
		if res.Classification.IsFatal() {
			return notify.SeverityCritical, "hunt run failed, operator action required"
		}
	}
	return notify.SeverityError, "hunt run failed"
}

func printAggregate(w io.Writer, agg *coordinator.Aggregate) error {
	fmt.Fprintf(w, "run %s: %s (%s)\n", agg.RunID, agg.Status, agg.Duration().Round(time.Millisecond))
	for _, res := range agg.Results {
		line := fmt.Sprintf("  %-12s %s", res.Profile, res.Outcome)
		if res.Zone != "" {
			line += " in " + res.Zone
		}
		if res.ResourceID != "" {
			line += " (" + res.ResourceID + ")"
		}
		if res.Error != "" && res.Outcome == provision.OutcomeFailed {
			line += ": " + res.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
