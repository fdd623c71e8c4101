package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/capahunt/capahunt/pkg/breaker"
	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/config"
	"github.com/capahunt/capahunt/pkg/schedule"
	"github.com/capahunt/capahunt/pkg/statecache"
)

// statusReport is the machine-readable shape of `capahunt status`.
type statusReport struct {
	Region    string                `json:"region"`
	Zones     []zoneStatus          `json:"zones"`
	Instances []*statecache.Entry   `json:"instances"`
	Scheduler []schedule.Record     `json:"scheduler,omitempty"`
	Breaker   breakerStatusSettings `json:"breaker"`
}

type zoneStatus struct {
	Zone        string    `json:"zone"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

type breakerStatusSettings struct {
	Threshold int    `json:"threshold"`
	Cooldown  string `json:"cooldown"`
}

func newStatusCommand() *cobra.Command {
	var showScheduler bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show circuit breaker, instance cache, and scheduler state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), showScheduler)
		},
	}
	cmd.Flags().BoolVar(&showScheduler, "scheduler", false, "include scheduler invocation history")
	return cmd
}

func runStatus(ctx context.Context, out io.Writer, showScheduler bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	store, err := openStateStore(cfg)
	if err != nil {
		return &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}

	brk := breaker.New(store,
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithCooldown(cfg.Breaker.Cooldown.Std()),
	)
	records, states, err := brk.Records(ctx)
	if err != nil {
		return fmt.Errorf("read breaker state: %w", err)
	}

	cache := statecache.New(store, cfg.Region)
	env, err := cache.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read instance cache: %w", err)
	}

	report := statusReport{
		Region: cfg.Region,
		Breaker: breakerStatusSettings{
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  cfg.Breaker.Cooldown.Std().String(),
		},
	}
	for zone, rec := range records {
		report.Zones = append(report.Zones, zoneStatus{
			Zone:        zone,
			State:       string(states[zone]),
			Failures:    rec.Failures,
			LastFailure: rec.LastFailure,
		})
	}
	sort.Slice(report.Zones, func(i, j int) bool { return report.Zones[i].Zone < report.Zones[j].Zone })

	if env != nil {
		for _, entry := range env.Entries {
			report.Instances = append(report.Instances, entry)
		}
		sort.Slice(report.Instances, func(i, j int) bool {
			return report.Instances[i].Name < report.Instances[j].Name
		})
	}

	if showScheduler {
		scheduler := schedule.New(store,
			schedule.WithWindow(cfg.Scheduler.Window),
			schedule.WithMinSamples(cfg.Scheduler.MinSamples),
		)
		history, err := scheduler.History(ctx)
		if err != nil {
			return fmt.Errorf("read scheduler history: %w", err)
		}
		report.Scheduler = history
	}

	return render(out, report, func(w io.Writer) error {
		return printStatus(w, cfg, report)
	})
}

func printStatus(w io.Writer, cfg *config.Config, report statusReport) error {
	fmt.Fprintf(w, "region: %s\n\n", report.Region)

	fmt.Fprintf(w, "zones (threshold %d, cooldown %s):\n", report.Breaker.Threshold, report.Breaker.Cooldown)
	if len(report.Zones) == 0 {
		fmt.Fprintln(w, "  no failures recorded")
	}
	for _, z := range report.Zones {
		fmt.Fprintf(w, "  %-24s %-6s failures=%d", z.Zone, z.State, z.Failures)
		if !z.LastFailure.IsZero() {
			fmt.Fprintf(w, " last=%s", z.LastFailure.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "\ninstances:")
	if len(report.Instances) == 0 {
		fmt.Fprintln(w, "  none cached")
	}
	for _, e := range report.Instances {
		fmt.Fprintf(w, "  %-24s %-10s %s\n", e.Name, e.Status, e.ProviderID)
	}

	if report.Scheduler != nil {
		fmt.Fprintln(w, "\nscheduler history:")
		for _, rec := range report.Scheduler {
			fmt.Fprintf(w, "  %s %-10s %s\n", rec.Timestamp.Format(time.RFC3339), rec.Outcome, rec.Window)
		}
	}
	return nil
}
