package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/history"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past hunt runs",
	}
	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryZonesCommand())
	cmd.AddCommand(newHistoryPruneCommand())
	return cmd
}

func openHistory(ctx context.Context) (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	hist, err := history.New(history.Config{Path: cfg.History.Path})
	if err != nil {
		return nil, &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	if err := hist.Init(ctx); err != nil {
		return nil, &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("open history store: %v", err)}
	}
	return hist, nil
}

func newHistoryListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			runs, err := hist.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			return render(cmd.OutOrStdout(), runs, func(w io.Writer) error {
				if len(runs) == 0 {
					fmt.Fprintln(w, "no runs recorded")
					return nil
				}
				for _, run := range runs {
					fmt.Fprintf(w, "%s  %-20s %-18s %s\n",
						run.StartedAt.Format(time.RFC3339), run.Region, run.Status,
						run.Duration().Round(time.Millisecond))
					fmt.Fprintf(w, "  %s\n", run.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its per-profile attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			run, attempts, err := hist.GetRun(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				return &ExitError{Code: classify.ExitFailure, Message: fmt.Sprintf("run %s not found", args[0])}
			}
			if err != nil {
				return fmt.Errorf("load run: %w", err)
			}

			detail := struct {
				Run      *history.RunRecord      `json:"run"`
				Attempts []history.AttemptRecord `json:"attempts"`
			}{run, attempts}

			return render(cmd.OutOrStdout(), detail, func(w io.Writer) error {
				fmt.Fprintf(w, "run %s: %s in %s (%s)\n", run.ID, run.Status, run.Region,
					run.Duration().Round(time.Millisecond))
				for _, a := range attempts {
					fmt.Fprintf(w, "  %-12s %-18s", a.Profile, a.Outcome)
					if a.Zone != "" {
						fmt.Fprintf(w, " zone=%s", a.Zone)
					}
					if a.ResourceID != "" {
						fmt.Fprintf(w, " id=%s", a.ResourceID)
					}
					if a.Error != "" {
						fmt.Fprintf(w, " error=%s", a.Error)
					}
					fmt.Fprintln(w)
				}
				return nil
			})
		},
	}
}

func newHistoryZonesCommand() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "zones",
		Short: "Show per-zone success and failure totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			stats, err := hist.ZoneStats(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return fmt.Errorf("zone stats: %w", err)
			}
			return render(cmd.OutOrStdout(), stats, func(w io.Writer) error {
				if len(stats) == 0 {
					fmt.Fprintln(w, "no attempts recorded")
					return nil
				}
				fmt.Fprintf(w, "%-24s %8s %10s %9s\n", "zone", "attempts", "successes", "failures")
				for _, st := range stats {
					fmt.Fprintf(w, "%-24s %8d %10d %9d\n", st.Zone, st.Attempts, st.Successes, st.Failures)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "how far back to aggregate")
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = hist.Close() }()

			n, err := hist.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d run(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs finished before this age")
	return cmd
}
