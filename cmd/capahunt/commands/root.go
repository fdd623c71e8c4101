package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/capahunt/capahunt/pkg/config"
	"github.com/capahunt/capahunt/pkg/kvstore"
)

var (
	// Global flags
	configPath   string
	outputFormat string
	verbose      bool
)

// ExitError carries a specific process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "capahunt",
		Short: "Capahunt - opportunistic free-tier capacity hunter",
		Long: `Capahunt repeatedly tries to provision always-free compute capacity
across availability zones, treating capacity exhaustion as the normal
steady state rather than an error.

It classifies every provider failure, skips zones behind a circuit
breaker, remembers created instances so reruns stay idempotent, and
learns which hours of the day are worth attempting at all.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "capahunt.cue", "config file or directory")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newHuntCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewParser().Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}

func openStateStore(cfg *config.Config) (kvstore.Store, error) {
	store, err := kvstore.NewFileStore(filepath.Join(cfg.StateDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return store, nil
}
