package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/statecache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the created-instance cache",
	}
	cmd.AddCommand(newCacheShowCommand())
	cmd.AddCommand(newCacheClearCommand())
	return cmd
}

func openCache() (*statecache.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	store, err := openStateStore(cfg)
	if err != nil {
		return nil, &ExitError{Code: classify.ExitFatal, Message: err.Error()}
	}
	return statecache.New(store, cfg.Region, statecache.WithTTL(cfg.Cache.TTL.Std())), nil
}

func newCacheShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show cached instances for the configured region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache()
			if err != nil {
				return err
			}
			env, err := cache.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("read cache: %w", err)
			}
			return render(cmd.OutOrStdout(), env, func(w io.Writer) error {
				if env == nil || len(env.Entries) == 0 {
					fmt.Fprintln(w, "cache is empty")
					return nil
				}
				fmt.Fprintf(w, "region %s, updated %s\n", env.Region, env.UpdatedAt.Format(time.RFC3339))
				names := make([]string, 0, len(env.Entries))
				for name := range env.Entries {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					e := env.Entries[name]
					fmt.Fprintf(w, "  %-24s %-10s %s\n", e.Name, e.Status, e.ProviderID)
				}
				return nil
			})
		},
	}
}

func newCacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [name]",
		Short: "Remove one cached instance, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := openCache()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 1 {
				if err := cache.Remove(ctx, args[0]); err != nil {
					return fmt.Errorf("remove %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			}

			env, err := cache.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("read cache: %w", err)
			}
			if env == nil || len(env.Entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "cache is empty")
				return nil
			}
			for name := range env.Entries {
				if err := cache.Remove(ctx, name); err != nil {
					return fmt.Errorf("remove %s: %w", name, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", len(env.Entries))
			return nil
		},
	}
}
