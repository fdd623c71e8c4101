package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/capahunt/capahunt/pkg/classify"
	"github.com/capahunt/capahunt/pkg/policy"
	"github.com/capahunt/capahunt/pkg/telemetry"
)

type validateReport struct {
	Config   string           `json:"config"`
	Valid    bool             `json:"valid"`
	Profiles []profileVerdict `json:"profiles"`
}

type profileVerdict struct {
	Name       string             `json:"name"`
	Allowed    bool               `json:"allowed"`
	Violations []policy.Violation `json:"violations,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and check every profile against policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return &ExitError{Code: classify.ExitFatal, Message: err.Error()}
			}

			engine, err := policy.NewEngine(telemetry.Nop())
			if err != nil {
				return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("init policy engine: %v", err)}
			}
			if cfg.Policy.Dir != "" {
				if err := engine.LoadDir(cmd.Context(), cfg.Policy.Dir); err != nil {
					return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("load policies: %v", err)}
				}
			}

			report := validateReport{Config: configPath, Valid: true}
			for _, p := range cfg.Profiles {
				spec := p.Spec(cfg.Region)
				verdict, err := engine.Check(cmd.Context(), &spec)
				if err != nil {
					return &ExitError{Code: classify.ExitFatal, Message: fmt.Sprintf("policy check %s: %v", p.Name, err)}
				}
				report.Profiles = append(report.Profiles, profileVerdict{
					Name:       p.Name,
					Allowed:    verdict.Allowed,
					Violations: verdict.Violations,
					Warnings:   verdict.Warnings,
				})
				if !verdict.Allowed {
					report.Valid = false
				}
			}

			if err := render(cmd.OutOrStdout(), report, func(w io.Writer) error {
				return printValidateReport(w, report)
			}); err != nil {
				return err
			}
			if !report.Valid {
				return &ExitError{Code: classify.ExitFatal, Message: "one or more profiles violate policy"}
			}
			return nil
		},
	}
}

func printValidateReport(w io.Writer, report validateReport) error {
	fmt.Fprintf(w, "config %s parsed\n", report.Config)
	for _, p := range report.Profiles {
		mark := "ok"
		if !p.Allowed {
			mark = "DENIED"
		}
		fmt.Fprintf(w, "  %-12s %s\n", p.Name, mark)
		for _, v := range p.Violations {
			fmt.Fprintf(w, "    violation (%s): %s\n", v.Policy, v.Message)
		}
		for _, warn := range p.Warnings {
			fmt.Fprintf(w, "    warning: %s\n", warn)
		}
	}
	return nil
}
