package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rulekit/rulekit/internal/build"
)

// NewCheckCommand creates the check command: a build that reports what is
// missing, out of date, or stale without touching disk. Intended for CI and
// pre-commit hooks.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var targets []string

	cmd := &cobra.Command{
		Use:           "check",
		Short:         "Verify artifacts match current sources without writing",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, targets, cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target(s) to check (default: configured targets)")

	return cmd
}

// checkPayload is the JSON shape of a check run.
type checkPayload struct {
	Clean bool     `json:"clean"`
	Drift []string `json:"drift,omitempty"`
	Rules int      `json:"rules"`
}

func runCheck(rootOpts *RootOptions, targets []string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)

	res, err := build.Run(cmd.Context(), build.Options{
		Root:      rootOpts.Root,
		Targets:   targets,
		CheckOnly: true,
	})
	if err != nil {
		return outputBuildError(formatter, err)
	}

	formatter.Warn(res.Warnings)

	if formatter.Format == "json" {
		if err := formatter.Success(checkPayload{
			Clean: res.Clean(),
			Drift: res.Drift,
			Rules: res.Stats.RulesTotal,
		}); err != nil {
			return err
		}
		if !res.Clean() {
			return NewExitError(ExitBuildFailure, fmt.Sprintf("%d artifact(s) out of sync", len(res.Drift)))
		}
		return nil
	}

	if res.Clean() {
		fmt.Fprintf(formatter.Writer, "✓ Artifacts match sources (%d rule(s))\n", res.Stats.RulesTotal)
		return nil
	}

	fmt.Fprintf(formatter.Writer, "✗ %d artifact(s) out of sync\n", len(res.Drift))
	for _, finding := range res.Drift {
		fmt.Fprintf(formatter.Writer, "  %s\n", finding)
	}
	fmt.Fprintln(formatter.Writer, "Run 'rulekit build' to regenerate.")
	return NewExitError(ExitBuildFailure, fmt.Sprintf("%d artifact(s) out of sync", len(res.Drift)))
}
