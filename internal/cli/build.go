package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rulekit/rulekit/internal/build"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Targets        []string
	Force          bool
	SkipValidation bool
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile rule documents into assistant artifacts",
		Long: `Build compiles rules/**/*.md into the configured targets' artifacts,
rebuilding only when sources, configuration, or the artifacts themselves
have changed since the last build.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // we handle our own error output
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Targets, "target", "t", nil, "target(s) to build (default: configured targets)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "rebuild everything, ignoring the manifest")
	cmd.Flags().BoolVar(&opts.SkipValidation, "skip-validation", false, "bypass frontmatter validation")

	return cmd
}

func runBuild(opts *BuildOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	res, err := build.Run(cmd.Context(), build.Options{
		Root:           opts.Root,
		Targets:        opts.Targets,
		Force:          opts.Force,
		SkipValidation: opts.SkipValidation,
	})
	if err != nil {
		return outputBuildError(formatter, err)
	}

	formatter.Warn(res.Warnings)
	return outputBuildSuccess(formatter, res)
}

// buildPayload is the JSON shape of a successful build.
type buildPayload struct {
	Mode     string   `json:"mode"`
	Skipped  bool     `json:"skipped"`
	Written  []string `json:"written,omitempty"`
	Pruned   []string `json:"pruned,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Rules    int      `json:"rules"`
	Changed  int      `json:"changed"`
	Duration string   `json:"duration"`
}

func outputBuildSuccess(formatter *OutputFormatter, res *build.Result) error {
	if formatter.Format == "json" {
		return formatter.Success(buildPayload{
			Mode:     res.Mode,
			Skipped:  res.Skipped,
			Written:  res.Written,
			Pruned:   res.Pruned,
			Warnings: res.Warnings,
			Rules:    res.Stats.RulesTotal,
			Changed:  res.Stats.RulesChanged,
			Duration: res.Stats.Duration.String(),
		})
	}

	w := formatter.Writer
	if res.Skipped {
		fmt.Fprintf(w, "✓ Up to date (%d rule(s), %s)\n", res.Stats.RulesTotal, res.Stats.Duration.Truncate(time.Millisecond))
	} else {
		fmt.Fprintf(w, "✓ Built %d rule(s), wrote %d file(s) [%s, %s]\n",
			res.Stats.RulesTotal, len(res.Written), res.Mode, res.Stats.Duration.Truncate(time.Millisecond))
		for _, path := range res.Written {
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
	for _, path := range res.Pruned {
		fmt.Fprintf(w, "  pruned %s\n", path)
	}
	return nil
}

// outputBuildError renders an orchestrator failure and maps its class to an
// exit code: rule problems are build failures (1), everything the user has
// to fix outside the rules is a command error (2).
func outputBuildError(formatter *OutputFormatter, err error) error {
	code := build.CodeOf(err)
	message := err.Error()

	var details []string
	var be *build.Error
	if errors.As(err, &be) {
		details = be.Details
	}
	_ = formatter.Error(string(code), message, details)

	exit := ExitCommandError
	switch code {
	case build.CodeParse, build.CodeValidation:
		exit = ExitBuildFailure
	}
	return WrapExitError(exit, message, nil)
}
