package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rulekit/rulekit/internal/build"
	"github.com/rulekit/rulekit/internal/config"
	"github.com/rulekit/rulekit/internal/rule"
	"github.com/rulekit/rulekit/internal/target"
	"github.com/rulekit/rulekit/internal/validate"
)

// NewValidateCommand creates the validate command: parse and validate every
// rule document without building anything or taking the lock.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "validate",
		Short:         "Validate rule documents without building",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
	return cmd
}

// validatePayload is the JSON shape of a validation run.
type validatePayload struct {
	Valid    bool                       `json:"valid"`
	Rules    int                        `json:"rules"`
	Errors   []validate.ValidationError `json:"errors,omitempty"`
	Warnings []string                   `json:"warnings,omitempty"`
}

func runValidate(rootOpts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)

	cfg, warnings, err := config.Load(rootOpts.Root)
	if err != nil {
		_ = formatter.Error(string(build.CodeConfig), err.Error(), nil)
		return WrapExitError(ExitCommandError, err.Error(), nil)
	}

	rules, parseErrs := rule.ParseAll(rootOpts.Root)
	if len(parseErrs) > 0 {
		details := make([]string, len(parseErrs))
		for i, pe := range parseErrs {
			details[i] = pe.Error()
		}
		msg := fmt.Sprintf("%d rule document(s) failed to parse", len(parseErrs))
		_ = formatter.Error(string(build.CodeParse), msg, details)
		return NewExitError(ExitBuildFailure, msg)
	}

	v, err := validate.New(target.Names())
	if err != nil {
		_ = formatter.Error(string(build.CodeInternal), err.Error(), nil)
		return WrapExitError(ExitCommandError, err.Error(), nil)
	}
	res := v.Validate(rules, cfg)
	warnings = append(warnings, res.Warnings...)
	formatter.Warn(warnings)

	if formatter.Format == "json" {
		if err := formatter.Success(validatePayload{
			Valid:    !res.Blocking(),
			Rules:    len(rules),
			Errors:   res.Errors,
			Warnings: warnings,
		}); err != nil {
			return err
		}
		if res.Blocking() {
			return NewExitError(ExitBuildFailure, fmt.Sprintf("%d validation error(s)", len(res.Errors)))
		}
		return nil
	}

	if !res.Blocking() {
		fmt.Fprintf(formatter.Writer, "✓ %d rule(s) valid\n", len(rules))
		return nil
	}

	fmt.Fprintf(formatter.Writer, "✗ %d validation error(s)\n", len(res.Errors))
	for _, ve := range res.Errors {
		fmt.Fprintf(formatter.Writer, "  %s\n", ve.Error())
	}
	return NewExitError(ExitBuildFailure, fmt.Sprintf("%d validation error(s)", len(res.Errors)))
}
