package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rulekit/rulekit/internal/history"
)

// NewHistoryCommand creates the history command, which prints the local
// build log.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "Show recent builds",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, limit, cmd)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of builds to show")

	return cmd
}

// historyEntry is the JSON shape of one logged build.
type historyEntry struct {
	ID       string   `json:"id"`
	Started  string   `json:"started"`
	Duration string   `json:"duration"`
	Targets  []string `json:"targets"`
	Mode     string   `json:"mode"`
	Success  bool     `json:"success"`
	Rules    int      `json:"rules"`
	Changed  int      `json:"changed"`
	Written  int      `json:"written"`
	Pruned   int      `json:"pruned"`
	Error    string   `json:"error,omitempty"`
}

func runHistory(rootOpts *RootOptions, limit int, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)

	path := history.Path(rootOpts.Root)
	if _, err := os.Stat(path); err != nil {
		// No database means no builds yet; not an error.
		if formatter.Format == "json" {
			return formatter.Success([]historyEntry{})
		}
		fmt.Fprintln(formatter.Writer, "No builds recorded.")
		return nil
	}

	hs, err := history.Open(path)
	if err != nil {
		_ = formatter.Error("INTERNAL", err.Error(), nil)
		return WrapExitError(ExitCommandError, err.Error(), nil)
	}
	defer hs.Close()

	builds, err := hs.Recent(cmd.Context(), limit)
	if err != nil {
		_ = formatter.Error("INTERNAL", err.Error(), nil)
		return WrapExitError(ExitCommandError, err.Error(), nil)
	}

	if formatter.Format == "json" {
		entries := make([]historyEntry, 0, len(builds))
		for _, b := range builds {
			entries = append(entries, historyEntry{
				ID:       b.ID,
				Started:  b.StartedAt.UTC().Format(time.RFC3339),
				Duration: b.Duration.String(),
				Targets:  b.Targets,
				Mode:     b.Mode,
				Success:  b.Success,
				Rules:    b.RulesTotal,
				Changed:  b.RulesChanged,
				Written:  b.OutputsWritten,
				Pruned:   b.OutputsPruned,
				Error:    b.Error,
			})
		}
		return formatter.Success(entries)
	}

	if len(builds) == 0 {
		fmt.Fprintln(formatter.Writer, "No builds recorded.")
		return nil
	}
	for _, b := range builds {
		status := "ok"
		if !b.Success {
			status = "failed"
		}
		fmt.Fprintf(formatter.Writer, "%s  %-11s %-6s %d rule(s), %d changed, %d written, %d pruned (%s)\n",
			b.StartedAt.Local().Format("2006-01-02 15:04:05"), b.Mode, status,
			b.RulesTotal, b.RulesChanged, b.OutputsWritten, b.OutputsPruned,
			b.Duration.Truncate(time.Millisecond))
		if b.Error != "" {
			fmt.Fprintf(formatter.Writer, "    %s\n", b.Error)
		}
	}
	return nil
}
