package target

import (
	"strings"

	"github.com/rulekit/rulekit/internal/rule"
)

// claudeCompiler aggregates every applicable rule into a single CLAUDE.md
// at the project root, ordered by (priority, name).
type claudeCompiler struct{}

func (claudeCompiler) Name() string { return "claude" }

func (claudeCompiler) PruneDirs() []string { return nil }

func (c claudeCompiler) Compile(rules []rule.Rule, opts CompileOptions) (Result, error) {
	included := applicable(rules, c.Name(), opts.TokenBudget)
	body := renderAggregate("# Project Rules", included)

	return Result{
		Outputs: []Output{{
			RelPath:     "CLAUDE.md",
			Content:     seal(body, opts.At),
			SourceRules: sourcePaths(included),
		}},
		Stats: Stats{RuleCount: len(included), TotalTokens: totalTokens(included)},
	}, nil
}

// renderAggregate produces the shared single-file layout used by the
// aggregating targets: a title, a provenance note, then one section per
// rule.
func renderAggregate(title string, rules []rule.Rule) []byte {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	b.WriteString("Generated from rules/ by rulekit. Edit the source rules, not this file.\n")

	for _, r := range rules {
		b.WriteString("\n## ")
		b.WriteString(r.Name)
		b.WriteString("\n\n")
		if r.Description != "" {
			b.WriteString(r.Description)
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimRight(r.Body, "\n"))
		b.WriteString("\n")
	}
	return []byte(b.String())
}
