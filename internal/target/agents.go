package target

import (
	"github.com/rulekit/rulekit/internal/rule"
)

// agentsCompiler aggregates every applicable rule into AGENTS.md, the
// cross-assistant instructions file. Same layout as the claude target,
// different title and path.
type agentsCompiler struct{}

func (agentsCompiler) Name() string { return "agents" }

func (agentsCompiler) PruneDirs() []string { return nil }

func (c agentsCompiler) Compile(rules []rule.Rule, opts CompileOptions) (Result, error) {
	included := applicable(rules, c.Name(), opts.TokenBudget)
	body := renderAggregate("# Agent Instructions", included)

	return Result{
		Outputs: []Output{{
			RelPath:     "AGENTS.md",
			Content:     seal(body, opts.At),
			SourceRules: sourcePaths(included),
		}},
		Stats: Stats{RuleCount: len(included), TotalTokens: totalTokens(included)},
	}, nil
}
