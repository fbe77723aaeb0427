// Package target holds the per-assistant artifact compilers. Each compiler
// turns the rule set into one or more output files for a single assistant
// format; the orchestrator decides what to do with the results.
package target

import (
	"fmt"
	"sort"
	"time"

	"github.com/rulekit/rulekit/internal/heal"
	"github.com/rulekit/rulekit/internal/rule"
)

// Output is one compiled artifact: a root-relative path, the full content
// including the metadata trailer, and the sources it was compiled from.
type Output struct {
	RelPath     string
	Content     []byte
	SourceRules []string
}

// Stats summarizes one compilation.
type Stats struct {
	RuleCount   int
	TotalTokens int
}

// Result is what one compiler produces for one target.
type Result struct {
	Outputs  []Output
	Warnings []string
	Stats    Stats
}

// CompileOptions parameterizes one compilation.
type CompileOptions struct {
	// At stamps the metadata trailer of each output.
	At time.Time

	// TokenBudget, when positive, makes aggregating targets exclude rules
	// whose estimated tokens exceed it. Per-rule targets ignore it: a large
	// rule in its own file costs nothing until the assistant attaches it.
	TokenBudget int
}

// Compiler renders the rule set for one assistant format. Compilers are
// pure: they never touch the filesystem.
type Compiler interface {
	// Name is the target label used in configuration and the manifest.
	Name() string

	// PruneDirs lists the directories this target owns exclusively, where
	// generated files orphaned by deleted sources may be removed. Aggregate
	// targets that write a single file return nil.
	PruneDirs() []string

	// Compile renders every applicable rule.
	Compile(rules []rule.Rule, opts CompileOptions) (Result, error)
}

var registry = map[string]Compiler{}

func register(c Compiler) {
	registry[c.Name()] = c
}

func init() {
	register(claudeCompiler{})
	register(cursorCompiler{})
	register(agentsCompiler{})
}

// Lookup returns the compiler for a target label.
func Lookup(name string) (Compiler, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names returns all registered target labels, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps target labels to compilers, failing on the first unknown
// label.
func Resolve(labels []string) ([]Compiler, error) {
	compilers := make([]Compiler, 0, len(labels))
	for _, label := range labels {
		c, ok := Lookup(label)
		if !ok {
			return nil, fmt.Errorf("unknown target %q (known: %v)", label, Names())
		}
		compilers = append(compilers, c)
	}
	return compilers, nil
}

// applicable filters and orders the rules in scope for a target. A positive
// budget additionally drops over-budget rules; the validator has already
// warned about those.
func applicable(rules []rule.Rule, targetName string, budget int) []rule.Rule {
	var out []rule.Rule
	for _, r := range rules {
		if !r.AppliesTo(targetName) {
			continue
		}
		if budget > 0 && r.Tokens() > budget {
			continue
		}
		out = append(out, r)
	}
	rule.SortRules(out)
	return out
}

// seal appends the metadata trailer to a rendered body.
func seal(body []byte, at time.Time) []byte {
	return heal.Append(body, at)
}

func sourcePaths(rules []rule.Rule) []string {
	paths := make([]string, len(rules))
	for i, r := range rules {
		paths[i] = r.RelPath
	}
	return paths
}

func totalTokens(rules []rule.Rule) int {
	n := 0
	for _, r := range rules {
		n += r.Tokens()
	}
	return n
}
