package rule

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Rule is one parsed rule document: YAML frontmatter plus a Markdown body.
type Rule struct {
	// Name identifies the rule. Defaults to the file stem when the
	// frontmatter omits it. Unique across the rule set (enforced by the
	// validator, not the parser).
	Name string `json:"name" yaml:"name"`

	// RelPath is the project-root-relative path of the source document,
	// always forward-slashed.
	RelPath string `json:"relPath" yaml:"-"`

	// Description is a one-line summary used by aggregating targets.
	Description string `json:"description" yaml:"description"`

	// Globs are attach patterns for targets that scope rules to paths
	// (e.g. cursor's .mdc globs).
	Globs []string `json:"globs,omitempty" yaml:"globs"`

	// Priority orders rules within aggregated outputs. Lower comes first.
	// Valid range is 0-999; 100 when unset.
	Priority int `json:"priority" yaml:"priority"`

	// Targets restricts the rule to a subset of target names. Empty means
	// the rule applies to every enabled target.
	Targets []string `json:"targets,omitempty" yaml:"targets"`

	// Tags are free-form labels. Not interpreted by any compiler today.
	Tags []string `json:"tags,omitempty" yaml:"tags"`

	// Body is the Markdown content below the frontmatter, trimmed of
	// leading blank lines.
	Body string `json:"-" yaml:"-"`
}

// AppliesTo reports whether the rule is in scope for the named target.
func (r *Rule) AppliesTo(target string) bool {
	if len(r.Targets) == 0 {
		return true
	}
	for _, t := range r.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// Tokens estimates the token count of the rule body using the common
// four-characters-per-token heuristic. Good enough for budget warnings;
// never used for correctness decisions.
func (r *Rule) Tokens() int {
	n := utf8.RuneCountInString(r.Body)
	return (n + 3) / 4
}

// SortRules orders rules by (priority, name) for deterministic output.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}

// Stem returns the file stem of a forward-slashed relative path:
// "rules/style/go.md" -> "go".
func Stem(relPath string) string {
	base := relPath
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
