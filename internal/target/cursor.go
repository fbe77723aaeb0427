package target

import (
	"fmt"
	"strings"

	"github.com/rulekit/rulekit/internal/rule"
)

// cursorDir is the directory the cursor target owns. Files in it that carry
// a metadata trailer but match no current rule are pruned after a build.
const cursorDir = ".cursor/rules"

// cursorCompiler emits one .mdc file per applicable rule under
// .cursor/rules/, named after the rule. Rules with globs become
// auto-attached; rules without become always-apply.
type cursorCompiler struct{}

func (cursorCompiler) Name() string { return "cursor" }

func (cursorCompiler) PruneDirs() []string { return []string{cursorDir} }

// Compile ignores the token budget: a large rule in its own .mdc file costs
// nothing until the assistant attaches it.
func (c cursorCompiler) Compile(rules []rule.Rule, opts CompileOptions) (Result, error) {
	included := applicable(rules, c.Name(), 0)

	res := Result{Stats: Stats{RuleCount: len(included), TotalTokens: totalTokens(included)}}
	for _, r := range included {
		res.Outputs = append(res.Outputs, Output{
			RelPath:     fmt.Sprintf("%s/%s.mdc", cursorDir, r.Name),
			Content:     seal(renderMDC(r), opts.At),
			SourceRules: []string{r.RelPath},
		})
	}
	return res, nil
}

// renderMDC produces cursor's .mdc format: a minimal frontmatter block
// followed by the rule body.
func renderMDC(r rule.Rule) []byte {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("description: ")
	b.WriteString(r.Description)
	b.WriteString("\n")
	if len(r.Globs) > 0 {
		b.WriteString("globs: ")
		b.WriteString(strings.Join(r.Globs, ","))
		b.WriteString("\nalwaysApply: false\n")
	} else {
		b.WriteString("alwaysApply: true\n")
	}
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimRight(r.Body, "\n"))
	b.WriteString("\n")
	return []byte(b.String())
}
