package rule

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// RulesDir is the directory under the project root that holds rule documents.
const RulesDir = "rules"

// rulePattern matches rule documents relative to the project root.
const rulePattern = "rules/**/*.md"

// ParseError describes a failure to parse one rule document.
// The orchestrator treats any parse error as fatal for the whole build;
// a partial rule set is never compiled.
type ParseError struct {
	Path    string // project-root-relative path
	Message string
	Err     error // underlying error (optional)
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// frontmatter is the YAML header of a rule document.
type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Globs       []string `yaml:"globs"`
	Priority    *int     `yaml:"priority"`
	Targets     []string `yaml:"targets"`
	Tags        []string `yaml:"tags"`
}

// DefaultPriority is used when the frontmatter omits priority.
const DefaultPriority = 100

// Discover returns the project-root-relative paths of all rule documents,
// sorted. Helper files (basename starting with "_") are excluded; they are
// tracked as auxiliary sources by the manifest but never compiled as rules.
func Discover(root string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), rulePattern)
	if err != nil {
		return nil, fmt.Errorf("discover rules: %w", err)
	}

	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), "_") {
			continue
		}
		paths = append(paths, m)
	}
	sort.Strings(paths)
	return paths, nil
}

// DiscoverAuxiliary returns helper documents (rules/**/_*.md) that contribute
// to outputs indirectly and must participate in change detection.
func DiscoverAuxiliary(root string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), rulePattern)
	if err != nil {
		return nil, fmt.Errorf("discover auxiliary sources: %w", err)
	}

	var aux []string
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), "_") {
			aux = append(aux, m)
		}
	}
	sort.Strings(aux)
	return aux, nil
}

// ParseAll discovers and parses every rule document under root.
// Parse failures are collected per file rather than failing fast, so a single
// run reports every broken document. Rules are returned in (priority, name)
// order.
func ParseAll(root string) ([]Rule, []error) {
	paths, err := Discover(root)
	if err != nil {
		return nil, []error{err}
	}

	var rules []Rule
	var errs []error
	for _, rel := range paths {
		r, err := ParseFile(root, rel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, r)
	}

	SortRules(rules)
	return rules, errs
}

// ParseFile parses a single rule document identified by its root-relative path.
func ParseFile(root, rel string) (Rule, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return Rule{}, &ParseError{Path: rel, Message: "cannot read rule document", Err: err}
	}
	return Parse(rel, data)
}

// Parse parses rule document content. rel is used for error reporting and
// as the rule's RelPath.
func Parse(rel string, data []byte) (Rule, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return Rule{}, &ParseError{Path: rel, Message: err.Error()}
	}

	var fm frontmatter
	if len(header) > 0 {
		if err := yaml.Unmarshal(header, &fm); err != nil {
			return Rule{}, &ParseError{Path: rel, Message: "invalid frontmatter", Err: err}
		}
	}

	name := strings.TrimSpace(fm.Name)
	if name == "" {
		name = Stem(rel)
	}

	priority := DefaultPriority
	if fm.Priority != nil {
		priority = *fm.Priority
	}

	return Rule{
		Name:        name,
		RelPath:     rel,
		Description: strings.TrimSpace(fm.Description),
		Globs:       fm.Globs,
		Priority:    priority,
		Targets:     fm.Targets,
		Tags:        fm.Tags,
		Body:        strings.TrimLeft(string(body), "\n"),
	}, nil
}

// splitFrontmatter separates the YAML header from the Markdown body.
// A document without a frontmatter fence is all body.
func splitFrontmatter(data []byte) (header, body []byte, err error) {
	text := string(data)
	// Normalize line endings for fence detection only; body keeps its bytes.
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return nil, data, nil
	}

	// Find the closing fence after the first line.
	rest := text[strings.IndexByte(text, '\n')+1:]
	idx := -1
	offset := 0
	for {
		if strings.HasPrefix(rest[offset:], "---\n") || strings.HasPrefix(rest[offset:], "---\r\n") || rest[offset:] == "---" {
			idx = offset
			break
		}
		next := strings.IndexByte(rest[offset:], '\n')
		if next < 0 {
			break
		}
		offset += next + 1
	}
	if idx < 0 {
		return nil, nil, fmt.Errorf("unterminated frontmatter: missing closing --- fence")
	}

	header = []byte(rest[:idx])
	after := rest[idx:]
	if nl := strings.IndexByte(after, '\n'); nl >= 0 {
		body = []byte(after[nl+1:])
	}
	return header, body, nil
}
