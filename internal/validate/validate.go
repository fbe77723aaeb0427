package validate

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/rulekit/rulekit/internal/config"
	"github.com/rulekit/rulekit/internal/rule"
)

// Validation error codes (E200-E299)
const (
	ErrSchemaViolation   = "E200" // frontmatter fails the CUE schema
	ErrEmptyDescription  = "E201" // description is required
	ErrPriorityRange     = "E202" // priority outside 0-999
	ErrInvalidGlob       = "E203" // glob pattern does not compile
	ErrUnknownTarget     = "E204" // targets restriction names an unknown target
	ErrDuplicateRuleName = "E205" // two documents share a rule name
)

// frontmatterSchema is the CUE schema every rule's metadata must satisfy.
// Structural constraints live here; cross-document constraints (duplicate
// names) and environment-dependent ones (known targets) are checked in Go.
const frontmatterSchema = `
{
	name:         string & =~"^[a-z0-9][a-z0-9-]*$"
	description:  string & !=""
	priority:     int & >=0 & <=999
	globs?:       [...string]
	targets?:     [...string]
	tags?:        [...string]
}
`

// ValidationError is one blocking validation finding.
type ValidationError struct {
	Rule    string `json:"rule"` // rule name, or path when the name is the problem
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Rule, e.Field, e.Message)
}

// Result partitions findings into blocking errors and warnings.
// Warnings never fail a build.
type Result struct {
	Errors   []ValidationError
	Warnings []string
}

// Blocking reports whether the result contains any blocking error.
func (r *Result) Blocking() bool {
	return len(r.Errors) > 0
}

// Validator checks parsed rules against the frontmatter schema and the
// project configuration.
type Validator struct {
	ctx    *cue.Context
	schema cue.Value

	// knownTargets are the target names the compiler registry exposes.
	knownTargets map[string]bool
}

// New compiles the frontmatter schema. knownTargets should come from the
// target registry, not the config, so a config typo is caught separately.
func New(knownTargets []string) (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(frontmatterSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling frontmatter schema: %w", err)
	}

	known := make(map[string]bool, len(knownTargets))
	for _, t := range knownTargets {
		known[t] = true
	}
	return &Validator{ctx: ctx, schema: schema, knownTargets: known}, nil
}

// Validate checks every rule. All findings are collected; it never fails fast.
func (v *Validator) Validate(rules []rule.Rule, cfg *config.Config) *Result {
	res := &Result{}
	seen := make(map[string]string, len(rules)) // name -> first RelPath

	for i := range rules {
		r := &rules[i]

		if prev, dup := seen[r.Name]; dup {
			res.Errors = append(res.Errors, ValidationError{
				Rule:    r.RelPath,
				Field:   "name",
				Message: fmt.Sprintf("duplicate rule name %q, first defined in %s", r.Name, prev),
				Code:    ErrDuplicateRuleName,
			})
		} else {
			seen[r.Name] = r.RelPath
		}

		res.Errors = append(res.Errors, v.validateSchema(r)...)
		res.Errors = append(res.Errors, v.validateGlobs(r)...)
		res.Errors = append(res.Errors, v.validateTargets(r)...)

		if cfg != nil && cfg.TokenBudget > 0 && r.Tokens() > cfg.TokenBudget {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"rule %q: estimated %d tokens exceeds budget %d; aggregating targets will exclude it",
				r.Name, r.Tokens(), cfg.TokenBudget))
		}
	}

	return res
}

// validateSchema unifies the rule's metadata with the CUE schema.
func (v *Validator) validateSchema(r *rule.Rule) []ValidationError {
	meta := map[string]any{
		"name":        r.Name,
		"description": r.Description,
		"priority":    r.Priority,
	}
	if r.Globs != nil {
		meta["globs"] = r.Globs
	}
	if r.Targets != nil {
		meta["targets"] = r.Targets
	}
	if r.Tags != nil {
		meta["tags"] = r.Tags
	}

	val := v.schema.Unify(v.ctx.Encode(meta))
	if err := val.Validate(cue.Concrete(true)); err != nil {
		var errs []ValidationError
		for _, e := range cueerrors.Errors(err) {
			path := cueerrors.Path(e)
			field := "frontmatter"
			if len(path) > 0 {
				field = fmt.Sprint(path[len(path)-1])
			}
			errs = append(errs, ValidationError{
				Rule:    r.Name,
				Field:   field,
				Message: e.Error(),
				Code:    schemaErrorCode(field),
			})
		}
		return errs
	}
	return nil
}

// schemaErrorCode maps a schema violation to a specific code where one exists.
func schemaErrorCode(field string) string {
	switch field {
	case "description":
		return ErrEmptyDescription
	case "priority":
		return ErrPriorityRange
	default:
		return ErrSchemaViolation
	}
}

func (v *Validator) validateGlobs(r *rule.Rule) []ValidationError {
	var errs []ValidationError
	for i, g := range r.Globs {
		if !doublestar.ValidatePattern(g) {
			errs = append(errs, ValidationError{
				Rule:    r.Name,
				Field:   fmt.Sprintf("globs[%d]", i),
				Message: fmt.Sprintf("invalid glob pattern %q", g),
				Code:    ErrInvalidGlob,
			})
		}
	}
	return errs
}

func (v *Validator) validateTargets(r *rule.Rule) []ValidationError {
	var errs []ValidationError
	for i, t := range r.Targets {
		if !v.knownTargets[t] {
			errs = append(errs, ValidationError{
				Rule:    r.Name,
				Field:   fmt.Sprintf("targets[%d]", i),
				Message: fmt.Sprintf("unknown target %q", t),
				Code:    ErrUnknownTarget,
			})
		}
	}
	return errs
}
