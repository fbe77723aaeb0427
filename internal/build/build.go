// Package build is the orchestrator: it sequences discovery, validation,
// the incremental decision, compilation, diff-against-disk, the atomic
// commit, drift pruning, and manifest persistence, all under the build lock.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rulekit/rulekit/internal/config"
	"github.com/rulekit/rulekit/internal/heal"
	"github.com/rulekit/rulekit/internal/history"
	"github.com/rulekit/rulekit/internal/lock"
	"github.com/rulekit/rulekit/internal/manifest"
	"github.com/rulekit/rulekit/internal/rule"
	"github.com/rulekit/rulekit/internal/target"
	"github.com/rulekit/rulekit/internal/txn"
	"github.com/rulekit/rulekit/internal/validate"
)

// Options configures one invocation. The zero value builds the configured
// targets incrementally at the current directory's root.
type Options struct {
	// Root is the project root directory.
	Root string

	// Targets overrides the configured target set when non-empty.
	Targets []string

	// Force ignores the manifest and rebuilds everything.
	Force bool

	// CheckOnly reports missing, out-of-date, and stale outputs without
	// touching disk.
	CheckOnly bool

	// SkipValidation bypasses frontmatter validation.
	SkipValidation bool

	// Now supplies build timestamps. Tests pin it; nil means time.Now.
	Now func() time.Time
}

// Stats summarizes what one run looked at and did.
type Stats struct {
	RulesTotal   int
	RulesChanged int
	TotalTokens  int
	Duration     time.Duration
}

// Result describes a completed run. In check-only mode Drift carries one
// finding per difference and nothing is written.
type Result struct {
	Mode     string // "full", "incremental", or "check"
	Skipped  bool   // incremental run found nothing to do
	Written  []string
	Pruned   []string
	Drift    []string
	Warnings []string
	Stats    Stats
}

// Clean reports whether a check-only run found no drift.
func (r *Result) Clean() bool {
	return len(r.Drift) == 0
}

type runner struct {
	opts      Options
	cfg       *config.Config
	labels    []string
	compilers []target.Compiler
	now       func() time.Time
	res       *Result
}

// Run executes one build. On failure the returned error is a *Error whose
// Code distinguishes configuration, parse, validation, lock-contention,
// write, and unexpected failures.
func Run(ctx context.Context, opts Options) (*Result, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	start := now()

	cfg, warnings, err := config.Load(opts.Root)
	if err != nil {
		return nil, wrapError(CodeConfig, err, "loading configuration")
	}

	labels := opts.Targets
	if len(labels) == 0 {
		labels = cfg.Targets
	}
	compilers, err := target.Resolve(labels)
	if err != nil {
		return nil, wrapError(CodeConfig, err, "resolving targets")
	}

	res := &Result{Mode: "incremental", Warnings: warnings}
	if opts.CheckOnly {
		res.Mode = "check"
	}
	b := &runner{opts: opts, cfg: cfg, labels: labels, compilers: compilers, now: now, res: res}

	err = lock.WithLock(opts.Root, strings.Join(labels, ","), cfg.LockStaleAfter, b.execute)
	if err != nil {
		var held *lock.HeldError
		var be *Error
		switch {
		case errors.As(err, &held):
			err = wrapError(CodeLockHeld, held, "cannot start build")
		case !errors.As(err, &be):
			err = wrapError(CodeInternal, err, "build failed")
		}
	}
	res.Stats.Duration = now().Sub(start)

	if !opts.CheckOnly {
		b.recordHistory(ctx, start, err)
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// execute runs every phase that requires the lock.
func (b *runner) execute() error {
	root := b.opts.Root

	// Phase 1: clean up temp files from crashed runs. Never in check-only
	// mode, which must not touch disk.
	if !b.opts.CheckOnly {
		if _, err := txn.SweepOrphans(root); err != nil {
			b.warnf("orphan sweep: %v", err)
		}
	}

	// Phase 2: discover and parse. Any parse error aborts the whole build;
	// a partial rule set is never compiled.
	rules, parseErrs := rule.ParseAll(root)
	if len(parseErrs) > 0 {
		e := newError(CodeParse, "%d rule document(s) failed to parse", len(parseErrs))
		for _, pe := range parseErrs {
			e.Details = append(e.Details, pe.Error())
		}
		return e
	}
	b.res.Stats.RulesTotal = len(rules)

	// Phase 3: validation.
	if !b.opts.SkipValidation {
		v, err := validate.New(target.Names())
		if err != nil {
			return wrapError(CodeInternal, err, "initializing validator")
		}
		vres := v.Validate(rules, b.cfg)
		b.res.Warnings = append(b.res.Warnings, vres.Warnings...)
		if vres.Blocking() {
			e := newError(CodeValidation, "%d blocking validation finding(s)", len(vres.Errors))
			for _, ve := range vres.Errors {
				e.Details = append(e.Details, ve.Error())
			}
			return e
		}
	}

	// The tracked source set: rule documents, helper documents, and the
	// configuration file itself.
	current := make([]string, 0, len(rules)+2)
	for _, r := range rules {
		current = append(current, r.RelPath)
	}
	aux, err := rule.DiscoverAuxiliary(root)
	if err != nil {
		return wrapError(CodeInternal, err, "discovering auxiliary sources")
	}
	current = append(current, aux...)
	if p := config.SourcePath(root); p != "" {
		current = append(current, p)
	}
	sort.Strings(current)

	// Phase 4: incremental decision. A missing, unparsable, or
	// version-mismatched manifest forces the full path, as does a config
	// or target-set change since the recorded build.
	m := manifest.Load(root)
	usable := m != nil && !b.opts.Force &&
		m.ConfigHash == b.cfg.Fingerprint() &&
		m.Target == strings.Join(b.labels, ",")

	if !usable && !b.opts.CheckOnly {
		b.res.Mode = "full"
		b.res.Stats.RulesChanged = len(rules)
	}

	// Phase 5: with an empty diff, skip only if the drift detector agrees
	// that the on-disk artifacts are trustworthy. Check-only mode always
	// proceeds to compilation so it can report exact differences.
	if usable && !b.opts.CheckOnly {
		d := manifest.ComputeDiff(root, current, m)
		b.res.Stats.RulesChanged = len(d.ChangedPaths()) + len(d.Removed)
		if d.Empty() {
			if safe, pruned := b.reconcileSkip(m); safe {
				b.res.Skipped = true
				b.res.Pruned = append(b.res.Pruned, pruned...)
				return nil
			}
			b.warnf("artifacts drifted from sources, rebuilding")
		}
	}

	// Phase 6: compile every requested target.
	copts := target.CompileOptions{At: b.now(), TokenBudget: b.cfg.TokenBudget}
	var outputs []target.Output
	for _, c := range b.compilers {
		cres, err := c.Compile(rules, copts)
		if err != nil {
			return wrapError(CodeInternal, err, "compiling target %s", c.Name())
		}
		b.res.Warnings = append(b.res.Warnings, cres.Warnings...)
		b.res.Stats.TotalTokens += cres.Stats.TotalTokens
		outputs = append(outputs, cres.Outputs...)
	}

	// Phase 7: diff against disk. Equivalent content (ignoring the
	// metadata trailer) is never rewritten, so no-edit rebuilds do not
	// churn timestamps.
	tx := txn.New()
	var queued []string
	for _, out := range outputs {
		abs := b.abs(out.RelPath)
		onDisk, err := os.ReadFile(abs)
		switch {
		case os.IsNotExist(err):
			if b.opts.CheckOnly {
				b.res.Drift = append(b.res.Drift, "missing output: "+out.RelPath)
				continue
			}
		case err != nil:
			return wrapError(CodeInternal, err, "reading %s", out.RelPath)
		case heal.Equivalent(onDisk, out.Content):
			continue
		default:
			if b.opts.CheckOnly {
				b.res.Drift = append(b.res.Drift, "output out of date: "+out.RelPath)
				continue
			}
		}
		tx.Add(abs, out.Content)
		queued = append(queued, out.RelPath)
	}

	// Expected base names per directory-style target, for stale detection.
	expectedByDir := b.expectedByDir(outputs)

	if b.opts.CheckOnly {
		b.reportStale(expectedByDir)
		return nil
	}

	// Phase 8: atomic commit.
	if tx.Len() > 0 {
		if err := tx.Commit(); err != nil {
			e := wrapError(CodeWrite, err, "committing %d output file(s)", len(queued))
			var txErr *txn.Error
			if errors.As(err, &txErr) {
				for _, f := range txErr.Failed {
					e.Details = append(e.Details, f.Error())
				}
			}
			return e
		}
		b.res.Written = queued
	}

	// Phase 9: prune generated files orphaned by deleted sources.
	for dir, expected := range expectedByDir {
		removed, err := heal.PruneStaleGenerated(b.abs(dir), expected)
		for _, p := range removed {
			b.res.Pruned = append(b.res.Pruned, b.rel(p))
		}
		if err != nil {
			return wrapError(CodeWrite, err, "pruning stale outputs in %s", dir)
		}
	}

	// Phase 10: total manifest replacement, persisted only now that the
	// working tree matches it. A crash before this point leaves the
	// previous manifest intact and the next run re-derives the decision.
	genAt := copts.At.UnixMilli()
	records := make([]manifest.OutputRecord, 0, len(outputs))
	for _, out := range outputs {
		records = append(records, manifest.OutputRecord{
			OutputPath:  out.RelPath,
			SourceRules: out.SourceRules,
			GeneratedAt: genAt,
		})
	}
	newM, err := manifest.Rebuild(root, current, b.labels, records, b.cfg.Fingerprint())
	if err != nil {
		return wrapError(CodeInternal, err, "rebuilding manifest")
	}
	if err := manifest.Persist(root, newM); err != nil {
		return wrapError(CodeWrite, err, "persisting manifest")
	}
	return nil
}

// reconcileSkip asks the drift detector whether the empty diff is safe to
// act on: every recorded output must verify, and per-rule directories must
// hold nothing stale. Returns pruned paths root-relative.
func (b *runner) reconcileSkip(m *manifest.BuildManifest) (bool, []string) {
	expected := make([]string, 0, len(m.Outputs))
	for _, out := range m.Outputs {
		expected = append(expected, b.abs(out.OutputPath))
	}

	var dirs []heal.DirectoryScope
	for _, c := range b.compilers {
		for _, dir := range c.PruneDirs() {
			names := map[string]bool{}
			for _, out := range m.Outputs {
				if path.Dir(out.OutputPath) == dir {
					names[path.Base(out.OutputPath)] = true
				}
			}
			dirs = append(dirs, heal.DirectoryScope{Dir: b.abs(dir), Expected: names})
		}
	}

	safe, pruned := heal.ReconcileOnSkip(expected, dirs)
	rels := make([]string, 0, len(pruned))
	for _, p := range pruned {
		rels = append(rels, b.rel(p))
	}
	return safe, rels
}

// expectedByDir maps each directory-style target's directory to the base
// names the current outputs place there.
func (b *runner) expectedByDir(outputs []target.Output) map[string]map[string]bool {
	byDir := map[string]map[string]bool{}
	for _, c := range b.compilers {
		for _, dir := range c.PruneDirs() {
			byDir[dir] = map[string]bool{}
		}
	}
	for _, out := range outputs {
		if names, ok := byDir[path.Dir(out.RelPath)]; ok {
			names[path.Base(out.RelPath)] = true
		}
	}
	return byDir
}

// reportStale emits check-only findings for generated files that no current
// source produces. Files without the metadata trailer are not ours and are
// ignored.
func (b *runner) reportStale(expectedByDir map[string]map[string]bool) {
	for dir, expected := range expectedByDir {
		entries, err := os.ReadDir(b.abs(dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || expected[entry.Name()] {
				continue
			}
			content, err := os.ReadFile(filepath.Join(b.abs(dir), entry.Name()))
			if err != nil || !heal.HasTrailer(content) {
				continue
			}
			b.res.Drift = append(b.res.Drift, "stale generated output: "+path.Join(dir, entry.Name()))
		}
	}
	sort.Strings(b.res.Drift)
}

// recordHistory appends the run to the local build log. The log is
// advisory; failures to write it never affect the build outcome.
func (b *runner) recordHistory(ctx context.Context, start time.Time, buildErr error) {
	hs, err := history.Open(history.Path(b.opts.Root))
	if err != nil {
		return
	}
	defer hs.Close()

	entry := history.Build{
		StartedAt:      start,
		Duration:       b.res.Stats.Duration,
		Targets:        b.labels,
		Mode:           b.res.Mode,
		Success:        buildErr == nil,
		RulesTotal:     b.res.Stats.RulesTotal,
		RulesChanged:   b.res.Stats.RulesChanged,
		OutputsWritten: len(b.res.Written),
		OutputsPruned:  len(b.res.Pruned),
	}
	if buildErr != nil {
		entry.Error = buildErr.Error()
	}
	_, _ = hs.Record(ctx, entry)
}

func (b *runner) warnf(format string, args ...any) {
	b.res.Warnings = append(b.res.Warnings, fmt.Sprintf(format, args...))
}

func (b *runner) abs(rel string) string {
	return filepath.Join(b.opts.Root, filepath.FromSlash(rel))
}

func (b *runner) rel(abs string) string {
	rel, err := filepath.Rel(b.opts.Root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}
