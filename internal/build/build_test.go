package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulekit/rulekit/internal/heal"
	"github.com/rulekit/rulekit/internal/history"
	"github.com/rulekit/rulekit/internal/lock"
	"github.com/rulekit/rulekit/internal/manifest"
)

func setupProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "rulekit.yaml", "targets:\n  - claude\n  - cursor\n")
	return root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeRule(t *testing.T, root, name, body string) {
	t.Helper()
	doc := fmt.Sprintf("---\nname: %s\ndescription: Rule %s.\n---\n\n%s", name, name, body)
	writeFile(t, root, "rules/"+name+".md", doc)
}

func readFile(t *testing.T, root, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return data
}

func run(t *testing.T, opts Options) *Result {
	t.Helper()
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	return res
}

func TestRun_FreshProject(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")

	res := run(t, Options{Root: root})

	assert.Equal(t, "full", res.Mode)
	assert.False(t, res.Skipped)
	assert.ElementsMatch(t, []string{"CLAUDE.md", ".cursor/rules/rule-a.mdc"}, res.Written)
	assert.Equal(t, 1, res.Stats.RulesTotal)
	assert.Equal(t, 1, res.Stats.RulesChanged)

	assert.True(t, heal.Verify(filepath.Join(root, "CLAUDE.md")))
	assert.True(t, heal.Verify(filepath.Join(root, ".cursor", "rules", "rule-a.mdc")))
	assert.Contains(t, string(readFile(t, root, "CLAUDE.md")), "Always use tabs.")

	m := manifest.Load(root)
	require.NotNil(t, m)
	assert.Contains(t, m.Sources, "rules/rule-a.md")
	assert.Contains(t, m.Sources, "rulekit.yaml")
	assert.Equal(t, "claude,cursor", m.Target)
	assert.Len(t, m.Outputs, 2)

	// The lock never outlives the run.
	assert.NoFileExists(t, lock.Path(root))
}

func TestRun_NoEditsSkips(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")

	run(t, Options{Root: root})
	before := readFile(t, root, "CLAUDE.md")

	res := run(t, Options{Root: root})
	assert.Equal(t, "incremental", res.Mode)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Written)

	// Byte-identical, trailer timestamp included: the file was not rewritten.
	assert.Equal(t, before, readFile(t, root, "CLAUDE.md"))
}

func TestRun_EditRebuildsIncrementally(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	writeRule(t, root, "rule-b", "Never commit secrets.\n")
	run(t, Options{Root: root})

	writeRule(t, root, "rule-a", "Spaces, actually.\n")
	res := run(t, Options{Root: root})

	assert.Equal(t, "incremental", res.Mode)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Stats.RulesChanged)
	assert.Contains(t, string(readFile(t, root, "CLAUDE.md")), "Spaces, actually.")
	// rule-b's per-rule output was equivalent and left alone.
	assert.NotContains(t, res.Written, ".cursor/rules/rule-b.mdc")
}

func TestRun_HealsTamperedArtifact(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	run(t, Options{Root: root})

	// Corrupt the artifact directly; sources are untouched.
	path := filepath.Join(root, "CLAUDE.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("manual garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.False(t, heal.Verify(path))

	res := run(t, Options{Root: root})
	assert.False(t, res.Skipped)
	assert.Contains(t, res.Written, "CLAUDE.md")
	assert.True(t, heal.Verify(path))
	assert.NotContains(t, string(readFile(t, root, "CLAUDE.md")), "manual garbage")
}

func TestRun_DeletedSourcePrunesItsOutput(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	writeRule(t, root, "rule-b", "Never commit secrets.\n")
	run(t, Options{Root: root})
	require.FileExists(t, filepath.Join(root, ".cursor", "rules", "rule-b.mdc"))

	require.NoError(t, os.Remove(filepath.Join(root, "rules", "rule-b.md")))
	res := run(t, Options{Root: root})

	assert.Equal(t, []string{".cursor/rules/rule-b.mdc"}, res.Pruned)
	assert.NoFileExists(t, filepath.Join(root, ".cursor", "rules", "rule-b.mdc"))
	assert.FileExists(t, filepath.Join(root, ".cursor", "rules", "rule-a.mdc"))

	m := manifest.Load(root)
	require.NotNil(t, m)
	assert.NotContains(t, m.Sources, "rules/rule-b.md")
}

func TestRun_ForeignFilesNeverPruned(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	// A hand-written file in the cursor directory, no trailer.
	writeFile(t, root, ".cursor/rules/handmade.mdc", "mine, not generated\n")

	run(t, Options{Root: root})
	res := run(t, Options{Root: root})

	assert.Empty(t, res.Pruned)
	assert.FileExists(t, filepath.Join(root, ".cursor", "rules", "handmade.mdc"))
}

func TestRun_Force(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	run(t, Options{Root: root})

	res := run(t, Options{Root: root, Force: true})
	assert.Equal(t, "full", res.Mode)
	assert.False(t, res.Skipped)
	// Content is equivalent, so even a forced run rewrites nothing.
	assert.Empty(t, res.Written)
}

func TestRun_LockHeld(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")

	acq, err := lock.Acquire(root, "claude", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, acq.Acquired)
	defer lock.Release(root)

	_, err = Run(context.Background(), Options{Root: root})
	require.Error(t, err)
	assert.Equal(t, CodeLockHeld, CodeOf(err))
	assert.Contains(t, err.Error(), "build already in progress")
	assert.NoFileExists(t, filepath.Join(root, "CLAUDE.md"))
}

func TestRun_CheckOnlyReportsDrift(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	run(t, Options{Root: root})

	// Drift the aggregate output and plant a stale generated file.
	writeRule(t, root, "rule-a", "Edited after build.\n")
	staleContent := readFile(t, root, ".cursor/rules/rule-a.mdc")
	writeFile(t, root, ".cursor/rules/ghost.mdc", string(staleContent))

	before := readFile(t, root, "CLAUDE.md")
	res, err := Run(context.Background(), Options{Root: root, CheckOnly: true})
	require.NoError(t, err)

	assert.Equal(t, "check", res.Mode)
	assert.False(t, res.Clean())
	assert.Contains(t, res.Drift, "output out of date: CLAUDE.md")
	assert.Contains(t, res.Drift, "output out of date: .cursor/rules/rule-a.mdc")
	assert.Contains(t, res.Drift, "stale generated output: .cursor/rules/ghost.mdc")

	// Check-only never touches the working tree.
	assert.Equal(t, before, readFile(t, root, "CLAUDE.md"))
	assert.FileExists(t, filepath.Join(root, ".cursor", "rules", "ghost.mdc"))
}

func TestRun_CheckOnlyMissingOutputs(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")

	res, err := Run(context.Background(), Options{Root: root, CheckOnly: true})
	require.NoError(t, err)
	assert.Contains(t, res.Drift, "missing output: CLAUDE.md")
	assert.NoFileExists(t, filepath.Join(root, "CLAUDE.md"))
	assert.Nil(t, manifest.Load(root))
}

func TestRun_CheckOnlyClean(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	run(t, Options{Root: root})

	res, err := Run(context.Background(), Options{Root: root, CheckOnly: true})
	require.NoError(t, err)
	assert.True(t, res.Clean())
}

func TestRun_ParseErrorAborts(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Fine.\n")
	writeFile(t, root, "rules/broken.md", "---\nname: broken\ndescription: no closing fence\n")

	_, err := Run(context.Background(), Options{Root: root})
	require.Error(t, err)
	assert.Equal(t, CodeParse, CodeOf(err))

	var be *Error
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Details, 1)
	assert.Contains(t, be.Details[0], "rules/broken.md")

	// Nothing was compiled for the valid rule either.
	assert.NoFileExists(t, filepath.Join(root, "CLAUDE.md"))
}

func TestRun_ValidationErrorAborts(t *testing.T) {
	root := setupProject(t)
	writeFile(t, root, "rules/bad.md",
		"---\nname: bad\ndescription: Priority out of range.\npriority: 2000\n---\n\nBody.\n")

	_, err := Run(context.Background(), Options{Root: root})
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.NoFileExists(t, filepath.Join(root, "CLAUDE.md"))
}

func TestRun_SkipValidation(t *testing.T) {
	root := setupProject(t)
	writeFile(t, root, "rules/bad.md",
		"---\nname: bad\ndescription: Priority out of range.\npriority: 2000\n---\n\nBody.\n")

	res := run(t, Options{Root: root, SkipValidation: true})
	assert.Contains(t, res.Written, "CLAUDE.md")
}

func TestRun_ConfigErrorBeforeLock(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "rulekit.yaml", "targets: [unclosed\n")

	_, err := Run(context.Background(), Options{Root: root})
	require.Error(t, err)
	assert.Equal(t, CodeConfig, CodeOf(err))
}

func TestRun_UnknownTargetIsConfigError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "rulekit.yaml", "targets:\n  - copilot\n")

	_, err := Run(context.Background(), Options{Root: root})
	require.Error(t, err)
	assert.Equal(t, CodeConfig, CodeOf(err))
}

func TestRun_TargetOverride(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")

	res := run(t, Options{Root: root, Targets: []string{"agents"}})
	assert.Equal(t, []string{"AGENTS.md"}, res.Written)
	assert.NoFileExists(t, filepath.Join(root, "CLAUDE.md"))

	m := manifest.Load(root)
	require.NotNil(t, m)
	assert.Equal(t, "agents", m.Target)
}

func TestRun_TargetChangeForcesFull(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	run(t, Options{Root: root})

	res := run(t, Options{Root: root, Targets: []string{"agents"}})
	assert.Equal(t, "full", res.Mode)
	assert.Contains(t, res.Written, "AGENTS.md")

	// Artifacts of targets no longer requested are left alone.
	assert.FileExists(t, filepath.Join(root, "CLAUDE.md"))
}

func TestRun_SweepsOrphanedTemps(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")
	writeFile(t, root, "CLAUDE.md.tmp.424242", "partial write from a crashed run")

	run(t, Options{Root: root})
	assert.NoFileExists(t, filepath.Join(root, "CLAUDE.md.tmp.424242"))
}

func TestRun_RecordsHistory(t *testing.T) {
	root := setupProject(t)
	writeRule(t, root, "rule-a", "Always use tabs.\n")

	run(t, Options{Root: root})
	run(t, Options{Root: root})

	hs, err := history.Open(history.Path(root))
	require.NoError(t, err)
	defer hs.Close()

	builds, err := hs.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, "incremental", builds[0].Mode)
	assert.True(t, builds[0].Success)
	assert.Equal(t, "full", builds[1].Mode)
	assert.Equal(t, 2, builds[1].OutputsWritten)
}
