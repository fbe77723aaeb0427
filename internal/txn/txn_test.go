package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit_WritesAllFiles(t *testing.T) {
	dir := t.TempDir()

	tx := New()
	tx.Add(filepath.Join(dir, "a.md"), []byte("A\n"))
	tx.Add(filepath.Join(dir, "nested", "deep", "b.md"), []byte("B\n"))
	require.NoError(t, tx.Commit())

	assertContent(t, filepath.Join(dir, "a.md"), "A\n")
	assertContent(t, filepath.Join(dir, "nested", "deep", "b.md"), "B\n")

	// No temp files survive a successful commit.
	assert.Empty(t, findTemps(t, dir))
}

func TestCommit_Empty(t *testing.T) {
	assert.NoError(t, New().Commit())
}

func TestCommit_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.md")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	tx := New()
	tx.Add(path, []byte("new\n"))
	require.NoError(t, tx.Commit())
	assertContent(t, path, "new\n")
}

func TestCommit_PrepareFailureTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.md")
	require.NoError(t, os.WriteFile(good, []byte("original\n"), 0o644))

	// A target whose parent "directory" is a regular file cannot be prepared.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("file, not dir\n"), 0o644))
	bad := filepath.Join(blocker, "child.md")

	tx := New()
	tx.Add(good, []byte("replacement\n"))
	tx.Add(bad, []byte("unwritable\n"))

	err := tx.Commit()
	require.Error(t, err)

	var txErr *Error
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "prepare", txErr.Phase)
	require.Len(t, txErr.Failed, 1)
	assert.Equal(t, bad, txErr.Failed[0].Path)

	// The good target keeps its original content and its temp is rolled back.
	assertContent(t, good, "original\n")
	assert.Empty(t, findTemps(t, dir))
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "state.json")
	require.NoError(t, WriteFile(path, []byte("{}\n")))
	assertContent(t, path, "{}\n")
}

func TestWriteFileSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, WriteFileSync(path, []byte("{\"version\":\"1.0\"}\n")))
	assertContent(t, path, "{\"version\":\"1.0\"}\n")
	assert.Empty(t, findTemps(t, dir))
}

func TestIsTempName(t *testing.T) {
	assert.True(t, IsTempName("CLAUDE.md.tmp.12345"))
	assert.True(t, IsTempName("a.tmp.1"))
	assert.False(t, IsTempName("CLAUDE.md"))
	assert.False(t, IsTempName("notes.tmp.abc"))
	assert.False(t, IsTempName("x.tmp."))
	assert.False(t, IsTempName(".tmp.123"))
}

func TestSweepOrphans(t *testing.T) {
	dir := t.TempDir()
	orphan1 := filepath.Join(dir, fmt.Sprintf("CLAUDE.md.tmp.%d", 99999))
	orphan2 := filepath.Join(dir, ".cursor", "rules", "a.mdc.tmp.4242")
	keeper := filepath.Join(dir, "CLAUDE.md")

	require.NoError(t, os.MkdirAll(filepath.Dir(orphan2), 0o755))
	require.NoError(t, os.WriteFile(orphan1, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(orphan2, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(keeper, []byte("real\n"), 0o644))

	removed, err := SweepOrphans(dir)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.NoFileExists(t, orphan1)
	assert.NoFileExists(t, orphan2)
	assert.FileExists(t, keeper)
}

func TestSweepOrphans_SkipsPrivateDirs(t *testing.T) {
	dir := t.TempDir()
	protected := filepath.Join(dir, ".rulekit", "manifest.json.tmp.1")
	require.NoError(t, os.MkdirAll(filepath.Dir(protected), 0o755))
	require.NoError(t, os.WriteFile(protected, []byte("x"), 0o644))

	// The sweep of the working tree must not reach into .rulekit; the
	// orchestrator owns that directory separately.
	removed, err := SweepOrphans(dir)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.FileExists(t, protected)
}

func TestSweepOrphans_MissingRoot(t *testing.T) {
	removed, err := SweepOrphans(filepath.Join(t.TempDir(), "gone"))
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func assertContent(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}

func findTemps(t *testing.T, root string) []string {
	t.Helper()
	var temps []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsTempName(d.Name()) {
			temps = append(temps, path)
		}
		return nil
	})
	require.NoError(t, err)
	return temps
}
