package heal

import (
	"fmt"
	"os"
	"path/filepath"
)

// Verify reads a generated artifact and checks that its embedded checksum
// matches a recomputation over the stripped content. A missing file or a
// missing/malformed trailer is a verification failure, not an error: both
// mean the artifact cannot be trusted to match current sources.
func Verify(outputPath string) bool {
	content, err := os.ReadFile(outputPath)
	if err != nil {
		return false
	}
	return VerifyContent(content) == nil
}

// DirectoryScope describes a target that emits one file per source item into
// a shared directory. Expected holds the base names the current source set
// would produce.
type DirectoryScope struct {
	Dir      string
	Expected map[string]bool
}

// ReconcileOnSkip decides whether an empty source diff is actually safe to
// skip. It vetoes the skip when any expected output is absent or fails
// verification (never built, manually edited, corrupted). When all outputs
// verify, it additionally prunes stale generated files from per-item
// directories before allowing the skip.
//
// Returns (safe, prunedPaths).
func ReconcileOnSkip(expectedOutputs []string, dirs []DirectoryScope) (bool, []string) {
	if len(expectedOutputs) == 0 {
		// Nothing recorded for the requested targets: never built.
		return false, nil
	}
	for _, out := range expectedOutputs {
		if !Verify(out) {
			return false, nil
		}
	}

	var pruned []string
	for _, scope := range dirs {
		removed, err := PruneStaleGenerated(scope.Dir, scope.Expected)
		if err != nil {
			// A prune failure must not silently leave stale outputs behind;
			// veto the skip so the full build path handles it.
			return false, pruned
		}
		pruned = append(pruned, removed...)
	}
	return true, pruned
}

// PruneStaleGenerated deletes files in dir that carry the metadata trailer
// but whose base name is not in expected. Files without a trailer were not
// produced by this tool and are never touched. Returns the removed paths.
func PruneStaleGenerated(dir string, expected map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || expected[entry.Name()] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return removed, fmt.Errorf("reading %s: %w", path, err)
		}
		if !HasTrailer(content) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("removing stale output %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
