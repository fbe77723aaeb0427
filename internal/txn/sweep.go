package txn

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SweepOrphans walks root and deletes files left behind by a transaction
// that crashed between prepare and commit. Only files matching the temp
// naming pattern are touched. Tool-private and VCS directories are skipped.
// Returns the removed paths.
func SweepOrphans(root string) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsTempName(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing orphaned temp %s: %w", path, err)
		}
		removed = append(removed, path)
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping %s: %w", root, err)
	}
	return removed, nil
}

func skipDir(name string) bool {
	switch name {
	case ".git", ".rulekit", "node_modules":
		return true
	}
	return strings.HasPrefix(name, ".") && name != ".cursor" && name != ".github"
}
