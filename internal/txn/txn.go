package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PendingWrite is one queued output write: the absolute target path and the
// full content it should hold after commit.
type PendingWrite struct {
	Path    string
	Content []byte
}

// PathError records a failure against a specific target path.
type PathError struct {
	Path string
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Error is returned when a transaction fails. Phase distinguishes the two
// failure modes: after "prepare" no target file has been touched; after
// "commit" the paths in Committed already hold new content (the rename
// sequence is not atomic across files, see package doc).
type Error struct {
	Phase     string // "prepare" or "commit"
	Committed []string
	Failed    []PathError
}

func (e *Error) Error() string {
	if e.Phase == "prepare" {
		return fmt.Sprintf("transaction prepare failed, no files written: %v", e.Failed)
	}
	return fmt.Sprintf("transaction commit failed after %d of %d renames: %v",
		len(e.Committed), len(e.Committed)+len(e.Failed), e.Failed)
}

// Transaction batches file writes and commits them with temp-file-then-rename.
type Transaction struct {
	writes []PendingWrite
}

// New creates an empty transaction.
func New() *Transaction {
	return &Transaction{}
}

// Add queues a write. Later Adds for the same path win.
func (t *Transaction) Add(path string, content []byte) {
	t.writes = append(t.writes, PendingWrite{Path: path, Content: content})
}

// Len returns the number of queued writes.
func (t *Transaction) Len() int {
	return len(t.writes)
}

// Writes returns the queued writes in Add order.
func (t *Transaction) Writes() []PendingWrite {
	return t.writes
}

// Commit applies every queued write in two phases.
//
// Prepare writes each content to a sibling temp file (name embeds the pid, so
// concurrent same-host invocations cannot collide). Any prepare failure rolls
// back every temp created so far and returns an *Error with Phase "prepare";
// no target file has been modified.
//
// Commit renames each temp onto its target. A rename failure leaves
// already-renamed files in place, deletes the unrenamed temps, and returns an
// *Error with Phase "commit" listing which paths landed.
func (t *Transaction) Commit() error {
	if len(t.writes) == 0 {
		return nil
	}

	// Prepare phase.
	temps := make([]string, 0, len(t.writes))
	for _, w := range t.writes {
		tmp := tempPath(w.Path)
		if err := prepareOne(tmp, w.Content); err != nil {
			for _, created := range temps {
				_ = os.Remove(created)
			}
			return &Error{Phase: "prepare", Failed: []PathError{{Path: w.Path, Err: err}}}
		}
		temps = append(temps, tmp)
	}

	// Commit phase.
	var committed []string
	for i, w := range t.writes {
		if err := os.Rename(temps[i], w.Path); err != nil {
			for _, tmp := range temps[i:] {
				_ = os.Remove(tmp)
			}
			return &Error{
				Phase:     "commit",
				Committed: committed,
				Failed:    []PathError{{Path: w.Path, Err: err}},
			}
		}
		committed = append(committed, w.Path)
	}

	t.writes = nil
	return nil
}

// WriteFile writes a single file with the same prepare/commit shape as a
// transaction, without the batching.
func WriteFile(path string, content []byte) error {
	return writeFile(path, content, false)
}

// WriteFileSync is WriteFile plus an fsync before the rename, for state files
// whose loss would be worse than a slow write (the manifest).
func WriteFileSync(path string, content []byte) error {
	return writeFile(path, content, true)
}

func writeFile(path string, content []byte, sync bool) error {
	tmp := tempPath(path)
	if err := prepareOneOpt(tmp, content, sync); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}

func prepareOne(tmp string, content []byte) error {
	return prepareOneOpt(tmp, content, false)
}

func prepareOneOpt(tmp string, content []byte, sync bool) error {
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("syncing temp file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	return nil
}

// tempPath returns the sibling temp name for a target: "<target>.tmp.<pid>".
func tempPath(target string) string {
	return fmt.Sprintf("%s.tmp.%d", target, os.Getpid())
}

// IsTempName reports whether a base name matches the temp-file pattern.
func IsTempName(name string) bool {
	i := strings.LastIndex(name, ".tmp.")
	if i <= 0 {
		return false
	}
	suffix := name[i+len(".tmp."):]
	if suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
