// Package lock provides the cross-process build lock: a file-based advisory
// claim over one project tree, with owner metadata, a staleness timeout, and
// dead-owner reclamation.
//
// This is a single-host primitive. Staleness and pid probing are deliberate
// compromises for local use (manual runs, hooks, CI on one machine); it is
// not a distributed lock.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileName is the lock file, under the project's tool-private directory.
const FileName = "build.lock"

// StateDir is the tool-private directory at the project root.
const StateDir = ".rulekit"

// Record is the on-disk ownership claim.
type Record struct {
	PID       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"` // epoch ms of acquisition
	Hostname  string `json:"hostname"`
	Target    string `json:"target"`
}

// Age returns how long ago the record was written.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

// AcquireResult reports the outcome of an acquisition attempt.
type AcquireResult struct {
	Acquired     bool
	LockPath     string
	Existing     *Record // the competing record when not acquired
	StaleRemoved bool    // a stale or dead-owner record was reclaimed
}

// HeldError is raised by WithLock when another invocation holds the lock.
type HeldError struct {
	Record *Record
	Age    time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("build already in progress: pid %d on %s (target %q, held for %s)",
		e.Record.PID, e.Record.Hostname, e.Record.Target, e.Age.Truncate(time.Second))
}

// Path returns the lock file location for a project root.
func Path(root string) string {
	return filepath.Join(root, StateDir, FileName)
}

// StateDirPath returns the tool-private directory for a project root.
func StateDirPath(root string) string {
	return filepath.Join(root, StateDir)
}

// Acquire attempts an exclusive create of the lock record. An existing record
// is reclaimed when it is older than staleAfter, or when it was written on
// this host by a process that no longer exists; reclamation retries the
// create exactly once. Losing that retry race to another process is reported
// as non-acquisition, not as an error.
func Acquire(root, target string, staleAfter time.Duration) (AcquireResult, error) {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return AcquireResult{LockPath: path}, fmt.Errorf("creating lock directory: %w", err)
	}

	res := AcquireResult{LockPath: path}
	created, err := tryCreate(path, target)
	if err != nil {
		return res, err
	}
	if created {
		res.Acquired = true
		return res, nil
	}

	existing, readErr := Read(root)
	if readErr != nil {
		// Unreadable or truncated record: treat like a stale one. A crashed
		// writer cannot be holding the lock.
		existing = nil
	}

	if existing != nil && !reclaimable(existing, staleAfter) {
		res.Existing = existing
		return res, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("removing stale lock: %w", err)
	}
	res.StaleRemoved = true

	created, err = tryCreate(path, target)
	if err != nil {
		return res, err
	}
	if created {
		res.Acquired = true
		return res, nil
	}

	// Another process won the retry race.
	if winner, err := Read(root); err == nil {
		res.Existing = winner
	}
	return res, nil
}

// Release deletes the lock record, but only when the caller owns it: both
// pid and hostname must match. Returns false (a no-op) otherwise or when no
// record exists.
func Release(root string) (bool, error) {
	rec, err := Read(root)
	if err != nil {
		return false, nil
	}

	host, _ := os.Hostname()
	if rec.PID != os.Getpid() || rec.Hostname != host {
		return false, nil
	}
	if err := os.Remove(Path(root)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("releasing lock: %w", err)
	}
	return true, nil
}

// Read returns the current lock record, or an error when it is absent or
// unreadable.
func Read(root string) (*Record, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing lock record: %w", err)
	}
	if rec.PID == 0 {
		return nil, errors.New("lock record missing pid")
	}
	return &rec, nil
}

// WithLock acquires the lock, runs work, and guarantees release on both
// normal return and panic. When acquisition fails it returns a *HeldError
// naming the holder without ever invoking work.
func WithLock(root, target string, staleAfter time.Duration, work func() error) error {
	res, err := Acquire(root, target, staleAfter)
	if err != nil {
		return err
	}
	if !res.Acquired {
		held := &HeldError{Record: res.Existing, Age: 0}
		if res.Existing != nil {
			held.Age = res.Existing.Age(time.Now())
		} else {
			held.Record = &Record{Hostname: "unknown"}
		}
		return held
	}

	defer func() {
		_, _ = Release(root)
	}()
	return work()
}

// tryCreate performs the exclusive create-and-write of a fresh record.
// Returns (false, nil) when another record already exists.
func tryCreate(path, target string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating lock file: %w", err)
	}

	host, _ := os.Hostname()
	rec := Record{
		PID:       os.Getpid(),
		Timestamp: time.Now().UnixMilli(),
		Hostname:  host,
		Target:    target,
	}
	data, err := json.Marshal(rec)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("writing lock record: %w", err)
	}
	return true, nil
}

// reclaimable reports whether an existing record may be removed: it is past
// the staleness threshold, or it was written on this host by a dead process.
func reclaimable(rec *Record, staleAfter time.Duration) bool {
	if rec.Age(time.Now()) > staleAfter {
		return true
	}
	host, _ := os.Hostname()
	if rec.Hostname == host && !processAlive(rec.PID) {
		return true
	}
	return false
}

// processAlive probes a pid with the no-op signal. Permission denied means
// the process exists under another user; "no such process" means it is gone.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
