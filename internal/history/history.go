// Package history keeps a local log of build invocations in SQLite, under
// the project's tool-private directory. The log is advisory: a build never
// fails because history could not be written.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added started_at index
const currentSchemaVersion = 1

// FileName is the history database, under the tool-private directory.
const FileName = "history.db"

const stateDir = ".rulekit"

// Build is one recorded invocation.
type Build struct {
	ID             string
	StartedAt      time.Time
	Duration       time.Duration
	Targets        []string
	Mode           string // "full", "incremental", or "check"
	Success        bool
	RulesTotal     int
	RulesChanged   int
	OutputsWritten int
	OutputsPruned  int
	Error          string
}

// Store provides durable storage for the build log.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Path returns the database location for a project root.
func Path(root string) string {
	return filepath.Join(root, stateDir, FileName)
}

// Open creates or opens the history database at the given path, applying
// pragmas and migrations. Idempotent.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to history database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under the build lock's serialization anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one build row. A missing ID is assigned a fresh uuid;
// the possibly-assigned ID is returned.
func (s *Store) Record(ctx context.Context, b Build) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (
			id, started_at, duration_ms, targets, mode, success,
			rules_total, rules_changed, outputs_written, outputs_pruned, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.StartedAt.UnixMilli(), b.Duration.Milliseconds(),
		strings.Join(b.Targets, ","), b.Mode, boolToInt(b.Success),
		b.RulesTotal, b.RulesChanged, b.OutputsWritten, b.OutputsPruned, b.Error,
	)
	if err != nil {
		return "", fmt.Errorf("recording build: %w", err)
	}
	return b.ID, nil
}

// Recent returns up to limit builds, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, duration_ms, targets, mode, success,
		       rules_total, rules_changed, outputs_written, outputs_pruned, error
		FROM builds
		ORDER BY started_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading builds: %w", err)
	}
	return builds, nil
}

// Last returns the newest build, or nil when the log is empty.
func (s *Store) Last(ctx context.Context) (*Build, error) {
	builds, err := s.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(builds) == 0 {
		return nil, nil
	}
	return &builds[0], nil
}

func scanBuild(rows *sql.Rows) (Build, error) {
	var (
		b                Build
		startedAt, durMS int64
		targets          string
		success          int
	)
	err := rows.Scan(&b.ID, &startedAt, &durMS, &targets, &b.Mode, &success,
		&b.RulesTotal, &b.RulesChanged, &b.OutputsWritten, &b.OutputsPruned, &b.Error)
	if err != nil {
		return Build{}, fmt.Errorf("scanning build row: %w", err)
	}
	b.StartedAt = time.UnixMilli(startedAt)
	b.Duration = time.Duration(durMS) * time.Millisecond
	if targets != "" {
		b.Targets = strings.Split(targets, ",")
	}
	b.Success = success != 0
	return b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the started_at index for databases created before it was
// part of schema.sql. IF NOT EXISTS makes this a no-op on fresh databases.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_builds_started_at
		ON builds(started_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
