// Package config loads the project's rulekit.yaml configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file, looked up at the project root.
const FileName = "rulekit.yaml"

// DefaultTargets are compiled when the config does not name any.
var DefaultTargets = []string{"claude", "cursor", "agents"}

// DefaultLockStaleAfter bounds how long a dead or hung holder can deny
// the build lock to other invocations.
const DefaultLockStaleAfter = 10 * time.Minute

// DefaultTokenBudget is the per-target token budget. Rules past the budget
// are excluded with a warning, never an error.
const DefaultTokenBudget = 20000

// Config is the immutable per-invocation configuration.
type Config struct {
	// Targets are the target names compiled by default.
	Targets []string

	// TokenBudget caps the estimated token total per aggregated output.
	TokenBudget int

	// LockStaleAfter is the build lock staleness threshold.
	LockStaleAfter time.Duration

	// raw is the exact bytes the config was loaded from (or the serialized
	// defaults when the file is absent). Fingerprint hashes these bytes so
	// any config edit forces a rebuild.
	raw []byte
}

// fileConfig is the YAML shape of rulekit.yaml.
type fileConfig struct {
	Targets        []string `yaml:"targets"`
	TokenBudget    int      `yaml:"tokenBudget"`
	LockStaleAfter string   `yaml:"lockStaleAfter"`
}

// ConfigError is a fatal configuration problem. The orchestrator surfaces it
// before taking the build lock.
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Targets:        append([]string(nil), DefaultTargets...),
		TokenBudget:    DefaultTokenBudget,
		LockStaleAfter: DefaultLockStaleAfter,
	}
	cfg.raw = cfg.canonicalBytes()
	return cfg
}

// Load reads rulekit.yaml from the project root. A missing file yields the
// defaults plus a warning; a malformed file is a configuration error.
func Load(root string) (*Config, []string, error) {
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		warn := fmt.Sprintf("%s not found, using defaults", FileName)
		return Default(), []string{warn}, nil
	}
	if err != nil {
		return nil, nil, &ConfigError{Message: "reading " + FileName, Err: err}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, nil, &ConfigError{Message: "parsing " + FileName, Err: err}
	}

	cfg := &Config{
		Targets:        fc.Targets,
		TokenBudget:    fc.TokenBudget,
		LockStaleAfter: DefaultLockStaleAfter,
		raw:            data,
	}

	var warnings []string
	if fc.LockStaleAfter != "" {
		d, err := time.ParseDuration(fc.LockStaleAfter)
		if err != nil {
			return nil, nil, &ConfigError{Message: fmt.Sprintf("invalid lockStaleAfter %q", fc.LockStaleAfter), Err: err}
		}
		if d <= 0 {
			return nil, nil, &ConfigError{Message: fmt.Sprintf("lockStaleAfter must be positive, got %q", fc.LockStaleAfter)}
		}
		cfg.LockStaleAfter = d
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = append([]string(nil), DefaultTargets...)
		warnings = append(warnings, "no targets configured, using defaults")
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	return cfg, warnings, nil
}

// Fingerprint returns a sha256-tagged digest of the configuration bytes.
// Recorded in the manifest so config edits invalidate incremental skips.
func (c *Config) Fingerprint() string {
	sum := sha256.Sum256(c.raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SourcePath returns the config file's root-relative path if it exists on
// disk, or "" when the defaults are in use.
func SourcePath(root string) string {
	if _, err := os.Stat(filepath.Join(root, FileName)); err != nil {
		return ""
	}
	return FileName
}

func (c *Config) canonicalBytes() []byte {
	out, err := yaml.Marshal(map[string]any{
		"targets":        c.Targets,
		"tokenBudget":    c.TokenBudget,
		"lockStaleAfter": c.LockStaleAfter.String(),
	})
	if err != nil {
		// yaml.Marshal of plain maps cannot fail; keep the fingerprint stable anyway.
		return []byte("defaults")
	}
	return out
}
