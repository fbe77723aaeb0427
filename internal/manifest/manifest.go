// Package manifest persists per-source content fingerprints and the
// dependency edges from sources to generated outputs, and computes the diff
// between the recorded and current file sets that drives incremental builds.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rulekit/rulekit/internal/txn"
)

// Version is the manifest schema version. A manifest carrying any other
// value is unusable and forces a full rebuild.
const Version = "1.0"

// FileName is the manifest file, under the project's tool-private directory.
const FileName = "manifest.json"

const stateDir = ".rulekit"

// SourceFingerprint identifies a tracked input's last-known state. The hash
// is the ground truth; mtime and size exist only to skip rehashing files
// that obviously have not moved.
type SourceFingerprint struct {
	Hash  string `json:"hash"`  // "sha256:<hex>" over exact bytes
	MTime int64  `json:"mtime"` // epoch ms
	Size  int64  `json:"size"`
}

// OutputRecord maps one generated artifact to the sources it was compiled
// from.
type OutputRecord struct {
	OutputPath  string   `json:"outputPath"`
	SourceRules []string `json:"sourceRules"`
	GeneratedAt int64    `json:"generatedAt"` // epoch ms
}

// BuildManifest is the persisted record of the last successful build. All
// paths are project-root-relative with forward slashes.
type BuildManifest struct {
	Version       string                       `json:"version"`
	LastBuildTime int64                        `json:"lastBuildTime"`
	Target        string                       `json:"target"` // comma-joined target labels
	Sources       map[string]SourceFingerprint `json:"sources"`
	ConfigHash    string                       `json:"configHash"`
	Outputs       []OutputRecord               `json:"outputs"`
}

// Path returns the manifest location for a project root.
func Path(root string) string {
	return filepath.Join(root, stateDir, FileName)
}

// HashBytes returns the canonical "sha256:<hex>" digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Fingerprint reads the file once and records its hash, size, and
// modification time.
func Fingerprint(path string) (SourceFingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SourceFingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SourceFingerprint{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return SourceFingerprint{
		Hash:  HashBytes(data),
		MTime: info.ModTime().UnixMilli(),
		Size:  info.Size(),
	}, nil
}

// HasChanged reports whether path differs from its previous fingerprint.
// No previous record, or a file that cannot be stat'd, counts as changed so
// the caller re-evaluates it. When (mtime,size) both match the record the
// file is taken as unchanged without rereading it; otherwise the content
// hash decides.
func HasChanged(path string, prev *SourceFingerprint) bool {
	if prev == nil {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	if info.ModTime().UnixMilli() == prev.MTime && info.Size() == prev.Size {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	return HashBytes(data) != prev.Hash
}

// Diff partitions a current file set against a recorded manifest.
type Diff struct {
	Added     []string
	Modified  []string
	Removed   []string
	Unchanged []string
}

// Empty reports whether nothing was added, modified, or removed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// ChangedPaths returns the union of added and modified paths.
func (d Diff) ChangedPaths() []string {
	out := make([]string, 0, len(d.Added)+len(d.Modified))
	out = append(out, d.Added...)
	out = append(out, d.Modified...)
	sort.Strings(out)
	return out
}

func (d Diff) String() string {
	return fmt.Sprintf("%d added, %d modified, %d removed, %d unchanged",
		len(d.Added), len(d.Modified), len(d.Removed), len(d.Unchanged))
}

// ComputeDiff partitions currentFiles (root-relative paths) against the
// manifest's recorded sources. Recorded paths absent from currentFiles are
// reported as removed. All result slices are sorted.
func ComputeDiff(root string, currentFiles []string, m *BuildManifest) Diff {
	var d Diff
	seen := make(map[string]bool, len(currentFiles))

	for _, rel := range currentFiles {
		key := filepath.ToSlash(rel)
		seen[key] = true

		abs := filepath.Join(root, filepath.FromSlash(key))
		prev, ok := m.Sources[key]
		switch {
		case !ok:
			d.Added = append(d.Added, key)
		case HasChanged(abs, &prev):
			d.Modified = append(d.Modified, key)
		default:
			d.Unchanged = append(d.Unchanged, key)
		}
	}

	for key := range m.Sources {
		if !seen[key] {
			d.Removed = append(d.Removed, key)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Removed)
	sort.Strings(d.Unchanged)
	return d
}

// AffectedOutputs returns the sorted set of output paths whose recorded
// source set intersects changedPaths.
func AffectedOutputs(m *BuildManifest, changedPaths []string) []string {
	changed := make(map[string]bool, len(changedPaths))
	for _, p := range changedPaths {
		changed[filepath.ToSlash(p)] = true
	}

	hit := make(map[string]bool)
	for _, out := range m.Outputs {
		for _, src := range out.SourceRules {
			if changed[src] {
				hit[out.OutputPath] = true
				break
			}
		}
	}

	paths := make([]string, 0, len(hit))
	for p := range hit {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Load reads the manifest for a project root. A missing file, unparsable
// content, or a schema-version mismatch all mean the same thing to a
// caller: no usable manifest, so nil is returned for each.
func Load(root string) *BuildManifest {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		return nil
	}
	var m BuildManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	if m.Version != Version {
		return nil
	}
	if m.Sources == nil {
		m.Sources = map[string]SourceFingerprint{}
	}
	return &m
}

// Persist writes the manifest atomically, with an fsync before the rename:
// losing the manifest costs a full rebuild on the next run.
func Persist(root string, m *BuildManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := txn.WriteFileSync(Path(root), append(data, '\n')); err != nil {
		return fmt.Errorf("persisting manifest: %w", err)
	}
	return nil
}

// Rebuild computes fresh fingerprints for every given root-relative file and
// returns a brand-new manifest. Replacement is total: the result describes
// exactly the current source set, never a merge with previous entries.
func Rebuild(root string, files []string, targets []string, outputs []OutputRecord, configHash string) (*BuildManifest, error) {
	sources := make(map[string]SourceFingerprint, len(files))
	for _, rel := range files {
		key := filepath.ToSlash(rel)
		fp, err := Fingerprint(filepath.Join(root, filepath.FromSlash(key)))
		if err != nil {
			return nil, fmt.Errorf("fingerprinting %s: %w", key, err)
		}
		sources[key] = fp
	}

	return &BuildManifest{
		Version:       Version,
		LastBuildTime: time.Now().UnixMilli(),
		Target:        strings.Join(targets, ","),
		Sources:       sources,
		ConfigHash:    configHash,
		Outputs:       outputs,
	}, nil
}
