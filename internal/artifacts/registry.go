package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rendis/runway/internal/template"
	"github.com/rendis/runway/pkg/schema"
)

// Layout resolves the on-disk structure of a run directory:
//
//	<runs-root>/<run_id>/
//	  run.json                 run record
//	  artifacts/               step-produced files
//	  gates/<step_id>.json     gate records
//	  ratings/plan.json        plan rating
//	  checkpoints/<step>.json  checkpoints
//	  .cache/outputs.json      persisted workflow-output cache
type Layout struct {
	Root string
}

// RunDir returns the directory for a run, validating the id against the
// path-safety rules first.
func (l Layout) RunDir(runID string) (string, error) {
	if err := template.ValidateIdentifier(runID); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, runID), nil
}

func (l Layout) RunFile(runID string) (string, error) {
	dir, err := l.RunDir(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "run.json"), nil
}

// ArtifactsDir returns the artifact directory for a run.
func ArtifactsDir(runDir string) string {
	return filepath.Join(runDir, "artifacts")
}

// CheckpointPath returns the checkpoint location for a step.
func CheckpointPath(runDir, stepID string) string {
	return filepath.Join(runDir, "checkpoints", stepID+".json")
}

// OutputCachePath returns the persisted workflow-output cache location.
func OutputCachePath(runDir string) string {
	return filepath.Join(runDir, ".cache", "outputs.json")
}

// InitRunDir creates the run directory skeleton.
func (l Layout) InitRunDir(runID string) (string, error) {
	dir, err := l.RunDir(runID)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"artifacts", "gates", "ratings", "checkpoints", ".cache"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeStore,
				"create run directory %s: %s", dir, err.Error()).WithCause(err)
		}
	}
	return dir, nil
}

// SaveRun persists the run record atomically.
func (l Layout) SaveRun(run *schema.Run) error {
	path, err := l.RunFile(run.RunID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run dir: %s", err.Error()).WithCause(err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode run record: %s", err.Error()).WithCause(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write run record: %s", err.Error()).WithCause(err)
	}
	return os.Rename(tmp, path)
}

// LoadRun reads a run record.
func (l Layout) LoadRun(runID string) (*schema.Run, error) {
	path, err := l.RunFile(runID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "read run record: %s", err.Error()).WithCause(err)
	}
	var run schema.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"corrupt run record for %s: %s", runID, err.Error()).WithCause(err)
	}
	return &run, nil
}

// ValidationStatus is an artifact's place in the gate lifecycle.
type ValidationStatus string

const (
	StatusPending ValidationStatus = "pending"
	StatusPass    ValidationStatus = "pass"
	StatusFail    ValidationStatus = "fail"
)

// Entry is one registered artifact.
type Entry struct {
	Name         string           `json:"name"`
	Path         string           `json:"path"`
	ProducedBy   string           `json:"produced_by"`
	Status       ValidationStatus `json:"status"`
	RegisteredAt time.Time        `json:"registered_at"`
	ValidatedAt  *time.Time       `json:"validated_at,omitempty"`
}

// Registry tracks the artifacts a run has produced and their validation
// status. It is persisted alongside the artifacts so a resumed run sees
// the same registry state.
type Registry struct {
	path    string
	entries map[string]*Entry
	clock   func() time.Time
}

// OpenRegistry loads (or initializes) the registry for a run directory.
func OpenRegistry(runDir string) (*Registry, error) {
	r := &Registry{
		path:    filepath.Join(runDir, "artifacts", ".registry.json"),
		entries: make(map[string]*Entry),
		clock:   time.Now,
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "read artifact registry: %s", err.Error()).WithCause(err)
	}
	if err := json.Unmarshal(raw, &r.entries); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"corrupt artifact registry: %s", err.Error()).WithCause(err)
	}
	return r, nil
}

// Register records a new artifact as pending validation.
func (r *Registry) Register(name, path, producedBy string) error {
	r.entries[name] = &Entry{
		Name:         name,
		Path:         path,
		ProducedBy:   producedBy,
		Status:       StatusPending,
		RegisteredAt: r.clock().UTC(),
	}
	return r.flush()
}

// SetStatus updates an artifact's validation outcome.
func (r *Registry) SetStatus(name string, status ValidationStatus) error {
	e, ok := r.entries[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "artifact %s not registered", name)
	}
	e.Status = status
	now := r.clock().UTC()
	e.ValidatedAt = &now
	return r.flush()
}

// Get returns a registered artifact entry.
func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// List returns all entries sorted by name.
func (r *Registry) List() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) flush() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode artifact registry: %s", err.Error()).WithCause(err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create artifacts dir: %s", err.Error()).WithCause(err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write artifact registry: %s", err.Error()).WithCause(err)
	}
	return os.Rename(tmp, r.path)
}
