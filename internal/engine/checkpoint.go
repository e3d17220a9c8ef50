package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/rendis/runway/internal/artifacts"
	"github.com/rendis/runway/pkg/schema"
)

// SaveCheckpoint persists a checkpoint for a step. One checkpoint file
// exists per step; resuming picks the most recent by timestamp.
func SaveCheckpoint(runDir string, cp *schema.Checkpoint) error {
	path := artifacts.CheckpointPath(runDir, cp.Step)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create checkpoints dir: %s", err.Error()).WithCause(err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode checkpoint: %s", err.Error()).WithCause(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write checkpoint: %s", err.Error()).WithCause(err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint reads the checkpoint for a specific step.
func LoadCheckpoint(runDir, stepID string) (*schema.Checkpoint, error) {
	raw, err := os.ReadFile(artifacts.CheckpointPath(runDir, stepID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for step %s", stepID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "read checkpoint: %s", err.Error()).WithCause(err)
	}
	var cp schema.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"corrupt checkpoint for step %s: %s", stepID, err.Error()).WithCause(err)
	}
	return &cp, nil
}

// LatestCheckpoint returns the most recent checkpoint for a run, by
// timestamp.
func LatestCheckpoint(runDir string) (*schema.Checkpoint, error) {
	dir := filepath.Join(runDir, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewError(schema.ErrCodeNotFound, "run has no checkpoints")
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "list checkpoints: %s", err.Error()).WithCause(err)
	}

	var checkpoints []*schema.Checkpoint
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		step := e.Name()[:len(e.Name())-len(".json")]
		cp, err := LoadCheckpoint(runDir, step)
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	if len(checkpoints) == 0 {
		return nil, schema.NewError(schema.ErrCodeNotFound, "run has no checkpoints")
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.Before(checkpoints[j].Timestamp)
	})
	return checkpoints[len(checkpoints)-1], nil
}
