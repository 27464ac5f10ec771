// Package checkpoint persists durable resume state (C7): one JSON file
// per job, written atomically via write-to-temp-then-rename so readers
// never observe a truncated file. Malformed files are treated as absent,
// with a warning, rather than as an error.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dataloom/etlcore/pkg/columnplan"
	"github.com/dataloom/etlcore/pkg/etlerr"
)

// Checkpoint is the durable resume-state snapshot spec.md §3 defines.
// ResumeState is {"skipRows": N} for file sources or a source-specific
// opaque map (e.g. {"nextUrl": "..."}) for API sources.
type Checkpoint struct {
	JobID               string            `json:"jobId"`
	Table               string            `json:"table"`
	LastProcessedIndex  int64             `json:"lastProcessedIndex"`
	LastProcessedAt     string            `json:"lastProcessedAt"`
	ResumeState         map[string]any    `json:"resumeState"`
	ColumnPlan          columnplan.Plan   `json:"columnPlan"`
}

// Warner receives non-fatal warnings (e.g. a malformed checkpoint file
// being treated as absent). It defaults to a no-op if not supplied.
type Warner func(format string, args ...any)

// Store persists one checkpoint file per job inside dir.
type Store struct {
	dir  string
	warn Warner
}

func NewStore(dir string, warn Warner) *Store {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &Store{dir: dir, warn: warn}
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".checkpoint.json")
}

// Save atomically writes cp to disk: marshal, write to a temp file in the
// same directory, then rename over the final path. Rename is atomic on
// the same filesystem, so a reader never observes a partially written
// file.
func (s *Store) Save(cp Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return etlerr.NewCheckpointIoError(fmt.Errorf("create checkpoint dir: %w", err), "checkpoint")
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return etlerr.NewCheckpointIoError(fmt.Errorf("marshal checkpoint: %w", err), "checkpoint")
	}

	final := s.path(cp.JobID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return etlerr.NewCheckpointIoError(fmt.Errorf("write temp checkpoint: %w", err), "checkpoint")
	}
	if err := os.Rename(tmp, final); err != nil {
		return etlerr.NewCheckpointIoError(fmt.Errorf("rename checkpoint into place: %w", err), "checkpoint")
	}
	return nil
}

// Load returns (nil, nil) if no checkpoint exists for jobID, or if the
// file is present but malformed — in the latter case s.warn is called and
// the checkpoint is treated as absent so a corrupted file never blocks a
// job from starting fresh.
func (s *Store) Load(jobID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, etlerr.NewCheckpointIoError(fmt.Errorf("read checkpoint: %w", err), "checkpoint")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.warn("checkpoint for job %q is malformed, treating as absent: %v", jobID, err)
		return nil, nil
	}
	return &cp, nil
}

// Delete removes the job's checkpoint file, if any. Deleting an absent
// checkpoint is not an error.
func (s *Store) Delete(jobID string) error {
	err := os.Remove(s.path(jobID))
	if err != nil && !os.IsNotExist(err) {
		return etlerr.NewCheckpointIoError(fmt.Errorf("delete checkpoint: %w", err), "checkpoint")
	}
	return nil
}
