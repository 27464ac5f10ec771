// Package registry implements the process-wide job registry (C6):
// register/updateProgress/complete/fail/cancel/get/subscribe over a keyed
// collection of EtlJob records. Writers serialise per job; readers take a
// snapshot copy so they never block a writer. The per-job lock-striping
// and subscriber fan-out shape is adapted from
// pkg/core/streaming's progress reporter hierarchy, generalised from
// block-download progress to ETL job lifecycle.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/dataloom/etlcore/pkg/etlerr"
)

// Status is the terminal/non-terminal lifecycle state of one job.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// EtlJob is a snapshot of one job's lifecycle state. Snapshots returned by
// Get/subscribe are copies; mutating one has no effect on the registry.
type EtlJob struct {
	JobID         string
	Table         string
	Status        Status
	AttemptedRows int64
	InsertedRows  int64
	RejectedRows  int64
	DeadLetters   int64
	Reason        string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

type jobEntry struct {
	mu          sync.Mutex
	job         EtlJob
	subscribers []chan EtlJob
	lastTick    time.Time
}

// Registry is the process-wide jobId -> EtlJob map.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

func New() *Registry {
	return &Registry{jobs: make(map[string]*jobEntry)}
}

// Register creates a new job entry. Registering the same jobId twice is a
// ConfigError — spec.md leaves this as an Open Question; this
// implementation's decision is "no silent overwrite".
func (r *Registry) Register(jobID, table string) (*EtlJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return nil, etlerr.NewConfigError(fmt.Errorf("job %q already registered", jobID), "registry")
	}

	now := time.Now()
	entry := &jobEntry{
		job: EtlJob{
			JobID:     jobID,
			Table:     table,
			Status:    StatusRegistered,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	r.jobs[jobID] = entry
	snapshot := entry.job
	return &snapshot, nil
}

func (r *Registry) entry(jobID string) (*jobEntry, error) {
	r.mu.RLock()
	entry, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, etlerr.NewConfigError(fmt.Errorf("job %q not registered", jobID), "registry")
	}
	return entry, nil
}

// UpdateProgress merges counters into the job and broadcasts a snapshot
// to subscribers, at most once per progress tick (callers are expected to
// call this no more often than the orchestrator's progressInterval).
func (r *Registry) UpdateProgress(jobID string, attempted, inserted, rejected, deadLetters int64) error {
	entry, err := r.entry(jobID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.job.Status = StatusRunning
	entry.job.AttemptedRows = attempted
	entry.job.InsertedRows = inserted
	entry.job.RejectedRows = rejected
	entry.job.DeadLetters = deadLetters
	entry.job.UpdatedAt = time.Now()
	snapshot := entry.job
	subs := append([]chan EtlJob(nil), entry.subscribers...)
	entry.mu.Unlock()

	broadcast(subs, snapshot)
	return nil
}

// Complete marks the job completed and broadcasts the final snapshot.
func (r *Registry) Complete(jobID string) error {
	return r.terminal(jobID, StatusCompleted, "")
}

// Fail marks the job failed with reason and broadcasts the final snapshot.
func (r *Registry) Fail(jobID, reason string) error {
	return r.terminal(jobID, StatusFailed, reason)
}

// Cancel marks the job cancelled with an optional reason.
func (r *Registry) Cancel(jobID, reason string) error {
	return r.terminal(jobID, StatusCancelled, reason)
}

func (r *Registry) terminal(jobID string, status Status, reason string) error {
	entry, err := r.entry(jobID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.job.Status = status
	entry.job.Reason = reason
	entry.job.UpdatedAt = time.Now()
	snapshot := entry.job
	subs := append([]chan EtlJob(nil), entry.subscribers...)
	entry.subscribers = nil
	entry.mu.Unlock()

	broadcast(subs, snapshot)
	for _, ch := range subs {
		close(ch)
	}
	return nil
}

// Get returns a read-only snapshot of the job's current state.
func (r *Registry) Get(jobID string) (EtlJob, error) {
	entry, err := r.entry(jobID)
	if err != nil {
		return EtlJob{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job, nil
}

// Subscribe returns a channel that receives a snapshot every time
// UpdateProgress or a terminal transition occurs, closed when the job
// reaches a terminal state. The channel is buffered by 1 so a slow
// subscriber drops intermediate ticks rather than blocking the writer.
func (r *Registry) Subscribe(jobID string) (<-chan EtlJob, error) {
	entry, err := r.entry(jobID)
	if err != nil {
		return nil, err
	}
	ch := make(chan EtlJob, 1)
	entry.mu.Lock()
	entry.subscribers = append(entry.subscribers, ch)
	entry.mu.Unlock()
	return ch, nil
}

func broadcast(subs []chan EtlJob, snapshot EtlJob) {
	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
			// Slow subscriber: drop this tick, next one will supersede it.
		}
	}
}
