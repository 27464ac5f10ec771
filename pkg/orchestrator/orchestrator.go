// Package orchestrator implements the pipeline state machine (C5):
// init → planning → streaming → finalising → {completed | failed |
// cancelled}. It wires a row source (C1) through the transform layer (C2),
// the copy-line encoder (C3), and the bulk loader (C4), while driving the
// job registry (C6), checkpoint store (C7), dead-letter collector (C8),
// safety limits, and retry policy.
//
// Retry-safety note: spec.md §4.5 says retries apply only to the bulk-load
// phase because a source that has already emitted N records cannot safely
// replay them. A single unbroken COPY session spanning the whole job would
// make that guarantee impossible to honour — once a byte has been handed
// to the database driver it cannot be un-sent. Instead the orchestrator
// accumulates encoded lines into a bounded in-memory batch (the
// HighWaterMarkBytes backpressure buffer spec.md §5 describes) and issues
// one loader.Load call per batch. A transient failure on a batch retries
// that batch's own already-materialised bytes — never re-reads the
// source — so the invariant holds while still being a genuinely streaming
// pipeline at the batch granularity.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataloom/etlcore/pkg/checkpoint"
	"github.com/dataloom/etlcore/pkg/columnplan"
	"github.com/dataloom/etlcore/pkg/copyline"
	"github.com/dataloom/etlcore/pkg/deadletter"
	"github.com/dataloom/etlcore/pkg/etlerr"
	"github.com/dataloom/etlcore/pkg/etlmetrics"
	"github.com/dataloom/etlcore/pkg/failurelog"
	"github.com/dataloom/etlcore/pkg/loader"
	"github.com/dataloom/etlcore/pkg/record"
	"github.com/dataloom/etlcore/pkg/registry"
	"github.com/dataloom/etlcore/pkg/retry"
	"github.com/dataloom/etlcore/pkg/safety"
	"github.com/dataloom/etlcore/pkg/source"
	"github.com/dataloom/etlcore/pkg/transform"
)

const (
	defaultProgressInterval   = 1000
	defaultCheckpointInterval = 50_000
	defaultHighWaterMarkBytes = 1024
	defaultDeadLetterCapacity = 1000
)

// Config configures one job run. Pool, Registry, Checkpoints, Failures,
// and Metrics are shared, long-lived collaborators the caller constructs
// once per process and passes to every job.
type Config struct {
	JobID      string
	Table      string
	SourceType string

	// OpenSource builds (or re-opens, positioned at resumeState) the row
	// source for this job. resumeState is nil on a fresh run, or the
	// checkpoint's stored ResumeState when resuming.
	OpenSource func(resumeState map[string]any) (source.Source, error)

	SourceMapping map[string]string
	Rules         transform.TableRules

	OnConflict       loader.OnConflict
	UpsertKeyColumns []string
	UpsertUpdateCols []string

	ProgressInterval   int64
	CheckpointInterval int64
	HighWaterMarkBytes int

	StrictMode bool

	Limits      safety.Limits
	RetryPolicy retry.Policy

	CheckpointEnabled  bool
	DeadLetterDir      string
	DeadLetterCapacity int
	DeadLetterSink     deadletter.Sink

	Pool        *loader.Pool
	Registry    *registry.Registry
	Checkpoints *checkpoint.Store
	Failures    *failurelog.Log
	Metrics     *etlmetrics.Metrics
}

// Result is the Result object spec.md §6 defines.
type Result struct {
	Table             string
	DurationMs        int64
	AttemptedRows     int64
	InsertedRows      int64
	RejectedRows      int64
	RowsPerSecond     float64
	SourceType        string
	Columns           []string
	JobID             string
	CheckpointResumed bool
	DeadLetterPath    string
	DeadLetterCount   int64
}

// Orchestrator runs one job to completion.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.HighWaterMarkBytes <= 0 {
		cfg.HighWaterMarkBytes = defaultHighWaterMarkBytes
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = defaultDeadLetterCapacity
	}
	if cfg.RetryPolicy == (retry.Policy{}) {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	return &Orchestrator{cfg: cfg}
}

// run holds the mutable state of one job execution, kept separate from
// Config so Orchestrator.Run is safe to call more than once (e.g. a
// retried CLI invocation reusing the same collaborators with a new JobID).
type run struct {
	cfg       Config
	jobID     string
	startedAt time.Time

	mapper     *transform.Mapper
	plan       columnplan.Plan
	loaderCfg  loader.Config
	deadLtr    *deadletter.Collector
	checker    *safety.Checker
	src        source.Source
	resumeTail map[string]any // mutated by the source's OnNextURL callback, if any

	attempted int64
	inserted  int64
	rejected  int64
}

// Run executes the job's full state machine and returns the Result object
// or a typed *etlerr.Error.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	cfg := o.cfg

	// init → planning: configuration validation happens before any I/O,
	// per spec.md §8's "upsert without keys: ConfigError before any I/O".
	if cfg.OnConflict == loader.OnConflictUpsert && len(cfg.UpsertKeyColumns) == 0 {
		return Result{}, etlerr.NewConfigError(fmt.Errorf("onConflict=upsert requires upsertKeyColumns"), "planning")
	}

	jobID := cfg.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	if _, err := cfg.Registry.Register(jobID, cfg.Table); err != nil {
		return Result{}, err
	}

	r := &run{cfg: cfg, jobID: jobID, startedAt: time.Now()}

	var resumeState map[string]any
	checkpointResumed := false
	if cfg.CheckpointEnabled {
		cp, err := cfg.Checkpoints.Load(jobID)
		if err != nil {
			return Result{}, err
		}
		if cp != nil {
			resumeState = cp.ResumeState
			if !cp.ColumnPlan.Empty() {
				r.plan = cp.ColumnPlan
			}
			r.attempted = cp.LastProcessedIndex
			checkpointResumed = true
		}
	}

	src, err := cfg.OpenSource(resumeState)
	if err != nil {
		cfg.Registry.Fail(jobID, err.Error())
		return Result{}, err
	}
	r.src = src
	defer src.Close()

	r.resumeTail = map[string]any{}
	if reporter, ok := src.(source.NextURLReporter); ok {
		reporter.OnNextURL(func(next string) { r.resumeTail["nextUrl"] = next })
	}

	result, runErr := r.stream(ctx)
	if runErr != nil {
		o.finalizeFailure(ctx, r, runErr)
		return result, runErr
	}

	result.CheckpointResumed = checkpointResumed
	return result, nil
}

// stream drives planning → streaming → finalising. A completed run returns
// its Result and a nil error; a cancelled run returns its partial Result
// together with a Cancelled error, after cancel has already done the
// terminal bookkeeping; any other failure returns an error for the caller
// to handle.
func (r *run) stream(ctx context.Context) (Result, error) {
	cfg := r.cfg

	first, ok, err := r.src.Next(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// planning → streaming shortcut: empty source completes with zero rows.
		cfg.Registry.Complete(r.jobID)
		if cfg.CheckpointEnabled {
			cfg.Checkpoints.Delete(r.jobID)
		}
		return Result{
			Table:      cfg.Table,
			SourceType: cfg.SourceType,
			JobID:      r.jobID,
			DurationMs: time.Since(r.startedAt).Milliseconds(),
		}, nil
	}

	if r.plan.Empty() {
		tableColumns, err := cfg.Pool.TableColumns(ctx, cfg.Table)
		if err != nil {
			return Result{}, etlerr.NewConfigError(fmt.Errorf("fetch target columns: %w", err), "planning")
		}
		plan, err := columnplan.Derive(first.Keys(), tableColumns, cfg.SourceMapping)
		if err != nil {
			return Result{}, etlerr.NewConfigError(err, "planning")
		}
		r.plan = plan
	}

	r.mapper = transform.NewMapper(r.plan, cfg.Rules)
	r.loaderCfg = loader.Config{
		Table:            cfg.Table,
		Columns:          r.plan.DBColumns(),
		OnConflict:       cfg.OnConflict,
		UpsertKeyColumns: cfg.UpsertKeyColumns,
		UpsertUpdateCols: cfg.UpsertUpdateCols,
		ProgressInterval: cfg.ProgressInterval,
	}
	r.deadLtr = deadletter.NewCollector(r.jobID, cfg.DeadLetterDir, cfg.DeadLetterCapacity, cfg.DeadLetterSink)
	r.checker = safety.NewChecker(cfg.Limits)

	var batch strings.Builder
	rec := first
	haveRec := true

	for {
		if ctx.Err() != nil {
			return r.cancel(ctx, &batch, "cancelled_external")
		}

		if !haveRec {
			rec, ok, err = r.src.Next(ctx)
			if err != nil {
				r.flushBatch(ctx, &batch)
				return Result{}, err
			}
			if !ok {
				break
			}
		}
		haveRec = false

		r.attempted++

		row, verr := r.mapper.Map(rec)
		if verr != nil {
			if cfg.StrictMode {
				r.flushBatch(ctx, &batch)
				return Result{}, etlerr.NewInvalidRowError(fmt.Errorf("row %d: %w", r.attempted, verr), "streaming")
			}
			r.rejected++
			r.deadLtr.Add(r.attempted, recordToRaw(rec), verr)
			if _, spillErr := r.deadLtr.FlushIfOverCapacity(); spillErr != nil {
				// CheckpointIo/DeadLetterIo are warnings, not job failures (spec.md §7).
				fmt.Printf("orchestrator: dead-letter spill warning for job %s: %v\n", r.jobID, spillErr)
			}
		} else {
			values := make([]record.Value, len(r.plan.Pairs))
			for i, pair := range r.plan.Pairs {
				values[i] = row[pair.DBColumn]
			}
			batch.WriteString(copyline.Encode(values))
		}

		if reason := r.checker.Check(ctx, r.attempted, r.rejected); reason != safety.None {
			return r.cancel(ctx, &batch, string(reason))
		}

		if r.attempted%cfg.ProgressInterval == 0 {
			r.reportProgress(ctx)
		}
		if cfg.CheckpointEnabled && r.attempted%cfg.CheckpointInterval == 0 {
			if err := r.flushBatch(ctx, &batch); err != nil {
				return Result{}, err
			}
			r.saveCheckpoint(ctx)
		}
		if batch.Len() >= cfg.HighWaterMarkBytes {
			if err := r.flushBatch(ctx, &batch); err != nil {
				return Result{}, err
			}
		}
	}

	if err := r.flushBatch(ctx, &batch); err != nil {
		return Result{}, err
	}

	path, _, err := r.deadLtr.Flush()
	if err != nil {
		fmt.Printf("orchestrator: final dead-letter flush warning for job %s: %v\n", r.jobID, err)
	}

	cfg.Registry.UpdateProgress(r.jobID, r.attempted, r.inserted, r.rejected, r.rejected)
	cfg.Registry.Complete(r.jobID)
	if cfg.CheckpointEnabled {
		if err := cfg.Checkpoints.Delete(r.jobID); err != nil {
			fmt.Printf("orchestrator: checkpoint delete warning for job %s: %v\n", r.jobID, err)
		}
	}

	elapsed := time.Since(r.startedAt)
	rowsPerSecond := 0.0
	if elapsed.Seconds() > 0 {
		rowsPerSecond = float64(r.inserted) / elapsed.Seconds()
	}
	if cfg.Metrics != nil {
		cfg.Metrics.RecordAttempted(ctx, r.jobID, r.attempted)
		cfg.Metrics.RecordRejected(ctx, r.jobID, r.rejected)
		cfg.Metrics.SetRowRate(rowsPerSecond)
	}

	return Result{
		Table:           cfg.Table,
		DurationMs:      elapsed.Milliseconds(),
		AttemptedRows:   r.attempted,
		InsertedRows:    r.inserted,
		RejectedRows:    r.rejected,
		RowsPerSecond:   rowsPerSecond,
		SourceType:      cfg.SourceType,
		Columns:         r.plan.DBColumns(),
		JobID:           r.jobID,
		DeadLetterPath:  path,
		DeadLetterCount: r.rejected,
	}, nil
}

func (r *run) flushBatch(ctx context.Context, batch *strings.Builder) error {
	if batch.Len() == 0 {
		return nil
	}
	lines := batch.String()
	batch.Reset()

	var result loader.Result
	err := r.cfg.RetryPolicy.Do(ctx, func(ctx context.Context) error {
		res, err := loader.Load(ctx, r.cfg.Pool, r.loaderCfg, strings.NewReader(lines))
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if _, ok := etlerr.As(err); !ok {
			err = etlerr.NewLoaderFailureError(err, "streaming")
		}
		return err
	}
	r.inserted += result.RowsInserted
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordInserted(ctx, r.jobID, result.RowsInserted)
	}
	return nil
}

func (r *run) reportProgress(ctx context.Context) {
	r.cfg.Registry.UpdateProgress(r.jobID, r.attempted, r.inserted, r.rejected, r.rejected)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordAttempted(ctx, r.jobID, r.cfg.ProgressInterval)
	}
}

func (r *run) saveCheckpoint(ctx context.Context) {
	resumeState := map[string]any{"skipRows": float64(r.attempted)}
	for k, v := range r.resumeTail {
		resumeState[k] = v
	}
	cp := checkpoint.Checkpoint{
		JobID:              r.jobID,
		Table:              r.cfg.Table,
		LastProcessedIndex: r.attempted,
		LastProcessedAt:    time.Now().UTC().Format(time.RFC3339),
		ResumeState:        resumeState,
		ColumnPlan:         r.plan,
	}
	if err := r.cfg.Checkpoints.Save(cp); err != nil {
		fmt.Printf("orchestrator: checkpoint save warning for job %s: %v\n", r.jobID, err)
	}
}

func (r *run) cancel(ctx context.Context, batch *strings.Builder, reason string) (Result, error) {
	r.flushBatch(ctx, batch)
	path, _, _ := r.deadLtr.Flush()
	if r.cfg.CheckpointEnabled {
		r.saveCheckpoint(ctx)
	}
	r.cfg.Registry.Cancel(r.jobID, reason)
	return Result{
		Table:           r.cfg.Table,
		AttemptedRows:   r.attempted,
		InsertedRows:    r.inserted,
		RejectedRows:    r.rejected,
		SourceType:      r.cfg.SourceType,
		JobID:           r.jobID,
		DeadLetterPath:  path,
		DeadLetterCount: r.rejected,
	}, etlerr.NewCancelledError(reason)
}

// finalizeFailure handles terminal bookkeeping for errors stream didn't
// already resolve itself. Cancellation is its own terminal state — cancel
// already transitioned the registry and flushed dead letters — so it is
// excluded here to avoid re-transitioning an already-terminal job from
// cancelled to failed.
func (o *Orchestrator) finalizeFailure(ctx context.Context, r *run, runErr error) {
	if etlerr.KindOf(runErr) == etlerr.CancelledErr {
		return
	}

	if r.deadLtr != nil {
		if _, _, err := r.deadLtr.Flush(); err != nil {
			fmt.Printf("orchestrator: dead-letter flush on failure warning for job %s: %v\n", r.jobID, err)
		}
	}
	o.cfg.Registry.Fail(r.jobID, runErr.Error())

	if o.cfg.Failures == nil {
		return
	}
	kind := etlerr.KindOf(runErr)
	stage := "streaming"
	if ee, ok := etlerr.As(runErr); ok {
		stage = ee.Stage
	}
	rec := failurelog.Record{
		JobID:        r.jobID,
		Stage:        stage,
		Table:        o.cfg.Table,
		ApproxRow:    r.attempted,
		ErrorCode:    kind.String(),
		ErrorMessage: runErr.Error(),
	}
	// FailureRecord writes are best-effort: a failure here must not mask
	// the original job failure (spec.md §7).
	if err := o.cfg.Failures.Record(ctx, rec); err != nil {
		fmt.Printf("orchestrator: failure-log write warning for job %s: %v\n", r.jobID, err)
	}
}

func recordToRaw(rec record.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		switch v.Kind {
		case record.Null:
			out[k] = nil
		case record.Integer:
			out[k] = v.I
		case record.Float:
			out[k] = v.F
		case record.Bool:
			out[k] = v.B
		default:
			out[k] = v.S
		}
	}
	return out
}
