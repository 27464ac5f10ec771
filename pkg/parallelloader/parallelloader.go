// Package parallelloader implements the bulk parallel loader (C9): it
// splits a row set into N chunks, drops and recreates the target table's
// secondary indexes around N concurrent pkg/loader invocations (each with
// its own staging table for nothing/upsert; onConflict=error copies
// directly into the target), and sums their row counts. The task/worker-pool
// shape is adapted from pkg/common/workers.Pool, generalised from a
// general task queue to a fixed fan-out of load chunks.
package parallelloader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dataloom/etlcore/pkg/etlerr"
	"github.com/dataloom/etlcore/pkg/loader"
)

const defaultChunkCount = 4

// Config configures one parallel bulk load.
type Config struct {
	Table            string
	Columns          []string
	OnConflict       loader.OnConflict
	UpsertKeyColumns []string
	UpsertUpdateCols []string
	ChunkCount       int // 0 defaults to 4
	OnProgress       func(rowsStreamed int64)
}

// Result aggregates row counts across all chunks.
type Result struct {
	RowsInserted int64
}

// task is one chunk's load job: its position in the results slice and its
// COPY lines. It has no methods; LoadParallel runs each one in its own
// goroutine.
type task struct {
	index int
	lines string
}

// LoadParallel splits lines (already COPY-encoded, newline-terminated, in
// cfg.Columns order) into cfg.ChunkCount roughly equal chunks on line
// boundaries, drops the target table's non-primary-key indexes, runs one
// pkg/loader.Load per chunk concurrently, and recreates the indexes once
// every chunk has completed — successfully or not.
func LoadParallel(ctx context.Context, pool *loader.Pool, cfg Config, allLines string) (Result, error) {
	chunkCount := cfg.ChunkCount
	if chunkCount <= 0 {
		chunkCount = defaultChunkCount
	}

	chunks := splitLines(allLines, chunkCount)
	if len(chunks) == 0 {
		return Result{}, nil
	}

	droppedIndexes, err := dropSecondaryIndexes(ctx, pool, cfg.Table)
	if err != nil {
		return Result{}, err
	}
	defer recreateIndexes(ctx, pool, droppedIndexes)

	tasks := make([]task, len(chunks))
	for i, c := range chunks {
		tasks[i] = task{index: i, lines: c}
	}

	results := make([]int64, len(tasks))
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	var progressMu sync.Mutex
	var totalStreamed int64

	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			loadCfg := loader.Config{
				Table:            cfg.Table,
				Columns:          cfg.Columns,
				OnConflict:       cfg.OnConflict,
				UpsertKeyColumns: cfg.UpsertKeyColumns,
				UpsertUpdateCols: cfg.UpsertUpdateCols,
				ProgressInterval: 1000,
			}
			if cfg.OnProgress != nil {
				var chunkSeen int64 // loader reports cumulative rows for this chunk
				loadCfg.OnProgress = func(n int64) {
					progressMu.Lock()
					totalStreamed += n - chunkSeen
					chunkSeen = n
					cfg.OnProgress(totalStreamed)
					progressMu.Unlock()
				}
			}
			result, err := loader.Load(ctx, pool, loadCfg, strings.NewReader(t.lines))
			results[t.index] = result.RowsInserted
			errs[t.index] = err
		}(t)
	}
	wg.Wait()

	var total int64
	for i, err := range errs {
		if err != nil {
			return Result{}, fmt.Errorf("chunk %d: %w", i, err)
		}
		total += results[i]
	}
	return Result{RowsInserted: total}, nil
}

// splitLines divides a newline-terminated blob of COPY lines into up to n
// chunks, splitting only on line boundaries so no row is ever divided
// across chunks.
func splitLines(allLines string, n int) []string {
	lines := strings.SplitAfter(allLines, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}
	if n > len(lines) {
		n = len(lines)
	}

	chunkSize := (len(lines) + n - 1) / n
	var chunks []string
	for i := 0; i < len(lines); i += chunkSize {
		end := i + chunkSize
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, strings.Join(lines[i:end], ""))
	}
	return chunks
}

type droppedIndex struct {
	name string
	def  string
}

// dropSecondaryIndexes drops every non-primary-key index on table and
// returns their original CREATE INDEX definitions so they can be
// recreated afterward. Concurrent COPY streams into distinct staging
// tables don't contend on target indexes directly, but the final merge
// statements do, so dropping secondary indexes for the duration of the
// parallel load avoids index-maintenance contention across chunks.
func dropSecondaryIndexes(ctx context.Context, pool *loader.Pool, table string) ([]droppedIndex, error) {
	rows, err := pool.Raw().Query(ctx,
		`SELECT indexname, indexdef FROM pg_indexes
		 WHERE tablename = $1 AND indexname NOT LIKE '%_pkey'`, table)
	if err != nil {
		return nil, etlerr.NewTransientDbError(fmt.Errorf("list indexes for %s: %w", table, err), "parallelloader")
	}
	defer rows.Close()

	var dropped []droppedIndex
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, etlerr.NewTransientDbError(fmt.Errorf("scan index row: %w", err), "parallelloader")
		}
		dropped = append(dropped, droppedIndex{name: name, def: def})
	}
	if err := rows.Err(); err != nil {
		return nil, etlerr.NewTransientDbError(fmt.Errorf("iterate indexes: %w", err), "parallelloader")
	}

	for _, idx := range dropped {
		if _, err := pool.Raw().Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %q`, idx.name)); err != nil {
			return nil, etlerr.NewLoaderFailureError(fmt.Errorf("drop index %s: %w", idx.name, err), "parallelloader")
		}
	}
	return dropped, nil
}

// recreateIndexes restores indexes dropSecondaryIndexes removed. It runs
// even when the load failed, so a partially loaded table never ends up
// permanently missing its indexes.
func recreateIndexes(ctx context.Context, pool *loader.Pool, dropped []droppedIndex) {
	for _, idx := range dropped {
		_, _ = pool.Raw().Exec(ctx, idx.def)
	}
}
