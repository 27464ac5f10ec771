// Package deadletter buffers rejected rows in memory and spills them to a
// job-scoped newline-delimited JSON file once the buffer exceeds a soft
// capacity watermark (C8). It is the orchestrator's sole path for
// row-level failures; loader-level (COPY) failures go to pkg/failurelog
// instead.
package deadletter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dataloom/etlcore/pkg/etlerr"
)

// Row is one rejected record, preserving its original source index and
// raw content so the operator can diagnose and replay it later.
type Row struct {
	Index int64          `json:"index"`
	Raw   map[string]any `json:"raw"`
	Error string         `json:"error"`
}

// Sink receives the path of a spilled dead-letter file after a flush, for
// optional archival (e.g. pkg/deadletter/s3sink uploading it to S3).
type Sink interface {
	Archive(path string) error
}

// Collector buffers Row values for one job and spills to disk when the
// buffer exceeds capacity.
type Collector struct {
	mu       sync.Mutex
	jobID    string
	dir      string
	capacity int
	buf      []Row
	sink     Sink
}

// NewCollector creates a collector that spills to dir/<jobID>.deadletters.jsonl
// once the in-memory buffer exceeds capacity rows. Successive spills
// append to the same job-scoped file so row order is preserved across
// the whole job, not just within one spill.
func NewCollector(jobID, dir string, capacity int, sink Sink) *Collector {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Collector{jobID: jobID, dir: dir, capacity: capacity, sink: sink}
}

// Add enqueues one rejected row.
func (c *Collector) Add(index int64, raw map[string]any, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, Row{Index: index, Raw: raw, Error: cause.Error()})
}

// Len reports the number of rows currently buffered in memory (not yet
// spilled). It drops back to zero after each spill; the cumulative count
// is tracked by the orchestrator.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// FlushIfOverCapacity spills the buffer to disk and clears it if it
// exceeds the configured capacity. Returns the spill path if a spill
// happened, else "".
func (c *Collector) FlushIfOverCapacity() (string, error) {
	c.mu.Lock()
	over := len(c.buf) > c.capacity
	c.mu.Unlock()
	if !over {
		return "", nil
	}
	return c.spill()
}

// Flush forces a final spill regardless of capacity and returns the path
// and row count written. An empty buffer writes nothing: it reports
// (path, 0) when earlier spills already produced the job's file, and
// ("", 0) when no file exists.
func (c *Collector) Flush() (string, int, error) {
	c.mu.Lock()
	n := len(c.buf)
	c.mu.Unlock()
	if n == 0 {
		if _, err := os.Stat(c.path()); err == nil {
			return c.path(), 0, nil
		}
		return "", 0, nil
	}
	path, err := c.spill()
	return path, n, err
}

func (c *Collector) path() string {
	return filepath.Join(c.dir, fmt.Sprintf("%s.deadletters.jsonl", c.jobID))
}

func (c *Collector) spill() (string, error) {
	c.mu.Lock()
	rows := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(rows) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", etlerr.NewDeadLetterIoError(fmt.Errorf("create dead-letter dir: %w", err), "deadletter")
	}
	path := c.path()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", etlerr.NewDeadLetterIoError(fmt.Errorf("open spill file: %w", err), "deadletter")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return "", etlerr.NewDeadLetterIoError(fmt.Errorf("encode dead-letter row: %w", err), "deadletter")
		}
	}
	if err := w.Flush(); err != nil {
		return "", etlerr.NewDeadLetterIoError(fmt.Errorf("flush spill file: %w", err), "deadletter")
	}

	if c.sink != nil {
		if err := c.sink.Archive(path); err != nil {
			return "", etlerr.NewDeadLetterIoError(fmt.Errorf("archive spill file: %w", err), "deadletter")
		}
	}
	return path, nil
}
