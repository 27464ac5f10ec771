// Package safety evaluates the per-job safety limits spec.md §4.5 and §8
// describe: maxRows, maxDurationMs, maxDeadLetters, maxHeapMb. Exceeding any
// one raises a dedicated cancelled_limit_* reason the orchestrator maps to
// the cancelled terminal state.
package safety

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Limits configures the safety thresholds for one job. A zero value means
// "no limit" for that dimension.
type Limits struct {
	MaxRows        int64
	MaxDuration    time.Duration
	MaxDeadLetters int64
	MaxHeapMB      int64
}

// Checker evaluates Limits against live counters. It is not safe for
// concurrent use; the orchestrator owns one Checker per job and calls it
// from its single consumer loop only.
type Checker struct {
	limits    Limits
	startedAt time.Time
	proc      *process.Process
}

// NewChecker starts the clock for MaxDuration evaluation at construction
// time, matching the job's started_at timestamp.
func NewChecker(limits Limits) *Checker {
	c := &Checker{limits: limits, startedAt: time.Now()}
	if limits.MaxHeapMB > 0 {
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			c.proc = p
		}
	}
	return c
}

// Reason is the cancelled_limit_* string surfaced in the job record, or ""
// if no limit has tripped.
type Reason string

const (
	None             Reason = ""
	LimitRows        Reason = "cancelled_limit_rows"
	LimitDuration    Reason = "cancelled_limit_duration"
	LimitDeadLetters Reason = "cancelled_limit_dead_letters"
	LimitHeap        Reason = "cancelled_limit_heap"
)

// Check evaluates all configured limits against the given counters and
// returns the first tripped Reason, in the order rows, duration,
// dead-letters, heap. Heap sampling does a live process RSS read via
// gopsutil, so it is the most expensive check — evaluated last and only
// when the cheaper checks pass.
func (c *Checker) Check(ctx context.Context, attempted, deadLetters int64) Reason {
	if c.limits.MaxRows > 0 && attempted >= c.limits.MaxRows {
		return LimitRows
	}
	if c.limits.MaxDuration > 0 && time.Since(c.startedAt) >= c.limits.MaxDuration {
		return LimitDuration
	}
	if c.limits.MaxDeadLetters > 0 && deadLetters >= c.limits.MaxDeadLetters {
		return LimitDeadLetters
	}
	if c.limits.MaxHeapMB > 0 && c.proc != nil {
		if rssMB, err := c.heapMB(ctx); err == nil && rssMB >= c.limits.MaxHeapMB {
			return LimitHeap
		}
	}
	return None
}

func (c *Checker) heapMB(ctx context.Context) (int64, error) {
	info, err := c.proc.MemInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("sample process memory: %w", err)
	}
	return int64(info.RSS / (1024 * 1024)), nil
}
