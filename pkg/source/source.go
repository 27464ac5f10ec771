// Package source defines the contract every row source (csvsource,
// jsonsource, apisource) implements: a lazy, finite, cancellable sequence
// of normalised records, per spec.md §4.1.
package source

import (
	"context"

	"github.com/dataloom/etlcore/pkg/record"
)

// Options is the common configuration every source honours: how many
// already-processed records to skip on resume. Cancellation arrives
// through the ctx passed to Next, which sources must check within at most
// one record boundary.
type Options struct {
	SkipRows int
}

// Source produces a finite sequence of records. Next returns
// (record, true, nil) for each row, (zero, false, nil) at end of stream,
// and a non-nil error — wrapped as *etlerr.Error with Kind SourceFormat or
// Cancelled — on failure. Close releases any underlying file handle or
// HTTP connection and is safe to call multiple times.
type Source interface {
	Next(ctx context.Context) (record.Record, bool, error)
	Close() error
}

// NextURLReporter is implemented by sources whose resume state is more
// than a row count (currently only apisource). The orchestrator registers
// a callback through OnNextURL, and the source invokes it after each
// successful fetch so the checkpoint's resumeState stays current without
// waiting for the source to exhaust.
type NextURLReporter interface {
	OnNextURL(fn func(nextURL string))
}
