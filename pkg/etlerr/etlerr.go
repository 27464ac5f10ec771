// Package etlerr classifies ETL failures into the Kinds spec.md §7
// enumerates, so the orchestrator can decide retry/terminal handling
// without string-sniffing error messages at each call site.
package etlerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for orchestrator-level handling.
type Kind int

const (
	Unknown Kind = iota
	ConfigErr
	SourceFormatErr
	InvalidRowErr
	TransientDbErr
	LoaderFailureErr
	CancelledErr
	CheckpointIoErr
	DeadLetterIoErr
)

func (k Kind) String() string {
	switch k {
	case ConfigErr:
		return "ConfigError"
	case SourceFormatErr:
		return "SourceFormat"
	case InvalidRowErr:
		return "InvalidRow"
	case TransientDbErr:
		return "TransientDb"
	case LoaderFailureErr:
		return "LoaderFailure"
	case CancelledErr:
		return "Cancelled"
	case CheckpointIoErr:
		return "CheckpointIo"
	case DeadLetterIoErr:
		return "DeadLetterIo"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with its Kind, originating stage, and
// whether it should be retried by the loader-phase retry policy.
type Error struct {
	Err       error
	Kind      Kind
	Stage     string
	Retryable bool
	Timestamp time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s:%s] %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the loader-phase retry policy should retry
// this error. Only TransientDb is retryable; every other Kind is terminal
// for the job (row-level InvalidRow is recovered by the caller before it
// ever reaches here in non-strict mode).
func (e *Error) IsRetryable() bool { return e.Retryable }

func classify(kind Kind, err error, stage string, retryable bool) *Error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Kind: kind, Stage: stage, Retryable: retryable, Timestamp: time.Now()}
}

func NewConfigError(err error, stage string) *Error {
	return classify(ConfigErr, err, stage, false)
}

func NewSourceFormatError(err error, stage string) *Error {
	return classify(SourceFormatErr, err, stage, false)
}

func NewInvalidRowError(err error, stage string) *Error {
	return classify(InvalidRowErr, err, stage, false)
}

func NewTransientDbError(err error, stage string) *Error {
	return classify(TransientDbErr, err, stage, true)
}

func NewLoaderFailureError(err error, stage string) *Error {
	return classify(LoaderFailureErr, err, stage, false)
}

// NewCancelledError tags a cancellation with its reason (e.g.
// "cancelled_limit_rows", "cancelled_external"), surfaced verbatim in the
// job record.
func NewCancelledError(reason string) *Error {
	return classify(CancelledErr, errors.New(reason), "orchestrator", false)
}

func NewCheckpointIoError(err error, stage string) *Error {
	return classify(CheckpointIoErr, err, stage, false)
}

func NewDeadLetterIoError(err error, stage string) *Error {
	return classify(DeadLetterIoErr, err, stage, false)
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or Unknown if err is not a *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Unknown
}
