package etlerr

import (
	"errors"
	"testing"
)

func TestClassificationAndRetryable(t *testing.T) {
	err := NewTransientDbError(errors.New("connection reset"), "loader")
	if !err.IsRetryable() {
		t.Fatal("TransientDb should be retryable")
	}
	if err.Kind != TransientDbErr {
		t.Fatalf("expected TransientDbErr, got %v", err.Kind)
	}

	cfgErr := NewConfigError(errors.New("upsert requires key columns"), "orchestrator")
	if cfgErr.IsRetryable() {
		t.Fatal("ConfigError must never be retryable")
	}
}

func TestAsAndKindOf(t *testing.T) {
	wrapped := NewCancelledError("cancelled_limit_rows")
	var wrappedAsGeneric error = wrapped

	got, ok := As(wrappedAsGeneric)
	if !ok || got.Kind != CancelledErr {
		t.Fatalf("expected to unwrap CancelledErr, got ok=%v kind=%v", ok, got)
	}
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatal("plain error should classify as Unknown")
	}
}
