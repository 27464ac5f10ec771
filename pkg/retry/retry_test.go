package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dataloom/etlcore/pkg/etlerr"
)

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2, MaxJitter: time.Millisecond}

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return etlerr.NewTransientDbError(errors.New("connection reset"), "loader")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoDoesNotRetryNonRetryable(t *testing.T) {
	p := DefaultPolicy()
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return etlerr.NewConfigError(errors.New("bad config"), "orchestrator")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("ConfigError must not be retried, got %d attempts", attempts)
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Factor: 2, MaxJitter: 0}
	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return etlerr.NewTransientDbError(errors.New("still down"), "loader")
	})
	if err == nil {
		t.Fatal("expected exhausted-retry error")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Factor: 2, MaxJitter: 0}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		attempts++
		return etlerr.NewTransientDbError(errors.New("down"), "loader")
	})
	if err == nil {
		t.Fatal("expected context-cancellation error")
	}
}
