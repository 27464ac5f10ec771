// Package retry wraps the bulk-loader invocation in bounded exponential
// backoff. Retries apply only to the loader phase — a source that has
// already emitted N records cannot safely replay them (spec.md §4.5).
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dataloom/etlcore/pkg/etlerr"
)

// Policy configures the bounded exponential backoff applied around the
// loader phase. Defaults match spec.md §4.5: 3 attempts, 300ms initial
// delay, factor 2, up to 120ms jitter.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxJitter    time.Duration
}

// DefaultPolicy returns the spec-mandated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 300 * time.Millisecond,
		Factor:       2,
		MaxJitter:    120 * time.Millisecond,
	}
}

// Do runs fn with bounded exponential backoff. fn should return an
// *etlerr.Error (or wrap one) so Do can tell retryable TransientDb failures
// apart from terminal ones; any other error is treated as non-retryable.
// Do stops retrying as soon as ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.Multiplier = p.Factor
	eb.RandomizationFactor = 0 // jitter is added explicitly below, bounded by MaxJitter
	eb.MaxElapsedTime = 0      // bounded by MaxAttempts instead of wall clock

	var lastErr error
	attempt := 0
	for {
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if classified, ok := etlerr.As(lastErr); !ok || !classified.IsRetryable() {
			return lastErr
		}
		if attempt >= p.MaxAttempts {
			return lastErr
		}

		delay := eb.NextBackOff()
		if p.MaxJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(p.MaxJitter) + 1))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
