// Package retry runs an operation with bounded exponential backoff, retrying
// only errors the failure package classifies as transient.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/logging"
)

// Policy bounds retries.
type Policy struct {
	MaxRetries uint64
	Initial    time.Duration
	Max        time.Duration
}

// FromConfig reads processing.max_retries, retry_initial and retry_max.
func FromConfig(cfg config.ProcessingConfig) Policy {
	return Policy{MaxRetries: cfg.MaxRetries, Initial: cfg.RetryInitial, Max: cfg.RetryMax}
}

// None never retries.
var None = Policy{}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	// The retry count bounds the work, not wall-clock time.
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// Do calls fn until it succeeds, returns a non-transient error, the retry
// budget is spent or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil || failure.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "transient failure, retrying",
			logging.Operation(op),
			"attempt", attempt,
			"wait", wait.String(),
			logging.Error(err))
	})
	if err != nil && ctx.Err() != nil && failure.IsTransient(err) {
		return ctx.Err()
	}
	return err
}
