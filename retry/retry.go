// Package retry runs fallible operations a bounded number of times with a
// fixed pause between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Default policy: three attempts, five seconds apart.
const (
	DefaultAttempts = 3
	DefaultDelay    = 5 * time.Second
)

// Policy bounds a retried operation.
type Policy struct {
	Attempts int           // total attempts, including the first
	Delay    time.Duration // pause after each failed attempt but the last
}

// DefaultPolicy returns the 3 x 5s policy.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)
}

// Do invokes op until it succeeds or the policy is exhausted. The boolean
// is false only when no attempt succeeded (or ctx ended first); a successful
// zero value is reported as (zero, true).
func Do[T any](ctx context.Context, log *zap.Logger, name string, p Policy, op func() (T, error)) (T, bool) {
	if log == nil {
		log = zap.NewNop()
	}
	attempt := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		res, err := op()
		if err != nil {
			log.Error("operation failed",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Int("attempts", p.Attempts),
				zap.Error(err))
		}
		return res, err
	}, p.backOff(ctx), func(_ error, wait time.Duration) {
		log.Info("retrying operation",
			zap.String("operation", name),
			zap.Duration("in", wait),
			zap.Int("next_attempt", attempt+1))
	})
	if err != nil {
		log.Error("operation failed permanently",
			zap.String("operation", name),
			zap.Int("attempts", attempt),
			zap.Error(err))
		var zero T
		return zero, false
	}
	return res, true
}

// Run is Do for operations without a result.
func Run(ctx context.Context, log *zap.Logger, name string, p Policy, op func() error) bool {
	_, ok := Do(ctx, log, name, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return ok
}
