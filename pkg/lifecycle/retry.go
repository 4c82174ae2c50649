package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/cenkalti/backoff/v4"
)

// retryable reports whether a failed store call may succeed on another attempt.
// Attempt timeouts are retryable as long as the caller's context is alive.
func retryable(parent context.Context, err error) bool {
	if errors.Is(err, domain.ErrBackendUnavailable) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.retry.MaxRetries), ctx)
}

// storeCall runs fn under the checkpoint timeout, retrying transient failures.
func (c *Coordinator) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, c.checkpointTimeout)
		defer cancel()

		start := time.Now()
		err := fn(cctx)
		c.monitor.ObserveStore(op, time.Since(start))
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("store call failed, retrying", "op", op, "attempt", attempt, "err", err)
		return err
	}, c.newBackOff(ctx))
	return err
}
