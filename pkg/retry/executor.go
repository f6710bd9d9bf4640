package retry

import (
	"context"
	"fmt"
	"time"
)

// Execute runs op under policy, retrying on failure per the policy's
// ShouldRetry/Delay until it succeeds, exhausts its bound, or ctx is
// cancelled. onRetry, if non-nil, is called after each failed attempt that
// will be retried, before the delay sleep.
func Execute[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), onRetry func(attempt int, err error, delay time.Duration)) (T, error) {
	rc := NewContext()

	for {
		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("interrupted: %w", ctx.Err())
		default:
		}

		result, err := op(ctx)
		if err == nil {
			rc.RecordSuccess()
			return result, nil
		}
		rc.RecordFailure(err)

		if !policy.ShouldRetry(rc, err) {
			return result, fmt.Errorf("failed after %d attempts: %w", rc.AttemptCount(), err)
		}

		delay := policy.Delay(rc.AttemptCount() - 1)
		if onRetry != nil {
			onRetry(rc.AttemptCount(), err, delay)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				var zero T
				return zero, fmt.Errorf("interrupted: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}
}
