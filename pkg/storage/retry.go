package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/platinummonkey/circles/pkg/apperrors"
)

// readAttempts is the first try plus one retry
const readAttempts = 2

// RetryRead runs a read-only operation, retrying once with backoff when it fails with a
// retryable storage error. Writes must not use this helper.
func RetryRead[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		result, err := op()
		if err != nil && !apperrors.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(readAttempts),
	)
}
