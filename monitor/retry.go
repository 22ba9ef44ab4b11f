package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"aegis/logger"
)

var errRetryGaveUp = errors.New("event read retries exhausted")

// readWithRetry retries transient read failures with exponential backoff
// until ctx ends. EAGAIN-style results should be returned as (0, nil).
func readWithRetry(ctx context.Context, source string, read func() (int, error)) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, read,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("%s read failed, retrying in %s: %v", source, next, err)
		}),
	)
}
