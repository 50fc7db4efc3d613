package dberr

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Retry runs fn up to attempts times, re-issuing it only while it fails with
// a retryable error. Attempts are paced by backoff. The last error is returned.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if backoff > 0 {
		limiter = rate.NewLimiter(rate.Every(backoff), 1)
	}

	var err error
	for i := 0; i < attempts; i++ {
		if werr := limiter.Wait(ctx); werr != nil {
			if err != nil {
				return err
			}
			return werr
		}
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}
