package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds retries of transient mailbox failures.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration // doubled after each failed attempt
}

// DefaultRetry tries three times with 250ms then 500ms pauses.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 250 * time.Millisecond}

// Retry runs op until it succeeds, returns a permanent error, exhausts the
// policy, or ctx ends.
func Retry(ctx context.Context, policy RetryPolicy, log logrus.FieldLogger, name string, op func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := policy.Backoff << (attempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		log.WithError(err).WithFields(logrus.Fields{
			"op":      name,
			"attempt": attempt + 1,
		}).Warn("transient mailbox failure, retrying")
	}
	return lastErr
}

// IsTransient reports whether err is worth retrying: connection failures,
// HTTP 429 and 5xx. Other 4xx responses are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
