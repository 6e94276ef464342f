package download

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"patchpilot/internal/failure"
	"patchpilot/internal/manifest"
)

// RetryPolicy is the outer retry applied to transient transfer failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

// retryableStatus lists the HTTP statuses worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Retryable reports whether err is a transfer failure that may succeed on a
// later attempt.
func Retryable(err error) bool {
	if !failure.Is(err, failure.KindTransfer) {
		return false
	}
	var status *manifest.StatusError
	if errors.As(err, &status) {
		return retryableStatus[status.StatusCode]
	}
	return true
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempts run out. notify, when set, is told about each scheduled retry.
func Do[T any](ctx context.Context, policy RetryPolicy, op func() (T, error), notify func(error, time.Duration)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		b.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		b.MaxInterval = policy.MaxBackoff
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	wrapped := func() (T, error) {
		res, err := op()
		if err != nil && !Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	// Attempts alone bound the loop. The library's elapsed-time cap would
	// otherwise count a long transfer against the retry budget.
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	res, err := backoff.Retry(ctx, wrapped, opts...)
	if err != nil {
		if ctxErr := failure.FromContext(ctx, "retry"); ctxErr != nil && !failure.Is(err, failure.KindCancelled) {
			return res, ctxErr
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return res, perm.Unwrap()
		}
	}
	return res, err
}
