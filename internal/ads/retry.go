package ads

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/apierr"
)

// RetryPolicy bounds the retry loop around upstream calls.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries twice after the first attempt with exponential
// backoff capped at ten seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
}

// shouldRetry allows another attempt only for rate limiting and for upstream
// faults explicitly marked transient. Quota refusals, auth failures, and
// validation errors never get retried; repeating them burns budget for the
// same answer.
func shouldRetry(err error) bool {
	apiErr := apierr.As(err)
	if apiErr == nil {
		return false
	}
	switch apiErr.Category {
	case apierr.CategoryRateLimit:
		return true
	case apierr.CategoryExternalAPI:
		return apiErr.Retryable
	default:
		return false
	}
}

// backoffDelay doubles per attempt, capped at MaxDelay, jittered into the
// upper half of the window so synchronized callers spread out.
func (p RetryPolicy) backoffDelay(attempt int) time.Duration {
	delay := p.InitialDelay << uint(attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	half := int64(delay) / 2
	return time.Duration(half + rand.Int63n(half+1))
}

// withRetry runs fn up to MaxAttempts times, mapping upstream errors into the
// taxonomy before deciding whether to try again.
func withRetry[T any](ctx context.Context, policy RetryPolicy, logger *zap.Logger, opName string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		mapped := apierr.MapUpstream(err)
		lastErr = mapped

		if !shouldRetry(mapped) || attempt == policy.MaxAttempts-1 {
			return zero, mapped
		}

		delay := policy.backoffDelay(attempt)
		logger.Warn("retrying upstream call",
			zap.String("operation", opName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.String("error_code", mapped.Code))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, apierr.Timeout("retry wait interrupted", 0)
		}
	}
	return zero, lastErr
}
