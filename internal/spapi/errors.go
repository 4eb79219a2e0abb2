package spapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opside/recon/internal/vault"
)

// ClientError is a terminal upstream 4xx (other than 401/429). The call is
// not retried; the body is preserved for logging.
type ClientError struct {
	Status int
	Code   string
	Body   string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("marketplace returned %d (%s)", e.Status, e.Code)
}

// RateLimitError is an upstream 429. The limiter has already been penalized
// for the Retry-After duration by the time callers see this.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("marketplace rate limited, retry after %s", e.RetryAfter)
}

// TransientError is a 5xx, network failure, or timeout. Retried with full
// jitter exponential backoff.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("marketplace transient failure (%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("marketplace transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrReportTimeout is returned when report polling exceeds maxWait.
var ErrReportTimeout = errors.New("spapi: report polling timed out")

// retriable reports whether the error should be retried by the HTTP-call
// retry loop. Cancellation, terminal client errors, and dead credentials
// are not.
func retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return false
	}
	var ae *vault.AuthError
	if errors.As(err, &ae) && ae.Terminal {
		return false
	}
	return true
}
