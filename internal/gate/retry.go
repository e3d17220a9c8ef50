package gate

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// RetryPolicy bounds validation retries. The default retries transient
// failures twice after the initial attempt with exponential backoff:
// 1s before attempt 2, 2s before attempt 3.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is the policy applied to gate validation.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// IsTransient classifies whether an error is worth retrying. Filesystem
// races (missing files, permission flaps), timeouts, and network errors are
// transient; validation and security failures are deterministic and are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var rwErr *schema.RunwayError
	if errors.As(err, &rwErr) {
		switch rwErr.Code {
		case schema.ErrCodeTransient, schema.ErrCodeTimeout:
			return true
		case schema.ErrCodeDependency:
			// A dependency may appear between attempts when the producing
			// step is still flushing its artifact.
			return true
		}
		return false
	}

	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Backoff computes the delay before the given attempt (1-based): none before
// the first attempt, then base * 2^(attempt-2).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	multiplier := time.Duration(1)
	for i := 2; i < attempt; i++ {
		multiplier *= 2
	}
	return p.BaseDelay * multiplier
}

// Wait sleeps for the backoff delay or returns early when the context is
// cancelled.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn under the policy. Non-transient errors abort immediately;
// transient ones are retried with backoff until attempts are exhausted, at
// which point the last error is returned.
func (p RetryPolicy) Retry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := Wait(ctx, p.Backoff(attempt)); err != nil {
			return schema.NewErrorf(schema.ErrCodeCancelled, "%s cancelled during backoff", op).WithCause(err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < p.MaxAttempts && logger != nil {
			logger.Warn("transient failure, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("next_delay", p.Backoff(attempt+1)),
				slog.String("error", lastErr.Error()))
		}
	}
	return lastErr
}
