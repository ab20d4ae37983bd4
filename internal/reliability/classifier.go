package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// IsRetryableHTTPStatus reports whether an upstream HTTP status is worth
// another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableStreamCode classifies error codes reported inside realtime
// speech streams (ElevenLabs message types, Cartesia error codes).
func IsRetryableStreamCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error",
		"too_many_requests", "internal_error", "timeout":
		return true
	default:
		return false
	}
}

// IsRetryableError reports whether err looks like a transient transport
// failure rather than a caller cancellation.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
