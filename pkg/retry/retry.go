// Package retry classifies dispatch failures and computes jittered
// exponential backoff for the durable queue.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// Class is the retry classification of a dispatch failure.
type Class int

const (
	// ClassFatal failures are terminal and never retried. Unclassified
	// errors land here: an unknown failure must not start a retry storm.
	ClassFatal Class = iota
	// ClassTransient failures are retried with backoff.
	ClassTransient
)

// String returns the wire name of the class.
func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

// HTTPStatusError reports a non-2xx response from a platform sink.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("sink returned status %d", e.StatusCode)
}

// transientPatterns match error text from sinks that do not surface typed
// errors. Matching is case-insensitive.
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"service unavailable",
	"rate limit",
	"too many requests",
	"eof",
}

// Classify decides whether an error warrants a retry. Network resets,
// timeouts, rate limiting, and 5xx responses are transient; 4xx responses
// (except 429) and everything unrecognized are fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return ClassTransient
		case statusErr.StatusCode >= 500:
			return ClassTransient
		default:
			return ClassFatal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}

	return ClassFatal
}

// maxShift caps the exponent so the bit shift cannot overflow time.Duration.
const maxShift = 16

// Backoff computes the delay before retry number attempt (1-based):
// min(max, base*2^(attempt-1)) plus uniform jitter up to 25%, clamped to max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}

	delay := base << shift
	if delay > max || delay < 0 {
		delay = max
	}

	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}
