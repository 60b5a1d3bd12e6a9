// Package remote holds the fetch side of a sync: the [PageClient] contract
// that API clients implement, the [Pager] that exhausts pages and merges their
// metadata, a 3-attempt exponential-backoff [Retry] helper, and
// [TransportError], the error every fetch failure is reported as.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TransportError reports a failed fetch: network failure, authentication,
// rate limiting or an unusable response. The sync core propagates it to the
// caller unchanged.
type TransportError struct {
	// Op names the failed operation, e.g. "GET /bookings page 3".
	Op string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Retryable is set for failures that may succeed on a later attempt.
	Retryable bool

	// RetryAfter is the server-requested delay before the next attempt.
	RetryAfter time.Duration

	Err error
}

func (e *TransportError) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg += ": HTTP " + strconv.Itoa(e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError builds the TransportError for a non-2xx HTTP response.
// 408, 429 and 5xx responses are retryable.
func StatusError(op string, status int, retryAfter time.Duration, body string) *TransportError {
	var err error
	if body != "" {
		err = errors.New(truncate(body, 200))
	}
	return &TransportError{
		Op:         op,
		StatusCode: status,
		Retryable:  RetryableStatus(status),
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// IsRetryable reports whether err carries a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// ParseRetryAfter interprets a Retry-After header given in seconds or as an
// HTTP date. It returns 0 when the header is empty or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
