package domain

import "errors"

// Error taxonomy for store operations. Adapters wrap their native failures in
// one of these so the pipelines can decide between retrying, counting a
// duplicate, or moving on.
var (
	// ErrThrottled marks rate-limit-class rejections; callers back off and
	// retry.
	ErrThrottled = errors.New("store throttled")

	// ErrUnavailable marks connection-class failures (timeouts, resets,
	// unreachable store); retryable with backoff.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConflict marks version/id conflicts. Writes with content-derived ids
	// treat it as "already present", not as a failure.
	ErrConflict = errors.New("store conflict")

	// ErrStopScan is returned by a scan callback to end the scan cleanly.
	ErrStopScan = errors.New("stop scan")
)

// IsRetryable reports whether an operation that failed with err is worth
// retrying with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
