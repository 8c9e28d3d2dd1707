package monitor

import "time"

// Reconnect backoff schedule for the event stream supervisor.

const (
	// backoffBase is the delay before the first reconnect attempt.
	backoffBase = time.Second
	// backoffCap bounds the exponential schedule.
	backoffCap = 30 * time.Second

	// DefaultMaxStreamRetries is the consecutive failure budget. The
	// supervisor schedules this many backoff delays and declares the
	// stream failed on the next consecutive failure. The counter
	// resets only on an established connection.
	DefaultMaxStreamRetries = 10
)

// BackoffDelay returns the reconnect delay for the zero-based retry
// index i: one second doubled per retry, capped at thirty seconds.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^5 seconds already exceeds the cap.
	if attempt >= 5 {
		return backoffCap
	}
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		return backoffCap
	}
	return d
}
