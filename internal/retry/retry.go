// Package retry provides the exponential backoff schedule shared by the
// station and broker delivery loops.
package retry

import "time"

// Backoff computes base·mult^attempts capped at max.
func Backoff(base time.Duration, mult float64, max time.Duration, attempts int) time.Duration {
	d := float64(base)
	for i := 0; i < attempts; i++ {
		d *= mult
		if time.Duration(d) >= max {
			return max
		}
	}
	if time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}
