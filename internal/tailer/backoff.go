package tailer

import "time"

const (
	backoffBase = 100 * time.Millisecond
	backoffMax  = 10 * time.Second
)

// Backoff returns min(2^errorCount × 100ms, 10s) scaled by jitter, which the
// caller draws from [0.5, 1.5).
func Backoff(errorCount int, jitter float64) time.Duration {
	d := backoffMax
	if errorCount < 0 {
		errorCount = 0
	}
	// 2^17 × 100ms already exceeds the cap; avoid shifting further.
	if errorCount < 17 {
		if exp := backoffBase << errorCount; exp < backoffMax {
			d = exp
		}
	}
	return time.Duration(float64(d) * jitter)
}
