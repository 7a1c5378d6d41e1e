package retry

import (
	"math/rand"
	"time"
)

const (
	// DefaultBaseDelay is the default backoff base
	DefaultBaseDelay = 2 * time.Second
	// DefaultMaxDelay caps the backoff growth
	DefaultMaxDelay = 60 * time.Second
)

// Backoff computes the delay before the next retry attempt (0-based).
// delay = min(max, base * 2^attempt); with jitter a uniform value in
// [0, delay] is drawn instead (full-jitter).
func Backoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return delay
}
