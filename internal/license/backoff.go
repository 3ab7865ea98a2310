package license

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// exponentialBackoff returns base * 2^(failures-1), capped at max.
func exponentialBackoff(base, max time.Duration, failures int64) time.Duration {
	if base <= 0 {
		return max
	}
	if failures < 1 {
		failures = 1
	}

	shift := failures - 1
	if shift > maxShift {
		return max
	}

	multiplier := int64(1) << shift
	if int64(base) > math.MaxInt64/multiplier {
		return max
	}

	delay := time.Duration(int64(base) * multiplier)
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// withJitter adds a random duration in [0, jitter) to d.
func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + rand.N(jitter)
}
