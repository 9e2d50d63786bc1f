// Package backoff provides the exponential delay computation shared by the
// task retry scheduler and the worker idle loop.
package backoff

import (
	"math/rand"
	"time"
)

// Delay computes the exponential backoff delay for the given attempt count:
// base * 2^attempts, capped at max. attempts is the number of failures that
// have already occurred, so the first retry (attempts=1) waits base*2.
func Delay(base time.Duration, attempts int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Jitter adds a uniformly random offset in [0, frac*d) to d. frac outside
// (0, 1] disables jitter, keeping the delay deterministic for tests.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || frac > 1 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(float64(d)*frac)+1))
}
