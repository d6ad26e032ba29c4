package repos

import (
	"math"
	"math/rand"
	"time"
)

const backoffJitterFrac = 0.25

// Backoff computes the retry delay after the given number of attempts:
// base * 2^attempts with +/-25% jitter, capped at ceiling.
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 1 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 5 * time.Minute
	}
	if attempts < 0 {
		attempts = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	delta := float64(d) * backoffJitterFrac
	low := float64(d) - delta
	high := float64(d) + delta
	out := time.Duration(low + rand.Float64()*(high-low))
	if out > ceiling {
		out = ceiling
	}
	if out < 0 {
		out = 0
	}
	return out
}
