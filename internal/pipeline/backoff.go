package pipeline

import (
	"math/rand"
	"time"
)

// backoffDelay returns the wait before attempt+1 after attempt failed:
// RetryBase * 2^(attempt-1), capped at RetryMaxDelay, with optional jitter.
// A retry-after hint is honoured as a floor but never exceeds the cap.
func backoffDelay(cfg Config, attempt int, hint time.Duration) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	if maxD < base {
		maxD = base
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if hint > d {
		d = hint
	}
	if d > maxD {
		d = maxD
	}
	return d
}
