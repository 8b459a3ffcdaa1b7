package pipeline

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"pubflow/internal/domain"
)

// platformLimiters throttles publish calls per platform. Limits can be changed
// at runtime; existing limiters are adjusted in place so waiters keep their
// reservations.
type platformLimiters struct {
	mu sync.Mutex
	m  map[domain.Platform]*rate.Limiter
}

func newPlatformLimiters(limits map[domain.Platform]RateLimit) *platformLimiters {
	l := &platformLimiters{m: map[domain.Platform]*rate.Limiter{}}
	l.apply(limits)
	return l
}

func (l *platformLimiters) apply(limits map[domain.Platform]RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := range l.m {
		if rl, ok := limits[p]; !ok || rl.PerSec <= 0 {
			// Unblock anyone waiting on the old limit.
			l.m[p].SetLimit(rate.Inf)
			delete(l.m, p)
		}
	}
	for p, rl := range limits {
		if rl.PerSec <= 0 {
			continue
		}
		burst := rl.Burst
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(rl.PerSec)))
		}
		if cur, ok := l.m[p]; ok {
			cur.SetLimit(rate.Limit(rl.PerSec))
			cur.SetBurst(burst)
			continue
		}
		l.m[p] = rate.NewLimiter(rate.Limit(rl.PerSec), burst)
	}
}

// wait blocks until platform may be called or ctx ends.
func (l *platformLimiters) wait(ctx context.Context, p domain.Platform) error {
	l.mu.Lock()
	lim := l.m[p]
	l.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}
