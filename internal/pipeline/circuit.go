package pipeline

import (
	"sync"
	"time"
)

// circuitState counts consecutive transient failures of one bot.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuits is a per-bot consecutive-failure breaker. Once a bot reaches the
// threshold its circuit opens for a cooldown that doubles on every further
// failure up to maxCooldown. Success closes it. An open circuit makes the bot
// ineligible, so its jobs are deferred instead of failed.
type circuits struct {
	mu          sync.Mutex
	m           map[string]*circuitState
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration
}

func newCircuits(cfg Config) *circuits {
	c := &circuits{m: map[string]*circuitState{}}
	c.configure(cfg)
	return c
}

func (c *circuits) configure(cfg Config) {
	c.mu.Lock()
	c.threshold = cfg.CircuitThreshold
	c.cooldown = cfg.CircuitCooldown
	c.maxCooldown = cfg.CircuitMaxCooldown
	c.mu.Unlock()
}

// resetAfter forgets an idle failure streak.
func (c *circuits) resetAfter() time.Duration { return 2 * c.maxCooldown }

func (c *circuits) stale(st *circuitState, now time.Time) bool {
	return !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > c.resetAfter()
}

// open reports whether bot is inside a cooldown window.
func (c *circuits) open(bot string, now time.Time) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.threshold <= 0 {
		return false, time.Time{}
	}
	st := c.m[bot]
	if st == nil {
		return false, time.Time{}
	}
	if c.stale(st, now) {
		delete(c.m, bot)
		return false, time.Time{}
	}
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record feeds one attempt result into the breaker. It returns the cooldown
// end when this failure opened (or extended) the circuit.
func (c *circuits) record(bot string, now time.Time, failed bool) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.threshold <= 0 || bot == "" {
		return time.Time{}, false
	}
	if !failed {
		delete(c.m, bot)
		return time.Time{}, false
	}
	st := c.m[bot]
	if st == nil || c.stale(st, now) {
		st = &circuitState{}
		c.m[bot] = st
	}
	st.fails++
	st.lastFailure = now
	if st.fails < c.threshold {
		return time.Time{}, false
	}

	d := c.cooldown
	for i := c.threshold; i < st.fails; i++ {
		d *= 2
		if d >= c.maxCooldown {
			d = c.maxCooldown
			break
		}
	}
	st.openUntil = now.Add(d)
	return st.openUntil, true
}

type circuitView struct {
	fails     int
	openUntil time.Time
}

func (c *circuits) snapshot(now time.Time) map[string]circuitView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]circuitView, len(c.m))
	for bot, st := range c.m {
		if c.stale(st, now) {
			continue
		}
		v := circuitView{fails: st.fails}
		if now.Before(st.openUntil) {
			v.openUntil = st.openUntil
		}
		out[bot] = v
	}
	return out
}
