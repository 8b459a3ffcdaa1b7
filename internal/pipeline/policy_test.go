package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/domain"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{5, 0, 10 * time.Second},
		{40, 0, 10 * time.Second},
		{1, 3 * time.Second, 3 * time.Second},
		{3, time.Second, 4 * time.Second},
		{1, time.Minute, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.attempt, tt.hint); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d, hint=%s) = %s, want %s", tt.attempt, tt.hint, got, tt.want)
		}
	}

	cfg.RetryJitter = 0.5
	for i := 0; i < 100; i++ {
		got := backoffDelay(cfg, 2, 0)
		if got < time.Second || got > 3*time.Second {
			t.Fatalf("jittered delay %s outside [1s, 3s]", got)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		reason    domain.FailureReason
		permanent bool
		hint      time.Duration
	}{
		{"permanent", Permanent(domain.ReasonAccountSuspended, errors.New("banned")), domain.ReasonAccountSuspended, true, 0},
		{"wrapped permanent", fmt.Errorf("agent: %w", Permanent(domain.ReasonContentRejected, nil)), domain.ReasonContentRejected, true, 0},
		{"transient with hint", RetryAfter(Transient(domain.ReasonRateLimited, errors.New("429")), 3*time.Second), domain.ReasonRateLimited, false, 3 * time.Second},
		{"bare hint", RetryAfter(errors.New("slow down"), time.Second), domain.ReasonRateLimited, false, time.Second},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), domain.ReasonTimeout, false, 0},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, domain.ReasonNetwork, false, 0},
		{"unknown", errors.New("boom"), domain.ReasonPlatformError, false, 0},
	}
	for _, tt := range tests {
		reason, permanent, hint := Classify(tt.err)
		if reason != tt.reason || permanent != tt.permanent || hint != tt.hint {
			t.Errorf("%s: Classify = (%s, %v, %s), want (%s, %v, %s)", tt.name, reason, permanent, hint, tt.reason, tt.permanent, tt.hint)
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newCircuits(Config{CircuitThreshold: 2, CircuitCooldown: 10 * time.Second, CircuitMaxCooldown: 30 * time.Second})

	if _, opened := c.record("b1", now, true); opened {
		t.Fatal("opened below threshold")
	}
	until, opened := c.record("b1", now, true)
	if !opened || !until.Equal(now.Add(10*time.Second)) {
		t.Fatalf("second failure: opened=%v until=%v", opened, until)
	}
	if open, _ := c.open("b1", now.Add(5*time.Second)); !open {
		t.Fatal("circuit should be open inside cooldown")
	}
	if open, _ := c.open("b1", now.Add(11*time.Second)); open {
		t.Fatal("circuit should be closed after cooldown")
	}
	until, _ = c.record("b1", now, true)
	if !until.Equal(now.Add(20 * time.Second)) {
		t.Fatalf("third failure cooldown until %v", until)
	}
	until, _ = c.record("b1", now, true)
	if !until.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("cooldown not capped: %v", until)
	}

	c.record("b1", now, false)
	if open, _ := c.open("b1", now); open {
		t.Fatal("success should close the circuit")
	}

	off := newCircuits(Config{CircuitCooldown: time.Second, CircuitMaxCooldown: time.Second})
	for i := 0; i < 10; i++ {
		off.record("b1", now, true)
	}
	if open, _ := off.open("b1", now); open {
		t.Fatal("threshold 0 must disable the breaker")
	}
}

func TestFromConfigMapsPlatforms(t *testing.T) {
	t.Parallel()
	cfg, err := FromConfig(&config.Config{
		Platforms: map[string]config.PlatformConfig{"twitter": {RatePerSec: 0.5, Burst: 2}},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if cfg.CircuitThreshold != 5 || cfg.RecoverySchedule != "@every 1m" || cfg.RecoveryDisabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if rl := cfg.PlatformLimits[domain.PlatformTwitter]; rl.PerSec != 0.5 || rl.Burst != 2 {
		t.Fatalf("twitter limit = %+v", rl)
	}
}
