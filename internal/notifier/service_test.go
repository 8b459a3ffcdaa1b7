package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/eventbus"
	kit "pubflow/internal/transport"
	logx "pubflow/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	texts []string
	to    []kit.ChatTarget
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("telegram unavailable")
	}
	f.texts = append(f.texts, text)
	f.to = append(f.to, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Target:        kit.ChatTarget{ChatID: 42, ThreadID: 7},
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunAlertsOnSelectedEvents(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	svc := New(testConfig(), sender, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx, bus) }()

	waitFor(t, "subscription", func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.PostPublished, PostID: "p0"})
		bus.Publish(eventbus.Event{Type: eventbus.PostFailed, PostID: "p1", BotID: "b1", Attempt: 3, Detail: "retries exhausted: network"})
		return len(sender.sent()) > 0
	})
	bus.Publish(eventbus.Event{Type: eventbus.InvariantViolation, PostID: "p2", Detail: "two tasks running"})
	waitFor(t, "violation alert", func() bool { return len(sender.sent()) >= 2 })

	texts := sender.sent()
	if !strings.HasPrefix(texts[0], "⚠️ Post p1 failed") || !strings.Contains(texts[0], "retries exhausted: network") {
		t.Fatalf("failed alert = %q", texts[0])
	}
	if !strings.HasPrefix(texts[len(texts)-1], "🚨 Invariant violation") {
		t.Fatalf("violation alert = %q", texts[len(texts)-1])
	}
	for _, text := range texts {
		if strings.Contains(text, "p0") {
			t.Fatalf("published event alerted: %q", text)
		}
	}
	before := len(sender.sent())
	bus.Publish(eventbus.Event{Type: eventbus.PostFailed, PostID: "p1", BotID: "b1", Attempt: 3, Detail: "retries exhausted: network"})
	waitFor(t, "dedup", func() bool { return svc.Counts().Deduped > 0 })
	if got := len(sender.sent()); got != before {
		t.Fatalf("duplicate alert sent: %d -> %d", before, got)
	}
	sender.mu.Lock()
	to := sender.to[0]
	sender.mu.Unlock()
	if to.ChatID != 42 || to.ThreadID != 7 {
		t.Fatalf("target = %+v", to)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fails: 2}
	svc := New(testConfig(), sender, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Notify(context.Background(), kit.Notification{Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return svc.Counts().Sent == 1 })
	if c := svc.Counts(); c.Failed != 0 {
		t.Fatalf("counts = %+v", c)
	}
	if h := svc.Snapshot(); len(h) != 1 || h[0].Text != "x" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fails: 10}
	svc := New(testConfig(), sender, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	if err := svc.Notify(context.Background(), kit.Notification{Text: "y"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "failure", func() bool { return svc.Counts().Failed == 1 })
	sender.mu.Lock()
	left := sender.fails
	sender.mu.Unlock()
	if left != 7 {
		t.Fatalf("send attempts = %d, want 3", 10-left)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	off := New(Config{}, &fakeSender{}, logx.Nop())
	if err := off.Notify(ctx, kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify = %v", err)
	}

	svc := New(testConfig(), &fakeSender{}, logx.Nop())
	if err := svc.Notify(ctx, kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before Start = %v", err)
	}
	svc.Start(ctx)
	svc.Stop(ctx)
	if err := svc.Notify(ctx, kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after Stop = %v", err)
	}
	// Restart after a completed stop.
	svc.Start(ctx)
	defer svc.Stop(ctx)
	if err := svc.Notify(ctx, kit.Notification{Text: "again"}); err != nil {
		t.Fatalf("Notify after restart = %v", err)
	}
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	svc := New(testConfig(), &fakeSender{}, logx.Nop())
	now := time.Now()
	if !svc.dedupAllow("k", time.Minute, now) {
		t.Fatal("first alert suppressed")
	}
	if svc.dedupAllow("k", time.Minute, now.Add(30*time.Second)) {
		t.Fatal("duplicate inside window allowed")
	}
	if !svc.dedupAllow("k", time.Minute, now.Add(2*time.Minute)) {
		t.Fatal("alert after window suppressed")
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 20; i++ {
			d := retryDelay(cfg, attempt)
			if d <= 0 || d > time.Second {
				t.Fatalf("retryDelay(%d) = %s", attempt, d)
			}
		}
	}
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	cfg, err := ConfigFrom(&config.NotifierConfig{Enabled: true, ChatID: 5, ThreadID: 2})
	if err != nil {
		t.Fatalf("ConfigFrom: %v", err)
	}
	if cfg.DedupWindow != time.Minute || cfg.Target.ChatID != 5 || cfg.Target.ThreadID != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	cfg, err = ConfigFrom(&config.NotifierConfig{DedupWindow: "0s"})
	if err != nil || cfg.DedupWindow != 0 {
		t.Fatalf("0s dedup = %+v, %v", cfg, err)
	}
	if _, err := ConfigFrom(&config.NotifierConfig{DedupWindow: "soon"}); err == nil {
		t.Fatal("bad duration accepted")
	}
	if cfg, _ := ConfigFrom(nil); cfg.Enabled {
		t.Fatal("nil section enabled")
	}
}
