package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"pubflow/internal/domain"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

func testConfig() Config {
	return Config{
		Workers:          2,
		PollInterval:     10 * time.Millisecond,
		ExecTimeout:      time.Second,
		EligibilityDelay: 15 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
		MaxAttempts:      3,
		RetryBase:        20 * time.Millisecond,
		RetryMaxDelay:    500 * time.Millisecond,
	}
}

// newStore returns a memory store with device d1 (capacity 1) and an ACTIVE
// TWITTER bot b1 on it.
func newStore(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	if err := st.UpsertDevice(ctx, domain.Device{ID: "d1", Status: domain.DeviceOnline, Capacity: 1}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := st.UpsertBot(ctx, domain.Bot{ID: "b1", DeviceID: "d1", Platform: domain.PlatformTwitter, Status: domain.BotActive}); err != nil {
		t.Fatalf("UpsertBot: %v", err)
	}
	return st
}

func startService(t *testing.T, cfg Config, st storage.Store, pub Publisher, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithLogger(logx.Nop())}, opts...)
	svc := New(cfg, st, pub, opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForStatus(t *testing.T, svc *Service, postID string, want domain.PostStatus) PostStatusView {
	t.Helper()
	var view PostStatusView
	waitFor(t, 5*time.Second, "post "+string(want), func() bool {
		v, err := svc.GetPostStatus(context.Background(), postID)
		if err != nil {
			t.Fatalf("GetPostStatus: %v", err)
		}
		view = v
		return v.Post.Status == want
	})
	return view
}

// scriptPublisher answers publish calls with fn and records what it saw.
type scriptPublisher struct {
	store storage.Store
	fn    func(ctx context.Context, n int, req PublishRequest) (PublishResult, error)

	mu        sync.Mutex
	calls     []time.Time
	active    map[string]int
	maxActive map[string]int
	// doubleRunning counts calls that observed a second RUNNING task for the post.
	doubleRunning int
}

func newScript(st storage.Store, fn func(ctx context.Context, n int, req PublishRequest) (PublishResult, error)) *scriptPublisher {
	return &scriptPublisher{store: st, fn: fn, active: map[string]int{}, maxActive: map[string]int{}}
}

func (p *scriptPublisher) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	running := 0
	if tasks, err := p.store.ListTasks(ctx, req.Post.ID); err == nil {
		for _, t := range tasks {
			if t.Status == domain.TaskRunning {
				running++
			}
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, time.Now())
	n := len(p.calls)
	if running != 1 {
		p.doubleRunning++
	}
	p.active[req.Device.ID]++
	if p.active[req.Device.ID] > p.maxActive[req.Device.ID] {
		p.maxActive[req.Device.ID] = p.active[req.Device.ID]
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active[req.Device.ID]--
		p.mu.Unlock()
	}()
	return p.fn(ctx, n, req)
}

func (p *scriptPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptPublisher) callTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls...)
}

func succeed(id string) func(context.Context, int, PublishRequest) (PublishResult, error) {
	return func(context.Context, int, PublishRequest) (PublishResult, error) {
		return PublishResult{PlatformPostID: id, PlatformURL: "https://example.test/" + id}, nil
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
