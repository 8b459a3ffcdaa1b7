// Package pipeline turns publish requests into scheduled, executed and observed
// attempts against external platforms.
//
// One scheduler goroutine claims due jobs from the durable queue, checks that
// the bot and its device can take work and hands tasks to a fixed pool of
// workers. Workers run the platform call and classify the result; the outcome
// handler is the only place that decides retries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pubflow/internal/domain"
	"pubflow/internal/eventbus"
	"pubflow/internal/registry"
	"pubflow/internal/runtime/supervisor"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

// casRetries bounds optimistic-lock retry loops on a single post.
const casRetries = 8

type Service struct {
	store  storage.Store
	pub    Publisher
	bus    eventbus.Bus
	log    logx.Logger
	tracer trace.Tracer

	now   func() time.Time
	newID func() string

	mu  sync.Mutex
	cfg Config

	limiters *platformLimiters
	circuits *circuits

	wake       chan struct{}
	recoverReq chan struct{}

	// dispatch has room for every worker; the scheduler never claims more than
	// the idle slots, so sends never block.
	dispatchMu     sync.Mutex
	dispatch       chan dispatchItem
	dispatchClosed bool

	inflight atomic.Int32
	running  sync.WaitGroup

	// active maps post id -> task id for posts owned by this process right now
	// (being admitted or executing). Recovery never touches them.
	activeMu sync.Mutex
	active   map[string]string

	counters struct {
		submitted, claimed, dispatched, deferred, retries   atomic.Uint64
		published, failed, cancelled, violations, recovered atomic.Uint64
	}

	lifeMu    sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	sup       *supervisor.Supervisor
	schedSup  *supervisor.Supervisor
	cron      *cron.Cron
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithEventBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithClock replaces time.Now for scheduling decisions and record timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func New(cfg Config, store storage.Store, pub Publisher, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		store:      store,
		pub:        pub,
		bus:        eventbus.Nop{},
		tracer:     otel.Tracer("pubflow/pipeline"),
		now:        time.Now,
		newID:      uuid.NewString,
		cfg:        cfg,
		limiters:   newPlatformLimiters(cfg.PlatformLimits),
		circuits:   newCircuits(cfg),
		wake:       make(chan struct{}, 1),
		recoverReq: make(chan struct{}, 1),
		dispatch:   make(chan dispatchItem, cfg.Workers),
		active:     map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply hot-swaps the retry policy, timeouts, breaker and platform limits.
// The worker count is fixed for the life of the service.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if cfg.Workers != s.cfg.Workers {
		s.log.Warn("pipeline.workers changes require a restart", logx.Int("current", s.cfg.Workers), logx.Int("requested", cfg.Workers))
		cfg.Workers = s.cfg.Workers
	}
	s.cfg = cfg
	s.mu.Unlock()

	s.limiters.apply(cfg.PlatformLimits)
	s.circuits.configure(cfg)
	s.signal()
	s.log.Info("pipeline config applied",
		logx.Int("max_attempts", cfg.MaxAttempts),
		logx.Duration("retry_base", cfg.RetryBase),
		logx.Duration("exec_timeout", cfg.ExecTimeout),
		logx.Int("platform_limits", len(cfg.PlatformLimits)),
	)
}

// Start runs a startup recovery sweep, then launches the scheduler, the worker
// pool and the periodic recovery schedule.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	cfg := s.config()
	s.startedAt = s.now()

	if !cfg.RecoveryDisabled {
		rep := s.recoverOnce(ctx, true)
		if !rep.Empty() {
			s.log.Info("startup recovery",
				logx.Int("interrupted_tasks", rep.InterruptedTasks),
				logx.Int("repaired_posts", rep.RepairedPosts),
				logx.Int("requeued", rep.Requeued),
				logx.Int("slots_released", rep.SlotsReleased),
			)
		}
	}

	// Workers outlive the scheduler during shutdown, so they get their own
	// supervisor and context.
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("pipeline.worker.%d", i), s.worker)
	}
	s.schedSup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.schedSup.GoRestart("pipeline.scheduler", s.runScheduler)

	if !cfg.RecoveryDisabled && cfg.RecoverySchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.RecoverySchedule, s.requestRecovery); err != nil {
			s.log.Warn("recovery schedule rejected; periodic sweeps disabled", logx.String("schedule", cfg.RecoverySchedule), logx.Err(err))
			s.cron = nil
		} else {
			s.cron.Start()
		}
	}

	s.started = true
	s.log.Info("pipeline started", logx.Int("workers", cfg.Workers), logx.Duration("poll_interval", cfg.PollInterval))
	return nil
}

// Stop stops claiming, lets dispatched tasks finish (bounded by
// ShutdownTimeout and ctx) and then stops the workers. Jobs not yet claimed
// stay in the queue for the next process.
func (s *Service) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if !s.started {
		return nil
	}

	if s.cron != nil {
		cctx := s.cron.Stop()
		select {
		case <-cctx.Done():
		case <-ctx.Done():
		}
	}
	if err := s.schedSup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop", logx.Err(err))
	}
	s.dispatchMu.Lock()
	s.dispatchClosed = true
	close(s.dispatch)
	s.dispatchMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	timeout := s.config().ShutdownTimeout
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.log.Warn("pipeline drain timed out; interrupting in-flight tasks", logx.Duration("timeout", timeout), logx.Int("in_flight", int(s.inflight.Load())))
		s.sup.Cancel()
	case <-ctx.Done():
		s.sup.Cancel()
	}
	err := s.sup.Stop(ctx)
	s.log.Info("pipeline stopped")
	return err
}

// signal wakes the scheduler without blocking.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) requestRecovery() {
	select {
	case s.recoverReq <- struct{}{}:
	default:
	}
}

func (s *Service) emit(e eventbus.Event) {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	s.bus.Publish(e)
}

func (s *Service) violation(postID, taskID string, err error) {
	s.counters.violations.Add(1)
	s.log.Error("invariant violation", logx.String("post", postID), logx.String("task", taskID), logx.Err(err))
	s.emit(eventbus.Event{Type: eventbus.InvariantViolation, PostID: postID, TaskID: taskID, Detail: err.Error()})
}

// claimActive marks a post as owned by this process. It fails if the post is
// already owned, which means two jobs exist for it.
func (s *Service) claimActive(postID string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if _, ok := s.active[postID]; ok {
		return false
	}
	s.active[postID] = ""
	return true
}

func (s *Service) setActiveTask(postID, taskID string) {
	s.activeMu.Lock()
	s.active[postID] = taskID
	s.activeMu.Unlock()
}

func (s *Service) releaseActive(postID string) {
	s.activeMu.Lock()
	delete(s.active, postID)
	s.activeMu.Unlock()
}

func (s *Service) isActive(postID string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	_, ok := s.active[postID]
	return ok
}

// SubmitPost validates req and creates a SCHEDULED post with its first queued
// job. The bot must exist, but its state is only checked at dispatch time.
func (s *Service) SubmitPost(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if _, err := s.store.GetBot(ctx, req.BotID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown bot %q", ErrInvalidRequest, req.BotID)
		}
		return "", fmt.Errorf("lookup bot %s: %w", req.BotID, err)
	}

	now := s.now()
	var at time.Time
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	}
	post := domain.NewPost(s.newID(), req.BotID, now, at)
	post.ContentID = req.ContentID
	post.Text = req.Text
	post.MediaURLs = req.MediaURLs

	post, job, err := s.store.CreatePost(ctx, post, storage.Job{Attempt: 1, ScheduledAt: post.ScheduledAt, EnqueuedAt: now})
	if err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	s.counters.submitted.Add(1)
	s.log.Info("post submitted", logx.String("post", post.ID), logx.String("bot", post.BotID), logx.Time("scheduled_at", job.ScheduledAt))
	s.emit(eventbus.Event{Type: eventbus.PostSubmitted, Time: now, PostID: post.ID, BotID: post.BotID, Attempt: 1, Status: string(post.Status)})
	s.signal()
	return post.ID, nil
}

// CancelPost cancels a post. A SCHEDULED post fails with reason "cancelled"
// and leaves the queue. A PUBLISHING post is flagged; the in-flight call is not
// aborted, but no retry follows it. Cancelling again is a no-op whatever the
// flagged attempt ended in.
func (s *Service) CancelPost(ctx context.Context, postID string) error {
	for i := 0; i < casRetries; i++ {
		post, err := s.store.GetPost(ctx, postID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, postID)
		}
		if err != nil {
			return err
		}
		switch {
		case post.CancelRequested:
			return nil
		case post.Status.Terminal():
			return fmt.Errorf("%w: post %s is %s", ErrNotCancellable, postID, post.Status)
		}

		now := s.now()
		next := post
		next.CancelRequested = true
		scheduled := post.Status == domain.PostScheduled
		if scheduled {
			if err := next.MarkFailed(string(domain.ReasonCancelled), now); err != nil {
				return err
			}
		} else {
			next.UpdatedAt = now
		}
		saved, err := s.store.UpdatePost(ctx, next, post.Version)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cancel post %s: %w", postID, err)
		}

		if scheduled {
			n, err := s.store.RemoveJobs(ctx, postID)
			if err != nil {
				// The admit path drops jobs of cancelled posts, so this only leaks a queue row.
				s.log.Warn("remove jobs of cancelled post", logx.String("post", postID), logx.Err(err))
			}
			s.counters.cancelled.Add(1)
			s.log.Info("post cancelled", logx.String("post", postID), logx.Int("jobs_removed", n))
		} else {
			s.log.Info("cancel requested for in-flight post", logx.String("post", postID))
		}
		s.emit(eventbus.Event{Type: eventbus.PostCancelled, Time: now, PostID: postID, BotID: saved.BotID, Status: string(saved.Status)})
		return nil
	}
	return fmt.Errorf("cancel post %s: %w", postID, storage.ErrConflict)
}

func (s *Service) GetPostStatus(ctx context.Context, postID string) (PostStatusView, error) {
	post, err := s.store.GetPost(ctx, postID)
	if errors.Is(err, storage.ErrNotFound) {
		return PostStatusView{}, fmt.Errorf("%w: %s", ErrNotFound, postID)
	}
	if err != nil {
		return PostStatusView{}, err
	}
	tasks, err := s.store.ListTasks(ctx, postID)
	if err != nil {
		return PostStatusView{}, err
	}
	return PostStatusView{Post: post, Tasks: tasks}, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now()
	cfg := s.config()
	st := Stats{
		Now:           now,
		Workers:       cfg.Workers,
		InFlight:      int(s.inflight.Load()),
		EventsDropped: s.bus.Dropped(),
		Counters: Counters{
			Submitted:  s.counters.submitted.Load(),
			Claimed:    s.counters.claimed.Load(),
			Dispatched: s.counters.dispatched.Load(),
			Deferred:   s.counters.deferred.Load(),
			Retries:    s.counters.retries.Load(),
			Published:  s.counters.published.Load(),
			Failed:     s.counters.failed.Load(),
			Cancelled:  s.counters.cancelled.Load(),
			Violations: s.counters.violations.Load(),
			Recovered:  s.counters.recovered.Load(),
		},
	}
	s.lifeMu.Lock()
	st.Running = s.started && !s.stopped
	st.StartedAt = s.startedAt
	if s.sup != nil {
		st.Routines = append(s.schedSup.Snapshot(), s.sup.Snapshot()...)
	}
	s.lifeMu.Unlock()

	var err error
	if st.QueueDepth, st.DueNow, err = s.store.QueueDepth(ctx, now); err != nil {
		return st, err
	}
	if next, ok, err := s.store.NextDue(ctx); err != nil {
		return st, err
	} else if ok {
		st.NextDue = &next
	}
	if st.Posts, err = s.store.CountPosts(ctx); err != nil {
		return st, err
	}
	if st.Tasks, err = s.store.CountTasks(ctx); err != nil {
		return st, err
	}

	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return st, err
	}
	for _, d := range devices {
		capacity := d.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		st.Devices = append(st.Devices, DeviceStats{
			ID:          d.ID,
			Name:        d.Name,
			Status:      d.Status,
			InUse:       d.InUse,
			Capacity:    capacity,
			Utilization: float64(d.InUse) / float64(capacity),
		})
	}

	bots, err := s.store.ListBots(ctx)
	if err != nil {
		return st, err
	}
	breakers := s.circuits.snapshot(now)
	for _, b := range bots {
		bs := BotStats{ID: b.ID, DeviceID: b.DeviceID, Platform: b.Platform, Status: b.Status}
		if v, ok := breakers[b.ID]; ok {
			bs.ConsecutiveFailures = v.fails
			if !v.openUntil.IsZero() {
				until := v.openUntil
				bs.CircuitOpen = true
				bs.CircuitOpenUntil = &until
			}
		}
		st.Bots = append(st.Bots, bs)
	}
	return st, nil
}
