package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pubflow/internal/domain"
	"pubflow/internal/eventbus"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

// dispatchItem is a task handed from the scheduler to a worker. The device
// slot is already held.
type dispatchItem struct {
	post   domain.Post
	task   domain.Task
	bot    domain.Bot
	device domain.Device
}

// runScheduler is the single dispatch loop. Recovery sweeps requested by the
// cron schedule also run here so they never race an admission.
func (s *Service) runScheduler(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.cycle(ctx)

		t := time.NewTimer(s.nextWait(ctx))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-s.wake:
			t.Stop()
		case <-s.recoverReq:
			t.Stop()
			rep := s.recoverOnce(ctx, false)
			if !rep.Empty() {
				s.log.Info("recovery sweep", logx.Int("interrupted_tasks", rep.InterruptedTasks), logx.Int("repaired_posts", rep.RepairedPosts), logx.Int("requeued", rep.Requeued))
			}
		case <-t.C:
		}
	}
}

// cycle claims up to the number of idle workers and admits each job.
func (s *Service) cycle(ctx context.Context) {
	cfg := s.config()
	idle := cfg.Workers - int(s.inflight.Load())
	if idle <= 0 {
		return
	}
	jobs, err := s.store.ClaimDue(ctx, idle, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("claim due jobs failed", logx.Err(err))
		}
		return
	}
	for _, j := range jobs {
		s.counters.claimed.Add(1)
		s.admit(ctx, cfg, j)
	}
}

// nextWait sleeps until the earliest due job, bounded by PollInterval. With no
// idle worker it waits for a worker to signal.
func (s *Service) nextWait(ctx context.Context) time.Duration {
	cfg := s.config()
	wait := cfg.PollInterval
	if cfg.Workers-int(s.inflight.Load()) <= 0 {
		return wait
	}
	next, ok, err := s.store.NextDue(ctx)
	if err != nil || !ok {
		return wait
	}
	if d := next.Sub(s.now()); d < wait {
		wait = d
	}
	if wait < 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	return wait
}

// admit turns a claimed job into a dispatched task, or defers or drops it.
func (s *Service) admit(ctx context.Context, cfg Config, job storage.Job) {
	log := s.log.With(logx.String("post", job.PostID), logx.Int("attempt", job.Attempt))
	if !s.claimActive(job.PostID) {
		s.violation(job.PostID, "", fmt.Errorf("job %d claimed while post is in flight", job.Seq))
		return
	}
	dispatched := false
	defer func() {
		if !dispatched {
			s.releaseActive(job.PostID)
		}
	}()

	for i := 0; i < casRetries; i++ {
		post, err := s.store.GetPost(ctx, job.PostID)
		if errors.Is(err, storage.ErrNotFound) {
			s.violation(job.PostID, "", fmt.Errorf("job %d references a missing post", job.Seq))
			return
		}
		if err != nil {
			s.deferJob(ctx, cfg, job, "", "load post: "+err.Error())
			return
		}
		if post.Status.Terminal() && post.CancelRequested {
			log.Debug("dropping job of cancelled post")
			return
		}
		if post.Status != domain.PostScheduled {
			s.violation(post.ID, "", fmt.Errorf("job %d claimed for %s post", job.Seq, post.Status))
			return
		}

		now := s.now()
		bot, err := s.store.GetBot(ctx, post.BotID)
		if err != nil {
			s.deferJob(ctx, cfg, job, post.BotID, "bot lookup: "+err.Error())
			return
		}
		if bot.Status != domain.BotActive {
			s.deferJob(ctx, cfg, job, bot.ID, "bot "+string(bot.Status))
			return
		}
		if open, until := s.circuits.open(bot.ID, now); open {
			s.deferJob(ctx, cfg, job, bot.ID, "circuit open until "+until.Format(time.RFC3339))
			return
		}
		device, err := s.store.AcquireDeviceSlot(ctx, bot.DeviceID)
		if err != nil {
			s.deferJob(ctx, cfg, job, bot.ID, "device "+bot.DeviceID+": "+err.Error())
			return
		}
		release := func() {
			if err := s.store.ReleaseDeviceSlot(context.WithoutCancel(ctx), device.ID); err != nil {
				log.Warn("release device slot failed", logx.String("device", device.ID), logx.Err(err))
			}
		}

		next := post
		if err := next.Transition(domain.PostPublishing, now); err != nil {
			release()
			s.violation(post.ID, "", err)
			return
		}
		saved, err := s.store.UpdatePost(ctx, next, post.Version)
		if errors.Is(err, storage.ErrConflict) {
			// Most likely a concurrent cancel; reload and decide again.
			release()
			continue
		}
		if err != nil {
			release()
			s.deferJob(ctx, cfg, job, bot.ID, "mark publishing: "+err.Error())
			return
		}

		task := domain.Task{
			ID:          s.newID(),
			PostID:      post.ID,
			DeviceID:    device.ID,
			BotID:       bot.ID,
			Attempt:     job.Attempt,
			Status:      domain.TaskPending,
			ScheduledAt: job.ScheduledAt,
			CreatedAt:   now,
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			release()
			if errors.Is(err, storage.ErrConflict) {
				s.violation(post.ID, task.ID, err)
				s.failPost(ctx, saved, "invariant violation: "+err.Error())
				return
			}
			s.revertToScheduled(ctx, saved)
			s.deferJob(ctx, cfg, job, bot.ID, "create task: "+err.Error())
			return
		}

		s.setActiveTask(post.ID, task.ID)
		if !s.send(dispatchItem{post: saved, task: task, bot: bot, device: device}) {
			// Shutting down: the PENDING task is finalized by the next startup sweep.
			release()
			log.Warn("dispatch closed; task left for recovery", logx.String("task", task.ID))
			return
		}
		dispatched = true
		s.counters.dispatched.Add(1)
		log.Debug("task dispatched", logx.String("task", task.ID), logx.String("bot", bot.ID), logx.String("device", device.ID))
		return
	}
	s.deferJob(ctx, cfg, job, "", "post kept changing under admission")
}

func (s *Service) send(it dispatchItem) bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.dispatchClosed {
		return false
	}
	s.inflight.Add(1)
	s.running.Add(1)
	s.dispatch <- it
	return true
}

// deferJob puts an ineligible job back with the fixed eligibility delay. The
// post stays SCHEDULED; deferrals are never failures.
func (s *Service) deferJob(ctx context.Context, cfg Config, job storage.Job, botID, why string) {
	at := s.now().Add(cfg.EligibilityDelay)
	if _, err := s.store.Requeue(context.WithoutCancel(ctx), job, at); err != nil {
		// The post is SCHEDULED with no job; the next recovery sweep re-enqueues it.
		s.log.Error("requeue failed", logx.String("post", job.PostID), logx.Err(err))
		return
	}
	s.counters.deferred.Add(1)
	s.log.Debug("job deferred", logx.String("post", job.PostID), logx.String("bot", botID), logx.String("why", why), logx.Duration("delay", cfg.EligibilityDelay))
	s.emit(eventbus.Event{Type: eventbus.JobDeferred, PostID: job.PostID, BotID: botID, Attempt: job.Attempt, Reason: why, Delay: cfg.EligibilityDelay})
}

func (s *Service) revertToScheduled(ctx context.Context, post domain.Post) {
	next := post
	if err := next.Transition(domain.PostScheduled, s.now()); err != nil {
		s.violation(post.ID, "", err)
		return
	}
	if _, err := s.store.UpdatePost(context.WithoutCancel(ctx), next, post.Version); err != nil {
		s.log.Error("revert post to scheduled failed", logx.String("post", post.ID), logx.Err(err))
	}
}

func (s *Service) failPost(ctx context.Context, post domain.Post, reason string) {
	next := post
	if err := next.MarkFailed(reason, s.now()); err != nil {
		s.violation(post.ID, "", err)
		return
	}
	if _, err := s.store.UpdatePost(context.WithoutCancel(ctx), next, post.Version); err != nil {
		s.log.Error("fail post", logx.String("post", post.ID), logx.Err(err))
		return
	}
	s.counters.failed.Add(1)
	s.emit(eventbus.Event{Type: eventbus.PostFailed, PostID: post.ID, BotID: post.BotID, Status: string(domain.PostFailed), Detail: reason})
}
