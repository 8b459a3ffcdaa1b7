package pipeline

import (
	"context"

	"pubflow/internal/domain"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

// recoveryBatch bounds the rows one sweep inspects per category.
const recoveryBatch = 500

// recoverOnce repairs state a crash or a failed write can leave behind. It
// assumes this process is the only daemon on the store and skips every post the
// process currently owns.
//
// At startup it also drops device slots still counted from the previous
// process, since nothing is in flight yet.
func (s *Service) recoverOnce(ctx context.Context, startup bool) RecoveryReport {
	var rep RecoveryReport
	log := s.log.With(logx.String("comp", "recovery"))

	if startup {
		devices, err := s.store.ListDevices(ctx)
		if err != nil {
			log.Warn("list devices failed", logx.Err(err))
		}
		for _, d := range devices {
			for i := 0; i < d.InUse; i++ {
				if err := s.store.ReleaseDeviceSlot(ctx, d.ID); err != nil {
					log.Warn("release stale slot failed", logx.String("device", d.ID), logx.Err(err))
					break
				}
				rep.SlotsReleased++
			}
		}
	}

	// Open tasks without a worker: finalize as interrupted, which also retries or
	// fails the post through the normal outcome path.
	for _, st := range []domain.TaskStatus{domain.TaskRunning, domain.TaskPending} {
		tasks, err := s.store.ListTasksByStatus(ctx, st, recoveryBatch)
		if err != nil {
			log.Warn("list open tasks failed", logx.String("status", string(st)), logx.Err(err))
			continue
		}
		for _, t := range tasks {
			if s.isActive(t.PostID) {
				continue
			}
			post, err := s.store.GetPost(ctx, t.PostID)
			if err != nil {
				log.Warn("load post of orphaned task failed", logx.String("task", t.ID), logx.Err(err))
				continue
			}
			log.Warn("finalizing orphaned task", logx.String("post", t.PostID), logx.String("task", t.ID), logx.String("status", string(t.Status)))
			s.handleOutcome(ctx, post, t, Outcome{
				Kind:   OutcomeTransient,
				Reason: domain.ReasonInterrupted,
				Detail: "task " + string(t.Status) + " without a worker",
			}, nil)
			rep.InterruptedTasks++
		}
	}

	// PUBLISHING posts whose last task is terminal: the post write (or the
	// retry enqueue) never happened. Replay the last task's outcome.
	posts, err := s.store.ListPostsByStatus(ctx, domain.PostPublishing, recoveryBatch)
	if err != nil {
		log.Warn("list publishing posts failed", logx.Err(err))
	}
	for _, p := range posts {
		if s.isActive(p.ID) {
			continue
		}
		tasks, open, ok := s.postTasks(ctx, p.ID)
		if !ok || open {
			continue
		}
		if len(tasks) == 0 {
			next := p
			if err := next.Transition(domain.PostScheduled, s.now()); err != nil {
				s.violation(p.ID, "", err)
				continue
			}
			if _, err := s.store.UpdatePost(ctx, next, p.Version); err != nil {
				log.Warn("revert post failed", logx.String("post", p.ID), logx.Err(err))
				continue
			}
			if s.enqueueRepair(ctx, next, 1) {
				rep.Requeued++
			}
			continue
		}
		last := tasks[len(tasks)-1]
		log.Warn("replaying last outcome", logx.String("post", p.ID), logx.String("task", last.ID), logx.String("status", string(last.Status)))
		s.applyToPost(ctx, p.ID, last, outcomeOf(last))
		rep.RepairedPosts++
	}

	// SCHEDULED posts without a job: a retry or deferral was lost.
	posts, err = s.store.ListPostsByStatus(ctx, domain.PostScheduled, recoveryBatch)
	if err != nil {
		log.Warn("list scheduled posts failed", logx.Err(err))
	}
	for _, p := range posts {
		if s.isActive(p.ID) {
			continue
		}
		has, err := s.store.HasJob(ctx, p.ID)
		if err != nil || has {
			continue
		}
		tasks, open, ok := s.postTasks(ctx, p.ID)
		if !ok || open {
			continue
		}
		attempt := 1
		if n := len(tasks); n > 0 {
			attempt = tasks[n-1].Attempt + 1
		}
		if s.enqueueRepair(ctx, p, attempt) {
			rep.Requeued++
		}
	}

	if n := rep.InterruptedTasks + rep.RepairedPosts + rep.Requeued; n > 0 {
		s.counters.recovered.Add(uint64(n))
		s.signal()
	}
	return rep
}

// postTasks loads a post's tasks and reports whether one is still open.
func (s *Service) postTasks(ctx context.Context, postID string) ([]domain.Task, bool, bool) {
	tasks, err := s.store.ListTasks(ctx, postID)
	if err != nil {
		s.log.Warn("list tasks failed", logx.String("post", postID), logx.Err(err))
		return nil, false, false
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return tasks, true, true
		}
	}
	return tasks, false, true
}

func (s *Service) enqueueRepair(ctx context.Context, p domain.Post, attempt int) bool {
	now := s.now()
	at := now
	if attempt == 1 && p.ScheduledAt.After(now) {
		at = p.ScheduledAt
	}
	if _, err := s.store.Enqueue(ctx, storage.Job{PostID: p.ID, Attempt: attempt, ScheduledAt: at, EnqueuedAt: now}); err != nil {
		s.log.Warn("re-enqueue failed", logx.String("post", p.ID), logx.Err(err))
		return false
	}
	s.log.Warn("re-enqueued post without a job", logx.String("post", p.ID), logx.Int("attempt", attempt))
	return true
}

// outcomeOf rebuilds the outcome recorded on a terminal task.
func outcomeOf(t domain.Task) Outcome {
	if t.Status == domain.TaskSucceeded {
		return Outcome{Kind: OutcomeSuccess, Result: PublishResult{PlatformPostID: t.PlatformPostID, PlatformURL: t.PlatformURL}}
	}
	kind := OutcomeTransient
	if t.FailureReason.Permanent() {
		kind = OutcomePermanent
	}
	return Outcome{Kind: kind, Reason: t.FailureReason, Detail: t.FailureDetail}
}
