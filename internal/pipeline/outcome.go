package pipeline

import (
	"context"
	"errors"
	"fmt"

	"pubflow/internal/domain"
	"pubflow/internal/eventbus"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

// handleOutcome finalizes an attempt. Writes happen in a fixed order: task
// terminal state, post state, next job. A crash between any two of them is
// repaired by recovery. release, when set, runs right after the task write so
// a device never counts more RUNNING tasks than slots.
func (s *Service) handleOutcome(ctx context.Context, post domain.Post, task domain.Task, out Outcome, release func()) {
	// Finalization must not be lost to a cancelled worker context.
	ctx = context.WithoutCancel(ctx)
	closed := s.closeTask(ctx, task, out)
	if release != nil {
		release()
	}
	if !closed {
		return
	}
	// Only transient platform failures count against the bot; an interrupted
	// attempt says nothing about it.
	switch {
	case out.Kind == OutcomeSuccess:
		s.circuits.record(task.BotID, s.now(), false)
	case out.Kind == OutcomeTransient && out.Reason != domain.ReasonInterrupted:
		if until, opened := s.circuits.record(task.BotID, s.now(), true); opened {
			s.log.Warn("bot circuit open", logx.String("bot", task.BotID), logx.Time("until", until))
		}
	}
	s.applyToPost(ctx, post.ID, task, out)
}

// closeTask writes the task's terminal state. It reports whether the post may
// be updated next.
func (s *Service) closeTask(ctx context.Context, task domain.Task, out Outcome) bool {
	now := s.now()
	status := domain.TaskFailed
	if out.Kind == OutcomeSuccess {
		status = domain.TaskSucceeded
		task.PlatformPostID = out.Result.PlatformPostID
		task.PlatformURL = out.Result.PlatformURL
	}
	if err := task.Finish(status, out.Reason, out.Detail, now); err != nil {
		s.violation(task.PostID, task.ID, err)
		return false
	}
	if err := s.store.FinishTask(ctx, task); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.violation(task.PostID, task.ID, err)
		} else {
			s.log.Error("finish task failed", logx.String("post", task.PostID), logx.String("task", task.ID), logx.Err(err))
		}
		return false
	}
	s.emit(eventbus.Event{
		Type:     eventbus.TaskFinished,
		Time:     now,
		PostID:   task.PostID,
		TaskID:   task.ID,
		BotID:    task.BotID,
		DeviceID: task.DeviceID,
		Attempt:  task.Attempt,
		Status:   string(task.Status),
		Reason:   string(task.FailureReason),
		Detail:   task.FailureDetail,
		Elapsed:  out.Elapsed,
	})
	return true
}

// applyToPost moves the post according to the outcome of task. It is the only
// place that decides whether another attempt happens.
func (s *Service) applyToPost(ctx context.Context, postID string, task domain.Task, out Outcome) {
	cfg := s.config()
	log := s.log.With(logx.String("post", postID), logx.String("task", task.ID), logx.Int("attempt", task.Attempt))

	for i := 0; i < casRetries; i++ {
		post, err := s.store.GetPost(ctx, postID)
		if err != nil {
			log.Error("load post for outcome failed", logx.Err(err))
			return
		}
		if post.Status != domain.PostPublishing {
			s.violation(postID, task.ID, fmt.Errorf("outcome %s for %s post", out.Kind, post.Status))
			return
		}

		now := s.now()
		next := post
		retry := false
		switch {
		case out.Kind == OutcomeSuccess:
			err = next.MarkPublished(out.Result.PlatformPostID, out.Result.PlatformURL, out.Result.Engagement, now)
		case out.Kind == OutcomePermanent:
			err = next.MarkFailed(failureMessage(out.Reason, out.Detail), now)
		case post.CancelRequested:
			err = next.MarkFailed(string(domain.ReasonCancelled), now)
		case task.Attempt < cfg.MaxAttempts:
			retry = true
			err = next.Transition(domain.PostScheduled, now)
		default:
			err = next.MarkFailed(fmt.Sprintf("retries exhausted: %s", out.Reason), now)
		}
		if err != nil {
			s.violation(postID, task.ID, err)
			return
		}

		saved, err := s.store.UpdatePost(ctx, next, post.Version)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			log.Error("update post for outcome failed", logx.Err(err))
			return
		}

		evt := eventbus.Event{Time: now, PostID: postID, TaskID: task.ID, BotID: post.BotID, Attempt: task.Attempt, Status: string(saved.Status), Reason: string(out.Reason)}
		switch {
		case retry:
			delay := backoffDelay(cfg, task.Attempt, out.RetryAfter)
			job := storage.Job{PostID: postID, Attempt: task.Attempt + 1, ScheduledAt: now.Add(delay), EnqueuedAt: now}
			if _, err := s.store.Enqueue(ctx, job); err != nil {
				log.Error("enqueue retry failed; left for recovery", logx.Err(err))
				return
			}
			s.counters.retries.Add(1)
			log.Info("retry scheduled", logx.String("reason", string(out.Reason)), logx.Duration("delay", delay))
			evt.Type = eventbus.PostRetryScheduled
			evt.Delay = delay
			evt.Attempt = task.Attempt + 1
			s.emit(evt)
			s.signal()
		case saved.Status == domain.PostPublished:
			s.counters.published.Add(1)
			log.Info("post published", logx.String("platform_post_id", saved.PlatformPostID), logx.Duration("elapsed", out.Elapsed))
			evt.Type = eventbus.PostPublished
			evt.Detail = saved.PlatformPostID
			s.emit(evt)
		default:
			s.counters.failed.Add(1)
			log.Warn("post failed", logx.String("error", saved.ErrorMessage))
			evt.Type = eventbus.PostFailed
			evt.Detail = saved.ErrorMessage
			s.emit(evt)
		}
		return
	}
	log.Error("post kept changing while applying outcome; left for recovery")
}

func failureMessage(reason domain.FailureReason, detail string) string {
	if detail == "" {
		return string(reason)
	}
	return string(reason) + ": " + detail
}
