package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pubflow/internal/domain"
	"pubflow/internal/eventbus"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

// worker executes dispatched tasks one at a time until the dispatch channel
// is closed. Returning nil stops the supervisor from restarting it.
func (s *Service) worker(ctx context.Context) error {
	for it := range s.dispatch {
		s.execute(ctx, it)
	}
	return nil
}

// execute runs one attempt: RUNNING, rate limit, platform call, outcome. The
// device slot is released once the task is terminal. The deferred bookkeeping also runs if anything below panics.
func (s *Service) execute(ctx context.Context, it dispatchItem) {
	slotHeld := true
	releaseSlot := func() {
		if !slotHeld {
			return
		}
		slotHeld = false
		if err := s.store.ReleaseDeviceSlot(context.WithoutCancel(ctx), it.device.ID); err != nil {
			s.log.Warn("release device slot failed", logx.String("device", it.device.ID), logx.Err(err))
		}
	}
	defer func() {
		releaseSlot()
		s.releaseActive(it.post.ID)
		s.inflight.Add(-1)
		s.running.Done()
		s.signal()
	}()

	log := s.log.With(logx.String("post", it.post.ID), logx.String("task", it.task.ID), logx.Int("attempt", it.task.Attempt))

	task, err := s.store.StartTask(ctx, it.task.ID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another attempt owns the post; close this one without touching the post.
			s.violation(it.post.ID, it.task.ID, err)
			s.closeTask(context.WithoutCancel(ctx), it.task, Outcome{Kind: OutcomeTransient, Reason: domain.ReasonInterrupted, Detail: err.Error()})
			releaseSlot()
			return
		}
		log.Warn("start task failed", logx.Err(err))
		s.handleOutcome(ctx, it.post, it.task, Outcome{Kind: OutcomeTransient, Reason: domain.ReasonInterrupted, Detail: "start: " + err.Error()}, releaseSlot)
		return
	}
	s.emit(eventbus.Event{Type: eventbus.TaskStarted, PostID: task.PostID, TaskID: task.ID, BotID: task.BotID, DeviceID: task.DeviceID, Platform: string(it.bot.Platform), Attempt: task.Attempt, Status: string(task.Status)})

	if err := s.limiters.wait(ctx, it.bot.Platform); err != nil {
		s.handleOutcome(ctx, it.post, task, Outcome{Kind: OutcomeTransient, Reason: domain.ReasonInterrupted, Detail: "rate limiter: " + err.Error()}, releaseSlot)
		return
	}

	out := s.call(ctx, PublishRequest{Post: it.post, Task: task, Bot: it.bot, Device: it.device})
	log.Debug("publish call returned", logx.String("outcome", out.Kind.String()), logx.String("reason", string(out.Reason)), logx.Duration("elapsed", out.Elapsed))
	s.handleOutcome(ctx, it.post, task, out, releaseSlot)
}

// call runs the publisher under ExecTimeout inside a span and classifies the
// result. Panics become transient failures. A publisher that ignores its
// context is abandoned at the deadline and its late result is dropped.
func (s *Service) call(ctx context.Context, req PublishRequest) (out Outcome) {
	cfg := s.config()
	callCtx, cancel := context.WithTimeout(ctx, cfg.ExecTimeout)
	defer cancel()
	callCtx, span := s.tracer.Start(callCtx, "pipeline.publish", trace.WithAttributes(
		attribute.String("post.id", req.Post.ID),
		attribute.String("task.id", req.Task.ID),
		attribute.Int("task.attempt", req.Task.Attempt),
		attribute.String("bot.id", req.Bot.ID),
		attribute.String("bot.platform", string(req.Bot.Platform)),
		attribute.String("device.id", req.Device.ID),
	))
	start := time.Now()
	defer func() {
		out.Elapsed = time.Since(start)
		span.SetAttributes(attribute.String("outcome", out.Kind.String()), attribute.String("reason", string(out.Reason)))
		if out.Kind != OutcomeSuccess {
			span.SetStatus(codes.Error, string(out.Reason))
		}
		span.End()
	}()

	replies := make(chan publishReply, 1)
	go func() {
		res, err := s.safePublish(callCtx, req)
		replies <- publishReply{res: res, err: err}
	}()
	var (
		res PublishResult
		err error
	)
	select {
	case r := <-replies:
		res, err = r.res, r.err
	case <-callCtx.Done():
		err = callCtx.Err()
		go s.dropLate(req, replies)
	}
	switch {
	case err == nil && res.PlatformPostID == "":
		return Outcome{Kind: OutcomePermanent, Reason: domain.ReasonInvalidResponse, Detail: "empty platform post id", Result: res}
	case err == nil:
		return Outcome{Kind: OutcomeSuccess, Result: res}
	}
	span.RecordError(err)

	var pe panicError
	if errors.As(err, &pe) {
		return Outcome{Kind: OutcomeTransient, Reason: domain.ReasonPanic, Detail: err.Error()}
	}
	if ctx.Err() != nil {
		return Outcome{Kind: OutcomeTransient, Reason: domain.ReasonInterrupted, Detail: err.Error()}
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeTransient, Reason: domain.ReasonTimeout, Detail: fmt.Sprintf("no result within %s", cfg.ExecTimeout)}
	}
	reason, permanent, hint := Classify(err)
	kind := OutcomeTransient
	if permanent {
		kind = OutcomePermanent
	}
	return Outcome{Kind: kind, Reason: reason, Detail: err.Error(), RetryAfter: hint}
}

type publishReply struct {
	res PublishResult
	err error
}

// dropLate waits out an abandoned publish call. The attempt is already closed
// as timed out or interrupted, so the result is only logged.
func (s *Service) dropLate(req PublishRequest, replies <-chan publishReply) {
	r := <-replies
	s.log.Warn("late publish result dropped",
		logx.String("post", req.Post.ID),
		logx.String("task", req.Task.ID),
		logx.String("platform_post_id", r.res.PlatformPostID),
		logx.Err(r.err),
	)
}

type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (s *Service) safePublish(ctx context.Context, req PublishRequest) (res PublishResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("publisher panicked", logx.String("post", req.Post.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = panicError{value: r}
		}
	}()
	if s.pub == nil {
		return PublishResult{}, Permanent(domain.ReasonUnsupportedPlatform, errors.New("no publisher configured"))
	}
	return s.pub.Publish(ctx, req)
}
