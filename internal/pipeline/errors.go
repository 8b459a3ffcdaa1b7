package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pubflow/internal/domain"
)

var (
	ErrNotFound       = errors.New("pipeline: post not found")
	ErrNotCancellable = errors.New("pipeline: post is not cancellable")
	ErrInvalidRequest = errors.New("pipeline: invalid request")
	ErrStopped        = errors.New("pipeline: stopped")
)

// Permanent marks a publish failure as never worth retrying.
//
// Publishers wrap platform rejections with it so the outcome handler fails the
// post right away:
//
//	return pipeline.PublishResult{}, pipeline.Permanent(domain.ReasonContentRejected, err)
func Permanent(reason domain.FailureReason, err error) error {
	if err == nil {
		err = errors.New(string(reason))
	}
	if reason == domain.ReasonNone {
		reason = domain.ReasonPlatformError
	}
	return &classifiedError{reason: reason, permanent: true, err: err}
}

// Transient tags a retryable failure with a reason category.
func Transient(reason domain.FailureReason, err error) error {
	if err == nil {
		err = errors.New(string(reason))
	}
	if reason == domain.ReasonNone {
		reason = domain.ReasonPlatformError
	}
	return &classifiedError{reason: reason, err: err}
}

type classifiedError struct {
	reason    domain.FailureReason
	permanent bool
	err       error
}

func (e *classifiedError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *classifiedError) Unwrap() error { return e.err }

// RetryAfter attaches a minimum delay before the next attempt, typically from
// an HTTP Retry-After header. The delay is still capped by the retry policy.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Classify maps a publish error to a failure category.
//
// Unclassified errors are transient: a deadline is a timeout, a net.Error is a
// network failure, a bare retry-after hint means rate limiting, and anything
// else is a platform error.
func Classify(err error) (reason domain.FailureReason, permanent bool, retryAfter time.Duration) {
	if err == nil {
		return domain.ReasonNone, false, 0
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		retryAfter = ra.RetryAfter()
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.reason, ce.permanent, retryAfter
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ReasonTimeout, false, retryAfter
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return domain.ReasonTimeout, false, retryAfter
		}
		return domain.ReasonNetwork, false, retryAfter
	}
	if retryAfter > 0 {
		return domain.ReasonRateLimited, false, retryAfter
	}
	return domain.ReasonPlatformError, false, retryAfter
}
