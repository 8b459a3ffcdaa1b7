package domain

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

func (s TaskStatus) Terminal() bool { return s == TaskSucceeded || s == TaskFailed }

var taskEdges = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskFailed},
	TaskRunning: {TaskSucceeded, TaskFailed},
}

// CanTransitionTask reports whether from -> to is a legal edge.
// PENDING -> FAILED covers attempts that never reached a worker (crash recovery).
func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range taskEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailureReason is a machine-readable failure category used for retry decisions.
type FailureReason string

const (
	ReasonNone FailureReason = ""

	// Transient.
	ReasonTimeout       FailureReason = "timeout"
	ReasonNetwork       FailureReason = "network"
	ReasonRateLimited   FailureReason = "rate_limited"
	ReasonPlatformError FailureReason = "platform_error"
	ReasonPanic         FailureReason = "panic"
	ReasonInterrupted   FailureReason = "interrupted"

	// Permanent.
	ReasonContentRejected     FailureReason = "content_rejected"
	ReasonAccountSuspended    FailureReason = "account_suspended"
	ReasonInvalidResponse     FailureReason = "invalid_response"
	ReasonUnsupportedPlatform FailureReason = "unsupported_platform"

	// Post-level.
	ReasonCancelled        FailureReason = "cancelled"
	ReasonRetriesExhausted FailureReason = "retries_exhausted"
)

// Permanent reports whether the category is never worth retrying.
func (r FailureReason) Permanent() bool {
	switch r {
	case ReasonContentRejected, ReasonAccountSuspended, ReasonInvalidResponse, ReasonUnsupportedPlatform, ReasonCancelled:
		return true
	}
	return false
}

// Task is one execution attempt of a Post on a device/bot pair.
type Task struct {
	ID       string     `json:"id"`
	PostID   string     `json:"post_id"`
	DeviceID string     `json:"device_id"`
	BotID    string     `json:"bot_id"`
	Attempt  int        `json:"attempt"`
	Status   TaskStatus `json:"status"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`

	// Set on SUCCEEDED so the post write can be replayed after a crash.
	PlatformPostID string `json:"platform_post_id,omitempty"`
	PlatformURL    string `json:"platform_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Start moves PENDING -> RUNNING.
func (t *Task) Start(now time.Time) error {
	if !CanTransitionTask(t.Status, TaskRunning) {
		return violation("task", t.ID, fmt.Sprintf("%s->%s", t.Status, TaskRunning), ErrInvalidTransition)
	}
	t.Status = TaskRunning
	st := now
	t.StartedAt = &st
	return nil
}

// Finish moves the task to a terminal status. Failed tasks must carry a reason.
func (t *Task) Finish(status TaskStatus, reason FailureReason, detail string, now time.Time) error {
	if !status.Terminal() {
		return violation("task", t.ID, "finish", fmt.Errorf("%s is not terminal", status))
	}
	if !CanTransitionTask(t.Status, status) {
		return violation("task", t.ID, fmt.Sprintf("%s->%s", t.Status, status), ErrInvalidTransition)
	}
	if status == TaskFailed && reason == ReasonNone {
		reason = ReasonPlatformError
	}
	if status == TaskSucceeded {
		reason, detail = ReasonNone, ""
	} else {
		t.PlatformPostID, t.PlatformURL = "", ""
	}
	t.Status = status
	t.FailureReason = reason
	t.FailureDetail = detail
	ft := now
	t.FinishedAt = &ft
	return nil
}
