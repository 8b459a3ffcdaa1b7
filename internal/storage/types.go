package storage

import (
	"context"
	"errors"
	"time"

	"pubflow/internal/domain"
	"pubflow/internal/registry"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional write lost: version mismatch,
	// unexpected task status, non-contiguous attempt.
	ErrConflict = errors.New("storage: conflict")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means driver default
}

// Job is the pending descriptor of one publish attempt.
type Job struct {
	Seq         int64     `json:"seq"`
	PostID      string    `json:"post_id"`
	Attempt     int       `json:"attempt"`
	ScheduledAt time.Time `json:"scheduled_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Store is the persistence contract used by the pipeline. It also serves as the
// device/bot registry so slot accounting lives next to the task rows.
type Store interface {
	registry.Admin

	// CreatePost inserts p (version 1) together with its first job, atomically.
	CreatePost(ctx context.Context, p domain.Post, first Job) (domain.Post, Job, error)
	GetPost(ctx context.Context, id string) (domain.Post, error)
	// UpdatePost writes p if the stored version equals expectVersion and returns
	// the post with its new version. ErrConflict otherwise.
	UpdatePost(ctx context.Context, p domain.Post, expectVersion int64) (domain.Post, error)
	ListPostsByStatus(ctx context.Context, status domain.PostStatus, limit int) ([]domain.Post, error)
	CountPosts(ctx context.Context) (map[domain.PostStatus]int, error)

	// CreateTask inserts a PENDING task. The attempt must be exactly one above the
	// post's highest attempt and the post must have no non-terminal task.
	CreateTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	// StartTask moves PENDING -> RUNNING unless another task of the post is RUNNING.
	StartTask(ctx context.Context, id string, now time.Time) (domain.Task, error)
	// FinishTask persists a terminal task. The stored row must still be PENDING or RUNNING.
	FinishTask(ctx context.Context, t domain.Task) error
	ListTasks(ctx context.Context, postID string) ([]domain.Task, error)
	ListTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
	CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error)

	Enqueue(ctx context.Context, j Job) (Job, error)
	// ClaimDue removes and returns up to limit jobs with ScheduledAt <= now ordered by
	// (ScheduledAt, Seq). A job is handed to exactly one caller. Never blocks on an empty queue.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error)
	// Requeue re-inserts j at a new time with a fresh sequence number.
	Requeue(ctx context.Context, j Job, at time.Time) (Job, error)
	RemoveJobs(ctx context.Context, postID string) (int, error)
	HasJob(ctx context.Context, postID string) (bool, error)
	QueueDepth(ctx context.Context, now time.Time) (total, due int, err error)
	NextDue(ctx context.Context) (time.Time, bool, error)

	Close() error
}

func normalizeJob(j Job, now time.Time) Job {
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	if j.Attempt <= 0 {
		j.Attempt = 1
	}
	return j
}
