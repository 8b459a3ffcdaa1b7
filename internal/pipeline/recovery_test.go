package pipeline

import (
	"context"
	"testing"
	"time"

	"pubflow/internal/domain"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

// crashMidAttempt leaves the store the way a process killed during a publish
// call would: post PUBLISHING, task RUNNING, device slot held, no job.
func crashMidAttempt(t *testing.T, st storage.Store, postID string) domain.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	p := domain.NewPost(postID, "b1", now, time.Time{})
	p.Text = "x"
	if _, _, err := st.CreatePost(ctx, p, storage.Job{Attempt: 1}); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if jobs, err := st.ClaimDue(ctx, 10, time.Now()); err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDue = %v, %v", jobs, err)
	}
	p, err := st.GetPost(ctx, postID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	next := p
	if err := next.Transition(domain.PostPublishing, now); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := st.UpdatePost(ctx, next, p.Version); err != nil {
		t.Fatalf("UpdatePost: %v", err)
	}
	if _, err := st.AcquireDeviceSlot(ctx, "d1"); err != nil {
		t.Fatalf("AcquireDeviceSlot: %v", err)
	}
	task := domain.Task{ID: postID + "-t1", PostID: postID, DeviceID: "d1", BotID: "b1", Attempt: 1, Status: domain.TaskPending, ScheduledAt: now, CreatedAt: now}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task, err = st.StartTask(ctx, task.ID, now)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	return task
}

func TestStartupRecoveryRetriesInterruptedAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	crashMidAttempt(t, st, "p-crash")

	svc := startService(t, testConfig(), st, newScript(st, succeed("PX8")))
	view := waitForStatus(t, svc, "p-crash", domain.PostPublished)
	if len(view.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(view.Tasks))
	}
	if view.Tasks[0].Status != domain.TaskFailed || view.Tasks[0].FailureReason != domain.ReasonInterrupted {
		t.Fatalf("first task = %+v", view.Tasks[0])
	}
	if view.Tasks[1].Attempt != 2 || view.Tasks[1].Status != domain.TaskSucceeded {
		t.Fatalf("second task = %+v", view.Tasks[1])
	}
	d, err := st.GetDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.InUse != 0 {
		t.Fatalf("device in_use = %d after recovery", d.InUse)
	}
}

func TestRecoveryReplaysSucceededTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	task := crashMidAttempt(t, st, "p-done")
	task.PlatformPostID = "PX9"
	if err := task.Finish(domain.TaskSucceeded, domain.ReasonNone, "", time.Now()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := st.FinishTask(ctx, task); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	svc := New(testConfig(), st, nil, WithLogger(logx.Nop()))
	rep := svc.recoverOnce(ctx, true)
	if rep.RepairedPosts != 1 || rep.SlotsReleased != 1 || rep.InterruptedTasks != 0 {
		t.Fatalf("report = %+v", rep)
	}
	post, err := st.GetPost(ctx, "p-done")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Status != domain.PostPublished || post.PlatformPostID != "PX9" {
		t.Fatalf("post = %+v", post)
	}

	if rep := svc.recoverOnce(ctx, false); !rep.Empty() {
		t.Fatalf("second sweep = %+v, want empty", rep)
	}
}

func TestRecoveryRequeuesScheduledPostWithoutJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	at := time.Now().Add(time.Hour)
	p := domain.NewPost("p-lost", "b1", time.Now(), at)
	p.Text = "x"
	if _, _, err := st.CreatePost(ctx, p, storage.Job{Attempt: 1, ScheduledAt: at}); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if n, err := st.RemoveJobs(ctx, "p-lost"); err != nil || n != 1 {
		t.Fatalf("RemoveJobs = %d, %v", n, err)
	}

	svc := New(testConfig(), st, nil, WithLogger(logx.Nop()))
	if rep := svc.recoverOnce(ctx, false); rep.Requeued != 1 {
		t.Fatalf("report = %+v", rep)
	}
	next, ok, err := st.NextDue(ctx)
	if err != nil || !ok {
		t.Fatalf("NextDue = %v, %v, %v", next, ok, err)
	}
	if !next.Equal(at) {
		t.Fatalf("requeued at %v, want original schedule %v", next, at)
	}
}

func TestRecoverySkipsPostsOwnedByThisProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newStore(t)
	crashMidAttempt(t, st, "p-live")

	svc := New(testConfig(), st, nil, WithLogger(logx.Nop()))
	svc.claimActive("p-live")
	if rep := svc.recoverOnce(ctx, false); rep.InterruptedTasks != 0 || rep.RepairedPosts != 0 {
		t.Fatalf("report = %+v", rep)
	}
	post, err := st.GetPost(ctx, "p-live")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Status != domain.PostPublishing {
		t.Fatalf("status = %s", post.Status)
	}
}
