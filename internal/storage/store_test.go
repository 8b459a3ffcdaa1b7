package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pubflow/internal/domain"
	"pubflow/internal/registry"
)

// eachBackend runs fn against every backend that needs no external service.
func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pubflow.db")}, nilLogger)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
	for name, open := range backends {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func seedPost(t *testing.T, st Store, id string, at time.Time) (domain.Post, Job) {
	t.Helper()
	p := domain.NewPost(id, "bot-1", at, at)
	p.Text = "hello"
	p.MediaURLs = []string{"https://cdn.example.com/a.png"}
	p, j, err := st.CreatePost(context.Background(), p, Job{Attempt: 1, ScheduledAt: p.ScheduledAt})
	if err != nil {
		t.Fatalf("CreatePost(%s): %v", id, err)
	}
	return p, j
}

func TestStorePostRoundTripAndVersioning(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		p, j := seedPost(t, st, "p1", now)
		if p.Version != 1 || j.Seq == 0 || j.PostID != "p1" {
			t.Fatalf("unexpected create result: post=%+v job=%+v", p, j)
		}

		got, err := st.GetPost(ctx, "p1")
		if err != nil {
			t.Fatalf("GetPost: %v", err)
		}
		if got.Text != "hello" || len(got.MediaURLs) != 1 || !got.ScheduledAt.Equal(now) || got.Status != domain.PostScheduled {
			t.Fatalf("round trip mismatch: %+v", got)
		}

		got.CancelRequested = true
		upd, err := st.UpdatePost(ctx, got, got.Version)
		if err != nil {
			t.Fatalf("UpdatePost: %v", err)
		}
		if upd.Version != 2 {
			t.Fatalf("version = %d, want 2", upd.Version)
		}
		if _, err := st.UpdatePost(ctx, got, 1); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update err = %v, want ErrConflict", err)
		}
		if _, err := st.GetPost(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetPost(missing) err = %v, want ErrNotFound", err)
		}

		counts, err := st.CountPosts(ctx)
		if err != nil || counts[domain.PostScheduled] != 1 {
			t.Fatalf("CountPosts = %v, %v", counts, err)
		}
	})
}

func TestStoreQueueOrderingAndClaim(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Unix(1_700_000_000, 0)
		seedPost(t, st, "late", base.Add(2*time.Second))
		seedPost(t, st, "a", base)
		seedPost(t, st, "b", base)
		seedPost(t, st, "future", base.Add(time.Hour))

		total, due, err := st.QueueDepth(ctx, base.Add(5*time.Second))
		if err != nil || total != 4 || due != 3 {
			t.Fatalf("QueueDepth = %d/%d, %v; want 4/3", total, due, err)
		}
		next, ok, err := st.NextDue(ctx)
		if err != nil || !ok || !next.Equal(base) {
			t.Fatalf("NextDue = %v %v %v", next, ok, err)
		}

		jobs, err := st.ClaimDue(ctx, 2, base.Add(5*time.Second))
		if err != nil {
			t.Fatalf("ClaimDue: %v", err)
		}
		if len(jobs) != 2 || jobs[0].PostID != "a" || jobs[1].PostID != "b" {
			t.Fatalf("claimed %+v, want a then b", jobs)
		}
		jobs, err = st.ClaimDue(ctx, 10, base.Add(5*time.Second))
		if err != nil || len(jobs) != 1 || jobs[0].PostID != "late" {
			t.Fatalf("second claim = %+v, %v", jobs, err)
		}
		jobs, err = st.ClaimDue(ctx, 10, base.Add(5*time.Second))
		if err != nil || len(jobs) != 0 {
			t.Fatalf("not-yet-due claim = %+v, %v; want empty", jobs, err)
		}

		if ok, _ := st.HasJob(ctx, "future"); !ok {
			t.Fatal("HasJob(future) = false")
		}
		n, err := st.RemoveJobs(ctx, "future")
		if err != nil || n != 1 {
			t.Fatalf("RemoveJobs = %d, %v", n, err)
		}
		if _, ok, _ := st.NextDue(ctx); ok {
			t.Fatal("queue should be empty")
		}
	})
}

func TestStoreRequeueGetsNewSeq(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		_, j := seedPost(t, st, "p1", now)
		claimed, err := st.ClaimDue(ctx, 1, now)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("ClaimDue = %v, %v", claimed, err)
		}
		rj, err := st.Requeue(ctx, claimed[0], now.Add(5*time.Second))
		if err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		if rj.Seq <= j.Seq || rj.Attempt != 1 || !rj.ScheduledAt.Equal(now.Add(5*time.Second)) {
			t.Fatalf("requeued job = %+v (orig seq %d)", rj, j.Seq)
		}
	})
}

func TestStoreConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		const n = 40
		for i := 0; i < n; i++ {
			seedPost(t, st, fmt.Sprintf("p%02d", i), now)
		}

		var (
			mu   sync.Mutex
			seen = map[int64]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					jobs, err := st.ClaimDue(ctx, 3, now)
					if err != nil {
						t.Errorf("ClaimDue: %v", err)
						return
					}
					if len(jobs) == 0 {
						return
					}
					mu.Lock()
					for _, j := range jobs {
						seen[j.Seq]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(seen) != n {
			t.Fatalf("claimed %d distinct jobs, want %d", len(seen), n)
		}
		for seq, c := range seen {
			if c != 1 {
				t.Fatalf("job %d claimed %d times", seq, c)
			}
		}
	})
}

func TestStoreTaskAttemptsAndSingleRunning(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Unix(1_700_000_000, 0)
		seedPost(t, st, "p1", now)

		mk := func(id string, attempt int) domain.Task {
			return domain.Task{ID: id, PostID: "p1", DeviceID: "d1", BotID: "bot-1", Attempt: attempt,
				Status: domain.TaskPending, ScheduledAt: now, CreatedAt: now}
		}
		if err := st.CreateTask(ctx, mk("t2", 2)); !errors.Is(err, ErrConflict) {
			t.Fatalf("attempt 2 first: err = %v, want ErrConflict", err)
		}
		if err := st.CreateTask(ctx, mk("t1", 1)); err != nil {
			t.Fatalf("CreateTask(t1): %v", err)
		}
		if err := st.CreateTask(ctx, mk("t2", 2)); !errors.Is(err, ErrConflict) {
			t.Fatalf("second open task: err = %v, want ErrConflict", err)
		}

		t1, err := st.StartTask(ctx, "t1", now)
		if err != nil || t1.Status != domain.TaskRunning || t1.StartedAt == nil {
			t.Fatalf("StartTask = %+v, %v", t1, err)
		}
		if _, err := st.StartTask(ctx, "t1", now); !errors.Is(err, ErrConflict) {
			t.Fatalf("double start err = %v, want ErrConflict", err)
		}

		if err := t1.Finish(domain.TaskFailed, domain.ReasonTimeout, "deadline", now.Add(time.Second)); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		if err := st.FinishTask(ctx, t1); err != nil {
			t.Fatalf("FinishTask: %v", err)
		}
		if err := st.FinishTask(ctx, t1); !errors.Is(err, ErrConflict) {
			t.Fatalf("second finish err = %v, want ErrConflict", err)
		}

		if err := st.CreateTask(ctx, mk("t2", 2)); err != nil {
			t.Fatalf("CreateTask(t2): %v", err)
		}
		tasks, err := st.ListTasks(ctx, "p1")
		if err != nil || len(tasks) != 2 {
			t.Fatalf("ListTasks = %v, %v", tasks, err)
		}
		if tasks[0].Attempt != 1 || tasks[0].FailureReason != domain.ReasonTimeout || tasks[0].FinishedAt == nil {
			t.Fatalf("task 1 = %+v", tasks[0])
		}
		pending, err := st.ListTasksByStatus(ctx, domain.TaskPending, 0)
		if err != nil || len(pending) != 1 || pending[0].ID != "t2" {
			t.Fatalf("ListTasksByStatus(PENDING) = %v, %v", pending, err)
		}
		counts, _ := st.CountTasks(ctx)
		if counts[domain.TaskFailed] != 1 || counts[domain.TaskPending] != 1 {
			t.Fatalf("CountTasks = %v", counts)
		}
	})
}

func TestStoreDeviceSlots(t *testing.T) {
	t.Parallel()
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.UpsertDevice(ctx, domain.Device{ID: "d1", Status: domain.DeviceOnline, Capacity: 2}); err != nil {
			t.Fatalf("UpsertDevice: %v", err)
		}
		if err := st.UpsertBot(ctx, domain.Bot{ID: "b1", DeviceID: "d1", Platform: "twitter", Status: domain.BotActive}); err != nil {
			t.Fatalf("UpsertBot: %v", err)
		}
		b, err := st.GetBot(ctx, "b1")
		if err != nil || b.Platform != domain.PlatformTwitter {
			t.Fatalf("GetBot = %+v, %v", b, err)
		}

		if _, err := st.AcquireDeviceSlot(ctx, "d1"); err != nil {
			t.Fatalf("acquire 1: %v", err)
		}
		d, err := st.AcquireDeviceSlot(ctx, "d1")
		if err != nil || d.InUse != 2 || d.Status != domain.DeviceBusy {
			t.Fatalf("acquire 2 = %+v, %v", d, err)
		}
		if _, err := st.AcquireDeviceSlot(ctx, "d1"); !errors.Is(err, registry.ErrAtCapacity) {
			t.Fatalf("acquire 3 err = %v, want ErrAtCapacity", err)
		}
		if err := st.ReleaseDeviceSlot(ctx, "d1"); err != nil {
			t.Fatalf("release: %v", err)
		}
		d, _ = st.GetDevice(ctx, "d1")
		if d.InUse != 1 || d.Status != domain.DeviceOnline {
			t.Fatalf("after release = %+v", d)
		}

		if err := st.SetDeviceStatus(ctx, "d1", domain.DeviceOffline); err != nil {
			t.Fatalf("SetDeviceStatus: %v", err)
		}
		if _, err := st.AcquireDeviceSlot(ctx, "d1"); !errors.Is(err, registry.ErrUnavailable) {
			t.Fatalf("acquire offline err = %v, want ErrUnavailable", err)
		}
		if _, err := st.AcquireDeviceSlot(ctx, "nope"); !errors.Is(err, registry.ErrNotFound) {
			t.Fatalf("acquire unknown err = %v, want ErrNotFound", err)
		}
		if err := st.SetBotStatus(ctx, "nope", domain.BotActive); !errors.Is(err, registry.ErrNotFound) {
			t.Fatalf("SetBotStatus(unknown) err = %v", err)
		}
	})
}
