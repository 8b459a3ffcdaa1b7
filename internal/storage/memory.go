package storage

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pubflow/internal/domain"
	"pubflow/internal/registry"
)

// memoryStore keeps everything in process. One mutex serializes all writes, so
// every conditional update is trivially atomic.
type memoryStore struct {
	*registry.Memory

	mu     sync.Mutex
	posts  map[string]domain.Post
	tasks  map[string]domain.Task
	byPost map[string][]string // post id -> task ids in attempt order
	queue  jobHeap
	seq    int64
	closed bool
}

// NewMemory returns an empty in-process Store.
func NewMemory() Store {
	return &memoryStore{
		Memory: registry.NewMemory(),
		posts:  map[string]domain.Post{},
		tasks:  map[string]domain.Task{},
		byPost: map[string][]string{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ---- posts ----

func (s *memoryStore) CreatePost(ctx context.Context, p domain.Post, first Job) (domain.Post, Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Post{}, Job{}, ErrDisabled
	}
	if _, ok := s.posts[p.ID]; ok {
		return domain.Post{}, Job{}, fmt.Errorf("post %s exists: %w", p.ID, ErrConflict)
	}
	p.Version = 1
	p.MediaURLs = cloneStrings(p.MediaURLs)
	s.posts[p.ID] = p

	first.PostID = p.ID
	first = s.pushLocked(normalizeJob(first, p.CreatedAt))
	return clonePost(p), first, nil
}

func (s *memoryStore) GetPost(ctx context.Context, id string) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return clonePost(p), nil
}

func (s *memoryStore) UpdatePost(ctx context.Context, p domain.Post, expectVersion int64) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.posts[p.ID]
	if !ok {
		return domain.Post{}, fmt.Errorf("post %s: %w", p.ID, ErrNotFound)
	}
	if cur.Version != expectVersion {
		return domain.Post{}, fmt.Errorf("post %s version %d != %d: %w", p.ID, cur.Version, expectVersion, ErrConflict)
	}
	p.Version = expectVersion + 1
	p.MediaURLs = cloneStrings(p.MediaURLs)
	s.posts[p.ID] = p
	return clonePost(p), nil
}

func (s *memoryStore) ListPostsByStatus(ctx context.Context, status domain.PostStatus, limit int) ([]domain.Post, error) {
	s.mu.Lock()
	out := make([]domain.Post, 0)
	for _, p := range s.posts {
		if p.Status == status {
			out = append(out, clonePost(p))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) CountPosts(ctx context.Context) (map[domain.PostStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.PostStatus]int{}
	for _, p := range s.posts {
		out[p.Status]++
	}
	return out, nil
}

// ---- tasks ----

func (s *memoryStore) CreateTask(ctx context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[t.PostID]; !ok {
		return fmt.Errorf("post %s: %w", t.PostID, ErrNotFound)
	}
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s exists: %w", t.ID, ErrConflict)
	}
	if t.Status != domain.TaskPending {
		return fmt.Errorf("task %s created as %s: %w", t.ID, t.Status, ErrConflict)
	}
	maxAttempt := 0
	for _, id := range s.byPost[t.PostID] {
		prev := s.tasks[id]
		if !prev.Status.Terminal() {
			return fmt.Errorf("post %s has %s task %s: %w", t.PostID, prev.Status, prev.ID, ErrConflict)
		}
		if prev.Attempt > maxAttempt {
			maxAttempt = prev.Attempt
		}
	}
	if t.Attempt != maxAttempt+1 {
		return fmt.Errorf("post %s attempt %d, want %d: %w", t.PostID, t.Attempt, maxAttempt+1, ErrConflict)
	}
	s.tasks[t.ID] = t
	s.byPost[t.PostID] = append(s.byPost[t.PostID], t.ID)
	return nil
}

func (s *memoryStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *memoryStore) StartTask(ctx context.Context, id string, now time.Time) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != domain.TaskPending {
		return domain.Task{}, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrConflict)
	}
	for _, other := range s.byPost[t.PostID] {
		if other != id && s.tasks[other].Status == domain.TaskRunning {
			return domain.Task{}, fmt.Errorf("post %s already has running task %s: %w", t.PostID, other, ErrConflict)
		}
	}
	if err := t.Start(now); err != nil {
		return domain.Task{}, err
	}
	s.tasks[id] = t
	return t, nil
}

func (s *memoryStore) FinishTask(ctx context.Context, t domain.Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("task %s finish with %s: %w", t.ID, t.Status, ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("task %s already %s: %w", t.ID, cur.Status, ErrConflict)
	}
	cur.Status = t.Status
	cur.FailureReason = t.FailureReason
	cur.FailureDetail = t.FailureDetail
	cur.PlatformPostID = t.PlatformPostID
	cur.PlatformURL = t.PlatformURL
	cur.FinishedAt = t.FinishedAt
	if cur.StartedAt == nil {
		cur.StartedAt = t.StartedAt
	}
	s.tasks[t.ID] = cur
	return nil
}

func (s *memoryStore) ListTasks(ctx context.Context, postID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byPost[postID]
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *memoryStore) ListTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	out := make([]domain.Task, 0)
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.TaskStatus]int{}
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// ---- queue ----

func (s *memoryStore) Enqueue(ctx context.Context, j Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Job{}, ErrDisabled
	}
	return s.pushLocked(normalizeJob(j, time.Now())), nil
}

func (s *memoryStore) Requeue(ctx context.Context, j Job, at time.Time) (Job, error) {
	j.Seq = 0
	j.ScheduledAt = at
	j.EnqueuedAt = time.Time{}
	return s.Enqueue(ctx, j)
}

func (s *memoryStore) pushLocked(j Job) Job {
	s.seq++
	j.Seq = s.seq
	heap.Push(&s.queue, j)
	return j
}

func (s *memoryStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for len(out) < limit && s.queue.Len() > 0 && !s.queue[0].ScheduledAt.After(now) {
		out = append(out, heap.Pop(&s.queue).(Job))
	}
	return out, nil
}

func (s *memoryStore) RemoveJobs(ctx context.Context, postID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	removed := 0
	for _, j := range s.queue {
		if j.PostID == postID {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	s.queue = kept
	heap.Init(&s.queue)
	return removed, nil
}

func (s *memoryStore) HasJob(ctx context.Context, postID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.queue {
		if j.PostID == postID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) QueueDepth(ctx context.Context, now time.Time) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := 0
	for _, j := range s.queue {
		if !j.ScheduledAt.After(now) {
			due++
		}
	}
	return s.queue.Len(), due, nil
}

func (s *memoryStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return time.Time{}, false, nil
	}
	return s.queue[0].ScheduledAt, true, nil
}

// jobHeap orders by (ScheduledAt, Seq).
type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].Seq < h[j].Seq
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func clonePost(p domain.Post) domain.Post {
	p.MediaURLs = cloneStrings(p.MediaURLs)
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		p.PublishedAt = &t
	}
	return p
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
