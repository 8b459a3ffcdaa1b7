// Package eventbus fans pipeline lifecycle events out to sinks (Kafka, alerts,
// metrics) without coupling the pipeline to any of them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	PostSubmitted      = "post.submitted"
	PostCancelled      = "post.cancelled"
	JobDeferred        = "job.deferred"
	TaskStarted        = "task.started"
	TaskFinished       = "task.finished"
	PostRetryScheduled = "post.retry_scheduled"
	PostPublished      = "post.published"
	PostFailed         = "post.failed"
	InvariantViolation = "invariant.violation"
)

// Event is one lifecycle signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	PostID   string    `json:"post_id,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	BotID    string    `json:"bot_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	Platform string    `json:"platform,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	// Delay is the retry backoff or deferral delay, when relevant.
	Delay time.Duration `json:"delay,omitempty"`
	// Elapsed is the publish call duration on task.finished.
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }
