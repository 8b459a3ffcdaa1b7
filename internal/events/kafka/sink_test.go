package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"pubflow/internal/config"
	"pubflow/internal/eventbus"
	logx "pubflow/pkg/logx"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestPublishKeysByPost(t *testing.T) {
	t.Parallel()
	p := &fakeProducer{}
	s := NewWithProducer(p, "pubflow.events", time.Second, logx.Nop())
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	if err := s.Publish(context.Background(), eventbus.Event{Type: eventbus.PostPublished, Time: at, PostID: "p1", Detail: "X1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rec := p.records[0]
	if rec.Topic != "pubflow.events" || string(rec.Key) != "p1" || !rec.Timestamp.Equal(at) {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Headers) != 1 || rec.Headers[0].Key != HeaderType || string(rec.Headers[0].Value) != eventbus.PostPublished {
		t.Fatalf("headers = %+v", rec.Headers)
	}
	var got eventbus.Event
	if err := json.Unmarshal(rec.Value, &got); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if got.Type != eventbus.PostPublished || got.Detail != "X1" {
		t.Fatalf("value = %+v", got)
	}
	if s.Produced() != 1 {
		t.Fatalf("Produced = %d", s.Produced())
	}
}

func TestPublishError(t *testing.T) {
	t.Parallel()
	s := NewWithProducer(&fakeProducer{err: errors.New("broker down")}, "t", time.Second, logx.Nop())
	if err := s.Publish(context.Background(), eventbus.Event{Type: eventbus.PostFailed, PostID: "p1"}); err == nil {
		t.Fatal("expected error")
	}
	if s.Failed() != 1 {
		t.Fatalf("Failed = %d", s.Failed())
	}
}

func TestRunForwardsBus(t *testing.T) {
	t.Parallel()
	p := &fakeProducer{}
	s := NewWithProducer(p, "t", time.Second, logx.Nop())
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.count() == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.PostSubmitted, PostID: "p9"})
		time.Sleep(5 * time.Millisecond)
	}
	if p.count() == 0 {
		t.Fatal("nothing produced")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(config.KafkaConfig{Topic: "t"}, logx.Nop()); err == nil {
		t.Fatal("missing brokers accepted")
	}
	if _, err := New(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", Timeout: "later"}, logx.Nop()); err == nil {
		t.Fatal("bad timeout accepted")
	}
}
