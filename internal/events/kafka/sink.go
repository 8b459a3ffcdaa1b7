// Package kafka mirrors pipeline lifecycle events to a Kafka topic.
//
// Records are keyed by post id so every event of one post lands on the same
// partition in order. The value is the JSON event; the event type is also
// carried in a header for consumers that filter without decoding.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"pubflow/internal/config"
	"pubflow/internal/eventbus"
	logx "pubflow/pkg/logx"
)

const HeaderType = "type"

// Producer is the part of *kgo.Client the sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type Sink struct {
	producer Producer
	client   *kgo.Client // nil when built around a caller's producer
	topic    string
	timeout  time.Duration
	log      logx.Logger

	produced atomic.Uint64
	failed   atomic.Uint64
}

// New connects to the configured brokers.
func New(cfg config.KafkaConfig, log logx.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	timeout, err := config.ParseDurationOrDefault("kafka.timeout", cfg.Timeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pubflow"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	s := NewWithProducer(client, cfg.Topic, timeout, log)
	s.client = client
	return s, nil
}

func NewWithProducer(p Producer, topic string, timeout time.Duration, log logx.Logger) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		producer: p,
		topic:    topic,
		timeout:  timeout,
		log:      log.With(logx.String("comp", "events.kafka"), logx.String("topic", topic)),
	}
}

func (s *Sink) record(e eventbus.Event) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &kgo.Record{
		Topic:     s.topic,
		Key:       []byte(e.PostID),
		Value:     value,
		Timestamp: e.Time,
		Headers:   []kgo.RecordHeader{{Key: HeaderType, Value: []byte(e.Type)}},
	}, nil
}

// Publish produces one event and waits for the broker ack.
func (s *Sink) Publish(ctx context.Context, e eventbus.Event) error {
	rec, err := s.record(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("publish event: %w", err)
	}
	s.produced.Add(1)
	return nil
}

// Run forwards every bus event until ctx ends. Produce failures are logged and
// skipped; the bus never waits on Kafka.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Publish(ctx, e); err != nil && ctx.Err() == nil {
				s.log.Warn("event not produced", logx.String("type", e.Type), logx.String("post_id", e.PostID), logx.Err(err))
			}
		}
	}
}

func (s *Sink) Produced() uint64 { return s.produced.Load() }
func (s *Sink) Failed() uint64   { return s.failed.Load() }

// Close closes the client New created.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
