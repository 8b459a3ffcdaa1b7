package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/domain"
	"pubflow/internal/runtime/supervisor"
)

// Config is the runtime configuration of the pipeline. Zero fields take the
// defaults documented on config.PipelineConfig.
type Config struct {
	Workers          int
	PollInterval     time.Duration
	ExecTimeout      time.Duration
	EligibilityDelay time.Duration
	ShutdownTimeout  time.Duration

	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// CircuitThreshold is the number of consecutive transient failures that
	// opens a bot's circuit. 0 disables the breaker.
	CircuitThreshold   int
	CircuitCooldown    time.Duration
	CircuitMaxCooldown time.Duration

	PlatformLimits map[domain.Platform]RateLimit

	// RecoverySchedule is a cron spec for periodic repair sweeps. Empty means
	// only the startup sweep runs.
	RecoverySchedule string
	RecoveryDisabled bool
}

// RateLimit caps publish calls per platform. PerSec 0 means unlimited.
type RateLimit struct {
	PerSec float64
	Burst  int
}

// FromConfig builds a pipeline Config from the daemon config.
func FromConfig(cfg *config.Config) (Config, error) {
	s, err := cfg.Pipeline.Resolve()
	if err != nil {
		return Config{}, err
	}
	out := Config{
		Workers:            s.Workers,
		PollInterval:       s.PollInterval,
		ExecTimeout:        s.ExecTimeout,
		EligibilityDelay:   s.EligibilityDelay,
		ShutdownTimeout:    s.ShutdownTimeout,
		MaxAttempts:        s.MaxAttempts,
		RetryBase:          s.RetryBase,
		RetryMaxDelay:      s.RetryMaxDelay,
		RetryJitter:        s.RetryJitter,
		CircuitThreshold:   s.CircuitThreshold,
		CircuitCooldown:    s.CircuitCooldown,
		CircuitMaxCooldown: s.CircuitMaxCooldown,
		RecoveryDisabled:   !cfg.Recovery.RecoveryEnabled(),
		RecoverySchedule:   cfg.Recovery.ScheduleOrDefault(),
	}
	if len(cfg.Platforms) > 0 {
		out.PlatformLimits = make(map[domain.Platform]RateLimit, len(cfg.Platforms))
		for name, p := range cfg.Platforms {
			out.PlatformLimits[domain.ParsePlatform(name)] = RateLimit{PerSec: p.RatePerSec, Burst: p.Burst}
		}
	}
	return out, nil
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 2 * time.Minute
	}
	if c.EligibilityDelay <= 0 {
		c.EligibilityDelay = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.CircuitMaxCooldown < c.CircuitCooldown {
		c.CircuitMaxCooldown = c.CircuitCooldown
	}
	return c
}

// SubmitRequest is a publish request from the API layer.
type SubmitRequest struct {
	BotID     string   `json:"bot_id"`
	ContentID string   `json:"content_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	// ScheduledAt nil (or in the past) means publish as soon as possible.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.BotID) == "" {
		return fmt.Errorf("%w: bot_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ContentID) == "" && strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: content_id or text is required", ErrInvalidRequest)
	}
	for i, raw := range r.MediaURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: media_urls[%d] must be an absolute http(s) URL", ErrInvalidRequest, i)
		}
	}
	return nil
}

// PostStatusView is a post with its attempt history, oldest first.
type PostStatusView struct {
	Post  domain.Post   `json:"post"`
	Tasks []domain.Task `json:"tasks"`
}

// PublishRequest is everything a publisher needs for one attempt.
type PublishRequest struct {
	Post   domain.Post
	Task   domain.Task
	Bot    domain.Bot
	Device domain.Device
}

type PublishResult struct {
	PlatformPostID string            `json:"platform_post_id"`
	PlatformURL    string            `json:"platform_url,omitempty"`
	Engagement     domain.Engagement `json:"engagement"`
}

// Publisher performs the platform call for one attempt. It classifies failures
// with Permanent, Transient and RetryAfter; it never decides retries.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)
}

type PublisherFunc func(ctx context.Context, req PublishRequest) (PublishResult, error)

func (f PublisherFunc) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	return f(ctx, req)
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Outcome is the worker's classification of one attempt.
type Outcome struct {
	Kind       OutcomeKind
	Result     PublishResult
	Reason     domain.FailureReason
	Detail     string
	RetryAfter time.Duration
	Elapsed    time.Duration
}

// Stats is a point-in-time view for ops tooling.
type Stats struct {
	Now       time.Time `json:"now"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Running   bool      `json:"running"`

	Workers    int        `json:"workers"`
	InFlight   int        `json:"in_flight"`
	QueueDepth int        `json:"queue_depth"`
	DueNow     int        `json:"due_now"`
	NextDue    *time.Time `json:"next_due,omitempty"`

	Posts map[domain.PostStatus]int `json:"posts"`
	Tasks map[domain.TaskStatus]int `json:"tasks"`

	Devices []DeviceStats `json:"devices"`
	Bots    []BotStats    `json:"bots"`

	Counters      Counters             `json:"counters"`
	EventsDropped uint64               `json:"events_dropped"`
	Routines      []supervisor.Routine `json:"routines,omitempty"`
}

type DeviceStats struct {
	ID          string              `json:"id"`
	Name        string              `json:"name,omitempty"`
	Status      domain.DeviceStatus `json:"status"`
	InUse       int                 `json:"in_use"`
	Capacity    int                 `json:"capacity"`
	Utilization float64             `json:"utilization"`
}

type BotStats struct {
	ID                  string           `json:"id"`
	DeviceID            string           `json:"device_id"`
	Platform            domain.Platform  `json:"platform"`
	Status              domain.BotStatus `json:"status"`
	CircuitOpen         bool             `json:"circuit_open"`
	CircuitOpenUntil    *time.Time       `json:"circuit_open_until,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures,omitempty"`
}

// Counters are monotonic since process start.
type Counters struct {
	Submitted  uint64 `json:"submitted"`
	Claimed    uint64 `json:"claimed"`
	Dispatched uint64 `json:"dispatched"`
	Deferred   uint64 `json:"deferred"`
	Retries    uint64 `json:"retries"`
	Published  uint64 `json:"published"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
	Violations uint64 `json:"violations"`
	Recovered  uint64 `json:"recovered"`
}

// RecoveryReport summarizes one repair sweep.
type RecoveryReport struct {
	InterruptedTasks int `json:"interrupted_tasks"`
	RepairedPosts    int `json:"repaired_posts"`
	Requeued         int `json:"requeued"`
	SlotsReleased    int `json:"slots_released"`
}

func (r RecoveryReport) Empty() bool { return r == RecoveryReport{} }
