package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for an empty or zero duration.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// PipelineSettings is PipelineConfig with defaults applied and durations parsed.
type PipelineSettings struct {
	Workers          int
	PollInterval     time.Duration
	ExecTimeout      time.Duration
	EligibilityDelay time.Duration
	ShutdownTimeout  time.Duration
	MaxAttempts      int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	CircuitThreshold   int // 0 disables the breaker
	CircuitCooldown    time.Duration
	CircuitMaxCooldown time.Duration
}

func (c PipelineConfig) Resolve() (PipelineSettings, error) {
	out := PipelineSettings{
		Workers:          c.Workers,
		MaxAttempts:      c.MaxAttempts,
		RetryJitter:      c.RetryJitter,
		CircuitThreshold: c.Circuit.Threshold,
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.RetryJitter < 0 || out.RetryJitter > 1 {
		return out, fmt.Errorf("pipeline.retry_jitter: must be within [0,1], got %v", out.RetryJitter)
	}
	switch {
	case out.CircuitThreshold == 0:
		out.CircuitThreshold = 5
	case out.CircuitThreshold < 0:
		out.CircuitThreshold = 0 // disabled
	}

	var err error
	durs := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"pipeline.poll_interval", c.PollInterval, time.Second, &out.PollInterval},
		{"pipeline.exec_timeout", c.ExecTimeout, 2 * time.Minute, &out.ExecTimeout},
		{"pipeline.eligibility_delay", c.EligibilityDelay, 5 * time.Second, &out.EligibilityDelay},
		{"pipeline.shutdown_timeout", c.ShutdownTimeout, 30 * time.Second, &out.ShutdownTimeout},
		{"pipeline.retry_base", c.RetryBase, 2 * time.Second, &out.RetryBase},
		{"pipeline.retry_max_delay", c.RetryMaxDelay, 5 * time.Minute, &out.RetryMaxDelay},
		{"pipeline.circuit.cooldown", c.Circuit.Cooldown, 30 * time.Second, &out.CircuitCooldown},
		{"pipeline.circuit.max_cooldown", c.Circuit.MaxCooldown, 10 * time.Minute, &out.CircuitMaxCooldown},
	}
	for _, d := range durs {
		if *d.dst, err = ParseDurationOrDefault(d.path, d.raw, d.def); err != nil {
			return out, err
		}
	}
	if out.RetryMaxDelay < out.RetryBase {
		return out, fmt.Errorf("pipeline.retry_max_delay (%s) < retry_base (%s)", out.RetryMaxDelay, out.RetryBase)
	}
	return out, nil
}

// RecoveryEnabled defaults to true.
func (c RecoveryConfig) RecoveryEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c RecoveryConfig) ScheduleOrDefault() string {
	if s := strings.TrimSpace(c.Schedule); s != "" {
		return s
	}
	return "@every 1m"
}

func (c OpsConfig) AddrOrDefault() string {
	if s := strings.TrimSpace(c.Addr); s != "" {
		return s
	}
	return "127.0.0.1:8089"
}

// Validate checks everything that can be checked without side effects.
// It is also the reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := cfg.Pipeline.Resolve(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	for name, p := range cfg.Platforms {
		if p.RatePerSec < 0 || p.Burst < 0 {
			errs = append(errs, fmt.Errorf("platforms.%s: rate_per_sec and burst must be >= 0", name))
		}
		switch strings.ToLower(strings.TrimSpace(p.Publisher)) {
		case "", "agent", "dryrun", "disabled":
		default:
			errs = append(errs, fmt.Errorf("platforms.%s.publisher: unknown %q", name, p.Publisher))
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Publisher.Mode)) {
	case "", "dryrun", "agent":
	default:
		errs = append(errs, fmt.Errorf("publisher.mode: unknown %q", cfg.Publisher.Mode))
	}
	if _, err := ParseDurationField("publisher.agent_timeout", cfg.Publisher.AgentTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("publisher.dryrun_latency", cfg.Publisher.DryRunLatency); err != nil {
		errs = append(errs, err)
	}
	if cfg.Recovery.RecoveryEnabled() {
		if _, err := cron.ParseStandard(cfg.Recovery.ScheduleOrDefault()); err != nil {
			errs = append(errs, fmt.Errorf("recovery.schedule: %w", err))
		}
	}
	if k := cfg.Kafka; k != nil && k.Enabled {
		if len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "" {
			errs = append(errs, errors.New("kafka: brokers and topic are required"))
		}
		if _, err := ParseDurationField("kafka.timeout", k.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.TelegramToken) == "" || n.ChatID == 0 {
			errs = append(errs, errors.New("notifier: telegram_token and chat_id are required"))
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			errs = append(errs, err)
		}
	}
	if r := cfg.Registry; r != nil {
		for i, d := range r.Devices {
			if strings.TrimSpace(d.ID) == "" {
				errs = append(errs, fmt.Errorf("registry.devices[%d]: id is required", i))
			}
		}
		for i, b := range r.Bots {
			if strings.TrimSpace(b.ID) == "" || strings.TrimSpace(b.DeviceID) == "" {
				errs = append(errs, fmt.Errorf("registry.bots[%d]: id and device_id are required", i))
			}
		}
	}
	return errors.Join(errs...)
}
