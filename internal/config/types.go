package config

// Config is the daemon configuration. It is loaded from JSON or YAML; unknown
// keys are rejected. All durations are Go duration strings ("500ms", "2m").
type Config struct {
	Logging   LoggingConfig             `json:"logging"`
	Storage   StorageConfig             `json:"storage"`
	Pipeline  PipelineConfig            `json:"pipeline"`
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`
	Publisher PublisherConfig           `json:"publisher"`
	Recovery  RecoveryConfig            `json:"recovery"`
	Ops       OpsConfig                 `json:"ops"`
	Registry  *RegistryConfig           `json:"registry,omitempty"`
	Kafka     *KafkaConfig              `json:"kafka,omitempty"`
	Notifier  *NotifierConfig           `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the system of record.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pubflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// PipelineConfig controls scheduling, execution and retries.
//
// Defaults (when omitted or zero):
//   - workers: 4
//   - poll_interval: "1s"
//   - exec_timeout: "2m"
//   - eligibility_delay: "5s"
//   - shutdown_timeout: "30s"
//   - max_attempts: 3
//   - retry_base: "2s", retry_max_delay: "5m", retry_jitter: 0
type PipelineConfig struct {
	Workers          int     `json:"workers,omitempty"`
	PollInterval     string  `json:"poll_interval,omitempty"`
	ExecTimeout      string  `json:"exec_timeout,omitempty"`
	EligibilityDelay string  `json:"eligibility_delay,omitempty"`
	ShutdownTimeout  string  `json:"shutdown_timeout,omitempty"`
	MaxAttempts      int     `json:"max_attempts,omitempty"`
	RetryBase        string  `json:"retry_base,omitempty"`
	RetryMaxDelay    string  `json:"retry_max_delay,omitempty"`
	RetryJitter      float64 `json:"retry_jitter,omitempty"` // fraction in [0,1]

	Circuit CircuitConfig `json:"circuit"`
}

// CircuitConfig controls the per-bot breaker. threshold defaults to 5
// consecutive transient failures; a negative threshold disables it.
type CircuitConfig struct {
	Threshold   int    `json:"threshold,omitempty"`
	Cooldown    string `json:"cooldown,omitempty"`
	MaxCooldown string `json:"max_cooldown,omitempty"`
}

// PlatformConfig limits publish calls per platform and may override the
// publisher for it. Keys of Config.Platforms are platform names (TWITTER,
// INSTAGRAM, ...), case-insensitive.
type PlatformConfig struct {
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      int     `json:"burst,omitempty"`
	// Publisher is "agent", "dryrun" or "disabled"; empty uses publisher.mode.
	Publisher string `json:"publisher,omitempty"`
}

// PublisherConfig selects how publish calls leave the process.
//
// Mode values:
//   - "agent": POST to the device agent endpoint
//   - "dryrun": log and return a synthetic platform id
type PublisherConfig struct {
	Mode          string `json:"mode"`
	AgentToken    string `json:"agent_token,omitempty"` // do not log
	AgentTimeout  string `json:"agent_timeout,omitempty"`
	DryRunLatency string `json:"dryrun_latency,omitempty"`
}

type RecoveryConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"` // default true
	Schedule string `json:"schedule,omitempty"`
}

// OpsConfig controls the read-only ops HTTP server.
//
// Prefer binding to localhost; the server has no authentication.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Pprof   bool   `json:"pprof,omitempty"`
}

// RegistryConfig seeds devices and bots at startup (upsert).
type RegistryConfig struct {
	Devices []DeviceSeed `json:"devices,omitempty"`
	Bots    []BotSeed    `json:"bots,omitempty"`
}

type DeviceSeed struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type BotSeed struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
	Username string `json:"username,omitempty"`
	Status   string `json:"status,omitempty"`
}

// KafkaConfig mirrors lifecycle events to a topic.
type KafkaConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"client_id,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// NotifierConfig turns failures and invariant violations into operator alerts.
type NotifierConfig struct {
	Enabled       bool    `json:"enabled"`
	TelegramToken string  `json:"telegram_token,omitempty"` // do not log
	ChatID        int64   `json:"chat_id,omitempty"`
	ThreadID      int     `json:"thread_id,omitempty"`
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	// DedupWindow suppresses identical alerts for this long (default "1m", "0s" disables).
	DedupWindow string `json:"dedup_window,omitempty"`
	// Events lists alerting event types; empty means post.failed and invariant.violation.
	Events []string `json:"events,omitempty"`
}
