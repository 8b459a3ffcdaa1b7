package notifier

import (
	"strings"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/eventbus"
	kit "pubflow/internal/transport"
)

const defaultDedupWindow = time.Minute

// Config controls the alert pipeline.
type Config struct {
	Enabled       bool
	Target        kit.ChatTarget
	Workers       int
	QueueSize     int
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// Events selects which event types alert; empty means DefaultEvents.
	Events []string
}

var DefaultEvents = []string{eventbus.PostFailed, eventbus.InvariantViolation}

// ConfigFrom maps the notifier section; a nil section yields a disabled config.
func ConfigFrom(c *config.NotifierConfig) (Config, error) {
	if c == nil {
		return Config{}, nil
	}
	dedup := defaultDedupWindow
	if strings.TrimSpace(c.DedupWindow) != "" {
		d, err := config.ParseDurationField("notifier.dedup_window", c.DedupWindow)
		if err != nil {
			return Config{}, err
		}
		dedup = d
	}
	return Config{
		Enabled:     c.Enabled,
		Target:      kit.ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID},
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		RatePerSec:  c.RatePerSec,
		Burst:       c.Burst,
		RetryMax:    2,
		DedupWindow: dedup,
		Events:      append([]string(nil), c.Events...),
	}, nil
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Counts are monotonic since the service was created.
type Counts struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}
