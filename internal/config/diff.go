package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pubflow/pkg/logx"
)

// SummarizeChange lists the changed top-level sections and safe log attrs.
// Secrets (DSN, tokens) are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.workers", newCfg.Pipeline.Workers),
			logx.Int("pipeline.max_attempts", newCfg.Pipeline.MaxAttempts),
			logx.String("pipeline.retry_base", newCfg.Pipeline.RetryBase),
			logx.String("pipeline.exec_timeout", newCfg.Pipeline.ExecTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms) {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Int("platforms.count", len(newCfg.Platforms)))
	}
	if oldCfg.Publisher.Mode != newCfg.Publisher.Mode ||
		oldCfg.Publisher.AgentTimeout != newCfg.Publisher.AgentTimeout ||
		oldCfg.Publisher.DryRunLatency != newCfg.Publisher.DryRunLatency ||
		oldCfg.Publisher.AgentToken != newCfg.Publisher.AgentToken {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.mode", newCfg.Publisher.Mode),
			logx.Bool("publisher.agent_token_set", newCfg.Publisher.AgentToken != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery) {
		changed = append(changed, "recovery")
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
	}
	if !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		changed = append(changed, "registry")
	}
	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "ops", "kafka", "notifier", "registry":
			out = append(out, s)
		}
	}
	return out
}
