package publisher

import (
	"fmt"
	"strings"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/domain"
	"pubflow/internal/pipeline"
	logx "pubflow/pkg/logx"
)

const defaultAgentTimeout = 60 * time.Second

// FromConfig builds the router described by the publisher and platforms sections.
func FromConfig(cfg *config.Config, log logx.Logger) (*Router, error) {
	timeout, err := config.ParseDurationOrDefault("publisher.agent_timeout", cfg.Publisher.AgentTimeout, defaultAgentTimeout)
	if err != nil {
		return nil, err
	}
	latency, err := config.ParseDurationOrDefault("publisher.dryrun_latency", cfg.Publisher.DryRunLatency, 0)
	if err != nil {
		return nil, err
	}

	var agent *Agent
	var dry *DryRun
	build := func(mode string) (pipeline.Publisher, error) {
		switch mode {
		case "", "dryrun":
			if dry == nil {
				dry = NewDryRun(latency, log)
			}
			return dry, nil
		case "agent":
			if agent == nil {
				agent = NewAgent(AgentConfig{Token: cfg.Publisher.AgentToken, Timeout: timeout}, log)
			}
			return agent, nil
		}
		return nil, fmt.Errorf("unknown publisher mode %q", mode)
	}

	r := NewRouter()
	def, err := build(normalizeMode(cfg.Publisher.Mode))
	if err != nil {
		return nil, fmt.Errorf("publisher.mode: %w", err)
	}
	r.SetDefault(def)

	for name, pc := range cfg.Platforms {
		mode := normalizeMode(pc.Publisher)
		if mode == "" {
			continue
		}
		platform := domain.ParsePlatform(name)
		if mode == "disabled" {
			r.Disable(platform)
			continue
		}
		pub, err := build(mode)
		if err != nil {
			return nil, fmt.Errorf("platforms.%s.publisher: %w", name, err)
		}
		r.Handle(platform, pub)
	}
	return r, nil
}

func normalizeMode(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
