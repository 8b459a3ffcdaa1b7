package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pubflow/internal/config"
	"pubflow/internal/domain"
	"pubflow/internal/pipeline"
	"pubflow/internal/registry"
	"pubflow/internal/storage"
	logx "pubflow/pkg/logx"
)

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

// OpenStore opens the configured system of record. The CLI uses it to act on
// the database without a running daemon.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage (%s): %w", sc.Driver, err)
	}
	return st, nil
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	}
}

// SeedRegistry upserts the devices and bots listed in the config. Devices go
// first so bots can reference them.
func SeedRegistry(ctx context.Context, admin registry.Admin, rc *config.RegistryConfig) error {
	if rc == nil {
		return nil
	}
	for _, d := range rc.Devices {
		dev, err := DeviceFromSeed(d)
		if err != nil {
			return err
		}
		if err := admin.UpsertDevice(ctx, dev); err != nil {
			return fmt.Errorf("seed device %s: %w", d.ID, err)
		}
	}
	for _, b := range rc.Bots {
		bot, err := BotFromSeed(b)
		if err != nil {
			return err
		}
		if err := admin.UpsertBot(ctx, bot); err != nil {
			return fmt.Errorf("seed bot %s: %w", b.ID, err)
		}
	}
	return nil
}

// DeviceFromSeed defaults the status to ONLINE and the capacity to 1.
func DeviceFromSeed(d config.DeviceSeed) (domain.Device, error) {
	status := domain.DeviceOnline
	if strings.TrimSpace(d.Status) != "" {
		st, err := domain.ParseDeviceStatus(d.Status)
		if err != nil {
			return domain.Device{}, fmt.Errorf("device %s: %w", d.ID, err)
		}
		status = st
	}
	capacity := d.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	return domain.Device{
		ID:       strings.TrimSpace(d.ID),
		Name:     d.Name,
		Status:   status,
		Capacity: capacity,
		Endpoint: strings.TrimSpace(d.Endpoint),
	}, nil
}

// BotFromSeed defaults the status to ACTIVE.
func BotFromSeed(b config.BotSeed) (domain.Bot, error) {
	status := domain.BotActive
	if strings.TrimSpace(b.Status) != "" {
		st, err := domain.ParseBotStatus(b.Status)
		if err != nil {
			return domain.Bot{}, fmt.Errorf("bot %s: %w", b.ID, err)
		}
		status = st
	}
	return domain.Bot{
		ID:       strings.TrimSpace(b.ID),
		DeviceID: strings.TrimSpace(b.DeviceID),
		Platform: domain.ParsePlatform(b.Platform),
		Username: b.Username,
		Status:   status,
	}, nil
}

// Offline is a store plus an unstarted pipeline for one-shot operator
// commands. Submit and cancel write straight to the database; a running daemon
// sharing it picks the rows up on its next poll.
type Offline struct {
	Config   *config.Config
	Store    storage.Store
	Pipeline *pipeline.Service

	logs *logx.Service
}

func OpenOffline(cfgPath string) (*Offline, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	lc := logConfig(cfg.Logging)
	// Keep stdout for command output; only warnings reach it.
	lc.Console, lc.JSON = false, false
	if !lc.File.Enabled {
		lc.Level = "warn"
	}
	logs, log := logx.New(lc)
	st, err := OpenStore(cfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	pcfg, err := pipeline.FromConfig(cfg)
	if err != nil {
		_ = st.Close()
		_ = logs.Close()
		return nil, err
	}
	// Nothing is published offline; the publisher only satisfies the constructor.
	pub := pipeline.PublisherFunc(func(context.Context, pipeline.PublishRequest) (pipeline.PublishResult, error) {
		return pipeline.PublishResult{}, pipeline.Transient("offline", nil)
	})
	return &Offline{
		Config:   cfg,
		Store:    st,
		Pipeline: pipeline.New(pcfg, st, pub, pipeline.WithLogger(log.With(logx.String("comp", "pipeline")))),
		logs:     logs,
	}, nil
}

func (o *Offline) Close() error {
	err := o.Store.Close()
	_ = o.logs.Close()
	return err
}
