// Package registry models the device and bot registries the pipeline consumes.
//
// The pipeline only reads device/bot state and moves a device's in-use counter
// around task execution. Everything else (heartbeats, logins) belongs to whoever
// owns the registry; the Admin interface exists for seeding and operator tooling.
package registry

import (
	"context"
	"errors"

	"pubflow/internal/domain"
)

var (
	ErrNotFound   = errors.New("registry: not found")
	ErrAtCapacity = errors.New("registry: device at capacity")
	// ErrUnavailable means the device is OFFLINE or ERROR.
	ErrUnavailable = errors.New("registry: device unavailable")
)

// Registry is the read-mostly contract used by the pipeline.
type Registry interface {
	GetDevice(ctx context.Context, id string) (domain.Device, error)
	GetBot(ctx context.Context, id string) (domain.Bot, error)

	// AcquireDeviceSlot atomically increments the device's in-use counter if the device
	// accepts work and is under capacity. It is the +1 half of setDeviceBusy.
	AcquireDeviceSlot(ctx context.Context, id string) (domain.Device, error)
	// ReleaseDeviceSlot decrements the in-use counter (never below zero).
	ReleaseDeviceSlot(ctx context.Context, id string) error

	ListDevices(ctx context.Context) ([]domain.Device, error)
	ListBots(ctx context.Context) ([]domain.Bot, error)
}

// Admin mutates registry records. Used by CLI seeding and tests.
type Admin interface {
	Registry
	UpsertDevice(ctx context.Context, d domain.Device) error
	UpsertBot(ctx context.Context, b domain.Bot) error
	SetDeviceStatus(ctx context.Context, id string, status domain.DeviceStatus) error
	SetBotStatus(ctx context.Context, id string, status domain.BotStatus) error
}
