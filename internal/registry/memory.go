package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pubflow/internal/domain"
)

// Memory is an in-process registry. It is safe for concurrent use; slot
// acquisition is a compare-and-set under the registry lock.
type Memory struct {
	mu      sync.Mutex
	devices map[string]*domain.Device
	bots    map[string]*domain.Bot
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		devices: map[string]*domain.Device{},
		bots:    map[string]*domain.Bot{},
		now:     time.Now,
	}
}

func (m *Memory) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return *d, nil
}

func (m *Memory) GetBot(ctx context.Context, id string) (domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return domain.Bot{}, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return *b, nil
}

func (m *Memory) AcquireDeviceSlot(ctx context.Context, id string) (domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if !d.Accepting() {
		return *d, fmt.Errorf("device %s is %s: %w", id, d.Status, ErrUnavailable)
	}
	if !d.HasCapacity() {
		return *d, fmt.Errorf("device %s: %w", id, ErrAtCapacity)
	}
	d.InUse++
	d.Status = d.StatusForLoad()
	return *d, nil
}

func (m *Memory) ReleaseDeviceSlot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if d.InUse > 0 {
		d.InUse--
	}
	d.Status = d.StatusForLoad()
	return nil
}

func (m *Memory) ListDevices(ctx context.Context) ([]domain.Device, error) {
	m.mu.Lock()
	out := make([]domain.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListBots(ctx context.Context) ([]domain.Bot, error) {
	m.mu.Lock()
	out := make([]domain.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, *b)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertDevice inserts or replaces a device. The in-use counter of an existing
// device is preserved so live slots are not lost.
func (m *Memory) UpsertDevice(ctx context.Context, d domain.Device) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Capacity <= 0 {
		d.Capacity = 1
	}
	if d.Status == "" {
		d.Status = domain.DeviceOffline
	}
	if !d.Status.Valid() {
		return fmt.Errorf("invalid device status %q", d.Status)
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.devices[d.ID]; ok {
		d.InUse = prev.InUse
	}
	d.Status = d.StatusForLoad()
	m.devices[d.ID] = &d
	return nil
}

func (m *Memory) UpsertBot(ctx context.Context, b domain.Bot) error {
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		return fmt.Errorf("bot id is required")
	}
	if b.Status == "" {
		b.Status = domain.BotInactive
	}
	if !b.Status.Valid() {
		return fmt.Errorf("invalid bot status %q", b.Status)
	}
	b.Platform = domain.ParsePlatform(string(b.Platform))
	m.mu.Lock()
	m.bots[b.ID] = &b
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetDeviceStatus(ctx context.Context, id string, status domain.DeviceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid device status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	d.Status = status
	d.Status = d.StatusForLoad()
	d.LastSeen = m.now()
	return nil
}

func (m *Memory) SetBotStatus(ctx context.Context, id string, status domain.BotStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid bot status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	b.Status = status
	return nil
}
