package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"pubflow/internal/domain"
)

func TestMemorySlotAccounting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	if err := m.UpsertDevice(ctx, domain.Device{ID: "d1", Status: domain.DeviceOnline, Capacity: 2}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	d, err := m.AcquireDeviceSlot(ctx, "d1")
	if err != nil || d.InUse != 1 || d.Status != domain.DeviceOnline {
		t.Fatalf("first acquire: dev=%+v err=%v", d, err)
	}
	d, err = m.AcquireDeviceSlot(ctx, "d1")
	if err != nil || d.InUse != 2 || d.Status != domain.DeviceBusy {
		t.Fatalf("second acquire: dev=%+v err=%v", d, err)
	}
	if _, err := m.AcquireDeviceSlot(ctx, "d1"); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("third acquire err=%v, want ErrAtCapacity", err)
	}

	if err := m.ReleaseDeviceSlot(ctx, "d1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	d, _ = m.GetDevice(ctx, "d1")
	if d.InUse != 1 || d.Status != domain.DeviceOnline {
		t.Fatalf("after release dev=%+v", d)
	}

	// Release never drives the counter negative.
	_ = m.ReleaseDeviceSlot(ctx, "d1")
	_ = m.ReleaseDeviceSlot(ctx, "d1")
	d, _ = m.GetDevice(ctx, "d1")
	if d.InUse != 0 {
		t.Fatalf("in_use=%d, want 0", d.InUse)
	}
}

func TestMemoryUnavailableDevice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	_ = m.UpsertDevice(ctx, domain.Device{ID: "d1", Status: domain.DeviceOnline})

	for _, st := range []domain.DeviceStatus{domain.DeviceOffline, domain.DeviceError} {
		if err := m.SetDeviceStatus(ctx, "d1", st); err != nil {
			t.Fatalf("SetDeviceStatus(%s): %v", st, err)
		}
		if _, err := m.AcquireDeviceSlot(ctx, "d1"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("%s: err=%v, want ErrUnavailable", st, err)
		}
	}
	if _, err := m.AcquireDeviceSlot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing device err=%v", err)
	}
}

func TestMemoryUpsertKeepsInUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	_ = m.UpsertDevice(ctx, domain.Device{ID: "d1", Status: domain.DeviceOnline, Capacity: 1})
	if _, err := m.AcquireDeviceSlot(ctx, "d1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.UpsertDevice(ctx, domain.Device{ID: "d1", Status: domain.DeviceOnline, Capacity: 1, Name: "renamed"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	d, _ := m.GetDevice(ctx, "d1")
	if d.InUse != 1 || d.Status != domain.DeviceBusy || d.Name != "renamed" {
		t.Fatalf("dev=%+v", d)
	}
}

func TestMemoryUpsertDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	tests := []struct {
		name    string
		run     func() error
		wantErr bool
	}{
		{"device without id", func() error { return m.UpsertDevice(ctx, domain.Device{}) }, true},
		{"device bad status", func() error { return m.UpsertDevice(ctx, domain.Device{ID: "x", Status: "NOPE"}) }, true},
		{"bot without id", func() error { return m.UpsertBot(ctx, domain.Bot{}) }, true},
		{"bot bad status", func() error { return m.UpsertBot(ctx, domain.Bot{ID: "x", Status: "NOPE"}) }, true},
		{"device defaults", func() error { return m.UpsertDevice(ctx, domain.Device{ID: "d2"}) }, false},
		{"bot defaults", func() error { return m.UpsertBot(ctx, domain.Bot{ID: "b2", DeviceID: "d2", Platform: "tiktok"}) }, false},
	}
	for _, tc := range tests {
		if err := tc.run(); (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}

	d, _ := m.GetDevice(ctx, "d2")
	if d.Status != domain.DeviceOffline || d.Capacity != 1 || d.LastSeen.IsZero() {
		t.Fatalf("device defaults=%+v", d)
	}
	b, _ := m.GetBot(ctx, "b2")
	if b.Status != domain.BotInactive || b.Platform != domain.PlatformTikTok {
		t.Fatalf("bot defaults=%+v", b)
	}
	if err := m.SetBotStatus(ctx, "b2", domain.BotSuspended); err != nil {
		t.Fatalf("SetBotStatus: %v", err)
	}
	if err := m.SetBotStatus(ctx, "ghost", domain.BotActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ghost bot err=%v", err)
	}
}

func TestMemoryConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	_ = m.UpsertDevice(ctx, domain.Device{ID: "d1", Status: domain.DeviceOnline, Capacity: 3})

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AcquireDeviceSlot(ctx, "d1"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 3 {
		t.Fatalf("acquired=%d, want 3", ok.Load())
	}
}
