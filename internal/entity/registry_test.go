package entity

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memRepo is a minimal in-memory Repository for registry tests.
type memRepo struct {
	mu       sync.Mutex
	devices  map[string]*Device
	entities map[string]*Entity
	states   map[string]*State
	history  []HistoryRecord
}

func newMemRepo() *memRepo {
	return &memRepo{
		devices:  map[string]*Device{},
		entities: map[string]*Entity{},
		states:   map[string]*State{},
	}
}

func (m *memRepo) UpsertDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *memRepo) GetDevice(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[id], nil
}

func (m *memRepo) FindDeviceByFingerprint(_ context.Context, protocol Protocol, fingerprint string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Protocol == protocol && d.Fingerprint == fingerprint {
			return d.DeepCopy(), nil
		}
	}
	return nil, nil
}

func (m *memRepo) ListDevices(_ context.Context) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for _, d := range m.devices {
		out = append(out, d.DeepCopy())
	}
	return out, nil
}

func (m *memRepo) UpsertEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e.DeepCopy()
	return nil
}

func (m *memRepo) DeactivateEntity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[id]; ok {
		e.Active = false
	}
	return nil
}

func (m *memRepo) ListEntitiesByDevice(_ context.Context, deviceID string) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entity
	for _, e := range m.entities {
		if e.DeviceID == deviceID {
			out = append(out, e.DeepCopy())
		}
	}
	return out, nil
}

func (m *memRepo) GetEntity(_ context.Context, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entities[id], nil
}

func (m *memRepo) UpsertState(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.EntityID] = s.DeepCopy()
	return nil
}

func (m *memRepo) GetState(_ context.Context, entityID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[entityID], nil
}

func (m *memRepo) AppendHistory(_ context.Context, rec HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	return nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

func TestUpsertDeviceIdempotent(t *testing.T) {
	reg := New(newMemRepo(), noopPublisher{})
	ctx := context.Background()

	desc := DeviceDescriptor{Protocol: ProtocolESPHome, Fingerprint: "aa:bb:cc", Name: "kitchen-light", Address: "10.0.0.5:6053"}

	d1, err := reg.UpsertDevice(ctx, desc)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	desc.Name = "kitchen-light-renamed"
	desc.Address = "10.0.0.6:6053"
	d2, err := reg.UpsertDevice(ctx, desc)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if d1.ID != d2.ID {
		t.Fatalf("expected same device id, got %s and %s", d1.ID, d2.ID)
	}
	if d2.Name != "kitchen-light-renamed" {
		t.Errorf("expected name to refresh, got %q", d2.Name)
	}

	devices := reg.QueryByProtocol(ProtocolESPHome)
	if len(devices) != 1 {
		t.Fatalf("expected exactly one device record, got %d", len(devices))
	}
}

func TestApplyStateRejectsLateUpdate(t *testing.T) {
	reg := New(newMemRepo(), noopPublisher{})
	ctx := context.Background()

	base := time.Now()

	applied, err := reg.ApplyState(ctx, "sensor_co2", map[string]any{"value": 420}, nil, base)
	if err != nil || !applied {
		t.Fatalf("expected first update to apply, got applied=%v err=%v", applied, err)
	}

	applied, err = reg.ApplyState(ctx, "sensor_co2", map[string]any{"value": 500}, nil, base.Add(-10*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatalf("expected late update to be rejected")
	}

	if reg.DiscardedLateCount() != 1 {
		t.Errorf("expected discarded-late counter == 1, got %d", reg.DiscardedLateCount())
	}

	current, err := reg.currentState(ctx, "sensor_co2")
	if err != nil {
		t.Fatalf("currentState: %v", err)
	}
	if current.Value["value"] != 420 {
		t.Errorf("expected snapshot unchanged at 420, got %v", current.Value["value"])
	}
}

func TestEnumerateEntitiesReplacesOnKindChange(t *testing.T) {
	reg := New(newMemRepo(), noopPublisher{})
	ctx := context.Background()

	dev, _ := reg.UpsertDevice(ctx, DeviceDescriptor{Protocol: ProtocolESPHome, Fingerprint: "fp1", Name: "d1"})

	first, err := reg.EnumerateEntities(ctx, dev.ID, []Descriptor{
		{Kind: KindSwitch, DriverKey: "1", Name: "relay", Descriptor: CapabilityDescriptor{Capabilities: []Capability{CapabilityOnOff}}},
	})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	originalID := first[0].ID

	second, err := reg.EnumerateEntities(ctx, dev.ID, []Descriptor{
		{Kind: KindLight, DriverKey: "1", Name: "relay", Descriptor: CapabilityDescriptor{Capabilities: []Capability{CapabilityOnOff, CapabilityBrightness}}},
	})
	if err != nil {
		t.Fatalf("enumerate again: %v", err)
	}

	if second[0].ID == originalID {
		t.Fatalf("expected a new entity id after kind change, got same id %s", originalID)
	}

	old, err := reg.GetEntity(ctx, originalID)
	if err != nil {
		t.Fatalf("get old entity: %v", err)
	}
	if old.Active {
		t.Errorf("expected old entity to be deactivated")
	}
}
