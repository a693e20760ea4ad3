package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the durable backing store for devices/entities/state. The
// daemon satisfies it with internal/localstore (the local SQLite cache);
// accepted state reaches the remote store separately, through
// statestore.Mirror on the event bus, not through this interface.
type Repository interface {
	UpsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	FindDeviceByFingerprint(ctx context.Context, protocol Protocol, fingerprint string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)

	UpsertEntity(ctx context.Context, e *Entity) error
	DeactivateEntity(ctx context.Context, id string) error
	ListEntitiesByDevice(ctx context.Context, deviceID string) ([]*Entity, error)
	GetEntity(ctx context.Context, id string) (*Entity, error)

	UpsertState(ctx context.Context, s *State) error
	GetState(ctx context.Context, entityID string) (*State, error)
	AppendHistory(ctx context.Context, rec HistoryRecord) error
}

// EventPublisher is the minimal seam the registry needs into the event bus,
// avoiding an import of internal/eventbus from internal/entity (cyclic
// references are broken with identifiers and thin interfaces per the
// daemon's redesign of the teacher's DeviceRegistry/MQTTClient seams).
type EventPublisher interface {
	Publish(topic string, payload any)
}

// Registry is the source of truth for the device/entity graph.
//
// Read-mostly query paths are served from an in-memory cache guarded by one
// RWMutex, the way the teacher's device.Registry does it. The write paths
// that touch I/O (ApplyState, EnumerateEntities) do not hold that lock
// across I/O; they acquire a per-entity/per-device lock from a keyed lock
// manager instead, so concurrent I/O on distinct entities never serializes
// through a single mutex.
type Registry struct {
	repo      Repository
	publisher EventPublisher

	cacheMu sync.RWMutex
	devices map[string]*Device
	byFP    map[string]string // "protocol|fingerprint" -> device id
	entities map[string]*Entity
	states   map[string]*State

	entityLocks *keyedLock
	deviceLocks *keyedLock

	discardedLate uint64
	discardedMu   sync.Mutex
}

func New(repo Repository, publisher EventPublisher) *Registry {
	return &Registry{
		repo:        repo,
		publisher:   publisher,
		devices:     make(map[string]*Device),
		byFP:        make(map[string]string),
		entities:    make(map[string]*Entity),
		states:      make(map[string]*State),
		entityLocks: newKeyedLock(),
		deviceLocks: newKeyedLock(),
	}
}

func fpKey(protocol Protocol, fingerprint string) string {
	return string(protocol) + "|" + fingerprint
}

// UpsertDevice is idempotent on (protocol, fingerprint); it never allocates
// a new identifier when an existing record matches, and refreshes mutable
// fields (address, name, lastSeen).
func (r *Registry) UpsertDevice(ctx context.Context, desc DeviceDescriptor) (*Device, error) {
	unlock := r.deviceLocks.Lock(fpKey(desc.Protocol, desc.Fingerprint))
	defer unlock()

	existing, err := r.lookupDeviceByFingerprint(ctx, desc.Protocol, desc.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("entity: upsert device: %w", err)
	}

	now := time.Now()

	var dev *Device
	if existing != nil {
		dev = existing.DeepCopy()
		dev.Name = desc.Name
		dev.Address = desc.Address
		dev.LastSeen = now
		dev.UpdatedAt = now
	} else {
		dev = &Device{
			ID:           uuid.NewString(),
			Protocol:     desc.Protocol,
			Fingerprint:  desc.Fingerprint,
			Name:         desc.Name,
			Address:      desc.Address,
			HealthStatus: HealthUnknown,
			CreatedAt:    now,
			UpdatedAt:    now,
			LastSeen:     now,
		}
	}
	if desc.Manufacturer != "" {
		dev.Manufacturer = &desc.Manufacturer
	}
	if desc.Model != "" {
		dev.Model = &desc.Model
	}

	if err := r.repo.UpsertDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("entity: persist device: %w", err)
	}

	r.cacheMu.Lock()
	r.devices[dev.ID] = dev.DeepCopy()
	r.byFP[fpKey(dev.Protocol, dev.Fingerprint)] = dev.ID
	r.cacheMu.Unlock()

	return dev.DeepCopy(), nil
}

func (r *Registry) lookupDeviceByFingerprint(ctx context.Context, protocol Protocol, fingerprint string) (*Device, error) {
	r.cacheMu.RLock()
	if id, ok := r.byFP[fpKey(protocol, fingerprint)]; ok {
		dev := r.devices[id]
		r.cacheMu.RUnlock()
		return dev, nil
	}
	r.cacheMu.RUnlock()

	return r.repo.FindDeviceByFingerprint(ctx, protocol, fingerprint)
}

// GetDevice is a read path served cache-first.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	if dev, ok := r.devices[id]; ok {
		r.cacheMu.RUnlock()
		return dev.DeepCopy(), nil
	}
	r.cacheMu.RUnlock()

	dev, err := r.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cacheMu.Lock()
	r.devices[id] = dev.DeepCopy()
	r.cacheMu.Unlock()
	return dev, nil
}

// EnumerateEntities reconciles the remote entity list with the stored set.
// Missing local entities are created with immutable identifiers; changed
// metadata is updated in place; changed kind or capability shape triggers
// a replace (deactivate old, create new).
func (r *Registry) EnumerateEntities(ctx context.Context, deviceID string, descriptors []Descriptor) ([]*Entity, error) {
	unlock := r.deviceLocks.Lock(deviceID)
	defer unlock()

	existing, err := r.repo.ListEntitiesByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("entity: enumerate entities: list existing: %w", err)
	}

	byDriverKey := make(map[string]*Entity, len(existing))
	for _, e := range existing {
		if e.Active {
			byDriverKey[e.DriverKey] = e
		}
	}

	now := time.Now()
	var out []*Entity

	for _, desc := range descriptors {
		prior, found := byDriverKey[desc.DriverKey]
		if !found {
			ent := &Entity{
				ID:         uuid.NewString(),
				DeviceID:   deviceID,
				Kind:       desc.Kind,
				DriverKey:  desc.DriverKey,
				Descriptor: desc.Descriptor,
				Name:       desc.Name,
				Active:     true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := r.repo.UpsertEntity(ctx, ent); err != nil {
				return nil, fmt.Errorf("entity: create entity: %w", err)
			}
			r.cacheEntity(ent)
			out = append(out, ent)
			continue
		}

		if kindOrShapeChanged(prior, desc) {
			if err := r.repo.DeactivateEntity(ctx, prior.ID); err != nil {
				return nil, fmt.Errorf("entity: deactivate replaced entity: %w", err)
			}
			r.cacheMu.Lock()
			if cached, ok := r.entities[prior.ID]; ok {
				cached.Active = false
			}
			r.cacheMu.Unlock()

			ent := &Entity{
				ID:         uuid.NewString(),
				DeviceID:   deviceID,
				Kind:       desc.Kind,
				DriverKey:  desc.DriverKey,
				Descriptor: desc.Descriptor,
				Name:       desc.Name,
				Active:     true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := r.repo.UpsertEntity(ctx, ent); err != nil {
				return nil, fmt.Errorf("entity: create replacement entity: %w", err)
			}
			r.cacheEntity(ent)
			out = append(out, ent)
			continue
		}

		// Metadata-only change: name may update; kind/descriptor are immutable.
		if prior.Name != desc.Name {
			updated := prior.DeepCopy()
			updated.Name = desc.Name
			updated.UpdatedAt = now
			if err := r.repo.UpsertEntity(ctx, updated); err != nil {
				return nil, fmt.Errorf("entity: update entity metadata: %w", err)
			}
			r.cacheEntity(updated)
			out = append(out, updated)
			continue
		}

		out = append(out, prior)
	}

	return out, nil
}

func kindOrShapeChanged(prior *Entity, desc Descriptor) bool {
	if prior.Kind != desc.Kind {
		return true
	}
	if len(prior.Descriptor.Capabilities) != len(desc.Descriptor.Capabilities) {
		return true
	}
	for i, c := range prior.Descriptor.Capabilities {
		if desc.Descriptor.Capabilities[i] != c {
			return true
		}
	}
	return false
}

func (r *Registry) cacheEntity(e *Entity) {
	r.cacheMu.Lock()
	r.entities[e.ID] = e.DeepCopy()
	r.cacheMu.Unlock()
}

// GetEntity is a read path served cache-first.
func (r *Registry) GetEntity(ctx context.Context, id string) (*Entity, error) {
	r.cacheMu.RLock()
	if e, ok := r.entities[id]; ok {
		r.cacheMu.RUnlock()
		return e.DeepCopy(), nil
	}
	r.cacheMu.RUnlock()

	e, err := r.repo.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cacheEntity(e)
	return e, nil
}

// ApplyState accepts a state update only if t is not older than the stored
// updated_at. On accept it upserts EntityState, appends
// EntityStateHistory, and publishes entity/<id>/state. No global registry
// lock is held across these I/O calls: only the per-entity lock is.
func (r *Registry) ApplyState(ctx context.Context, entityID string, value, attrs map[string]any, t time.Time) (bool, error) {
	unlock := r.entityLocks.Lock(entityID)
	defer unlock()

	current, err := r.currentState(ctx, entityID)
	if err != nil {
		return false, fmt.Errorf("entity: apply state: load current: %w", err)
	}

	if current != nil && t.Before(current.UpdatedAt) {
		r.discardedMu.Lock()
		r.discardedLate++
		r.discardedMu.Unlock()
		return false, nil
	}

	next := &State{EntityID: entityID, Value: value, Attrs: attrs, UpdatedAt: t}

	if err := r.repo.UpsertState(ctx, next); err != nil {
		return false, fmt.Errorf("entity: apply state: upsert: %w", err)
	}
	if err := r.repo.AppendHistory(ctx, HistoryRecord{EntityID: entityID, Timestamp: t, Value: value, Attrs: attrs}); err != nil {
		return false, fmt.Errorf("entity: apply state: append history: %w", err)
	}

	r.cacheMu.Lock()
	r.states[entityID] = next.DeepCopy()
	r.cacheMu.Unlock()

	if r.publisher != nil {
		r.publisher.Publish("entity/"+entityID+"/state", next.DeepCopy())
	}

	return true, nil
}

func (r *Registry) currentState(ctx context.Context, entityID string) (*State, error) {
	r.cacheMu.RLock()
	if s, ok := r.states[entityID]; ok {
		r.cacheMu.RUnlock()
		return s.DeepCopy(), nil
	}
	r.cacheMu.RUnlock()

	s, err := r.repo.GetState(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DiscardedLateCount returns the running count of state updates rejected
// for carrying an out-of-order timestamp (the state/discarded_late
// counter from §8 scenario 4).
func (r *Registry) DiscardedLateCount() uint64 {
	r.discardedMu.Lock()
	defer r.discardedMu.Unlock()
	return r.discardedLate
}

// QueryByKind lists entities of the given kind across all devices.
func (r *Registry) QueryByKind(kind Kind) []*Entity {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var out []*Entity
	for _, e := range r.entities {
		if e.Active && e.Kind == kind {
			out = append(out, e.DeepCopy())
		}
	}
	return out
}

// QueryByProtocol lists devices speaking the given protocol.
func (r *Registry) QueryByProtocol(protocol Protocol) []*Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var out []*Device
	for _, d := range r.devices {
		if d.Protocol == protocol {
			out = append(out, d.DeepCopy())
		}
	}
	return out
}

// FindEntityByCapability resolves a (device, capability) pair to the
// active entity that exposes it. The remote commands table addresses
// commands by device and capability rather than by entity ID directly,
// so the command queue consumer uses this to recover the entity (and
// therefore the driver key) a command targets.
func (r *Registry) FindEntityByCapability(deviceID string, capability Capability) (*Entity, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	for _, e := range r.entities {
		if !e.Active || e.DeviceID != deviceID {
			continue
		}
		for _, c := range e.Descriptor.Capabilities {
			if c == capability {
				return e.DeepCopy(), nil
			}
		}
	}
	return nil, nil
}

// Stats aggregates coarse counts for the health endpoint.
type Stats struct {
	DevicesKnown  int
	DevicesOnline int
}

func (r *Registry) Stats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{DevicesKnown: len(r.devices)}
	for _, d := range r.devices {
		if d.HealthStatus == HealthOnline {
			stats.DevicesOnline++
		}
	}
	return stats
}
