// Package adapter defines the uniform protocol adapter contract and the
// registry that owns every configured adapter instance, routes commands
// to them, and drives their lifecycle.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/hubderrors"
)

// StateUpdate is what an adapter hands back when a device pushes or is
// polled for a state change. Adapters identify the entity by its driver
// key, the identifier stable within a device's own protocol; the glue
// layer that wires an adapter to the Entity Registry resolves DriverKey
// to a registry-assigned entity ID before calling apply_state, since
// entity ID assignment is the registry's job, not the adapter's.
type StateUpdate struct {
	DeviceID  string
	DriverKey string
	Value     map[string]any
	Attrs     map[string]any
	At        time.Time
}

// Command is a capability-tagged mutation request routed to an adapter.
type Command struct {
	ID         string
	EntityID   string
	DeviceID   string
	DriverKey  string
	Capability entity.Capability
	Value      map[string]any
	EnqueuedAt time.Time

	// dropped marks a slot superseded during coalescing; see Coalesce.
	dropped bool
}

// CommandResult is what send_command returns.
type CommandResult struct {
	Applied bool
	Err     error

	// Coalesced reports that this command was never sent to the device:
	// a newer scrubbable command for the same entity and capability
	// superseded it while it was still queued. The caller should still
	// record the command as completed, annotated as coalesced, per
	// Coalesce's merge semantics.
	Coalesced bool
}

// PairState reports pairing progress for protocols with an interactive
// pairing step (Hue's link-button poll loop).
type PairState struct {
	WaitingForButton bool
	Done             bool
	Err              error
}

// Adapter is the uniform per-protocol contract. Every concrete adapter
// (ESPHome, Hue, the generic MQTT adapter) implements this same surface;
// there is no shared base-type behavior to inherit, matching the
// single-interface/no-inheritance shape used throughout this package.
type Adapter interface {
	Protocol() entity.Protocol

	// Initialize allocates clients, opens shared sockets, and loads any
	// persisted credentials it needs. Called once at daemon start.
	Initialize(ctx context.Context) error

	// Shutdown closes sessions and releases resources. Idempotent.
	Shutdown(ctx context.Context) error

	// Discover runs the adapter's own discovery pass, if it has one
	// (static-config adapters like mqttgeneric return an already-closed
	// channel). Each DeviceDescriptor is yielded at most once per call.
	Discover(ctx context.Context) (<-chan entity.DeviceDescriptor, error)

	// Connect opens/authenticates a session for a device.
	Connect(ctx context.Context, device *entity.Device) error

	// Pair runs protocol-specific pairing and persists a credential on
	// success. statusCh receives zero or more progress updates before
	// Pair returns.
	Pair(ctx context.Context, device *entity.Device, statusCh chan<- PairState) error

	// EnumerateEntities is idempotent given the device's current remote
	// configuration.
	EnumerateEntities(ctx context.Context, device *entity.Device) ([]entity.Descriptor, error)

	// SubscribeState registers a push handler and returns an unsubscribe
	// func. Adapters without a push transport poll internally instead.
	SubscribeState(ctx context.Context, device *entity.Device, onUpdate func(StateUpdate)) (func(), error)

	// SendCommand dispatches one command. Safe under concurrent calls for
	// distinct entities; per-entity serialization is the adapter's job.
	SendCommand(ctx context.Context, device *entity.Device, cmd Command) CommandResult

	// PollState does an explicit snapshot fetch, used on reconnect.
	PollState(ctx context.Context, device *entity.Device) ([]StateUpdate, error)
}

// Registry owns every configured adapter keyed by protocol and routes
// commands by first resolving a device's protocol.
type Registry struct {
	adapters map[entity.Protocol]Adapter
	devices  deviceLookup

	queues   map[entity.Protocol]*entityQueues
	queuesMu sync.Mutex
}

// deviceLookup is the minimal seam into the entity registry a command
// router needs: the device record for a protocol lookup. Kept as an
// interface here (rather than importing *entity.Registry directly) for
// the same import-cycle-avoidance reason the teacher's bridge.go defines
// DeviceRegistry locally.
type deviceLookup interface {
	GetDevice(ctx context.Context, id string) (*entity.Device, error)
}

// New builds a Registry from a set of concrete adapters.
func New(adapters []Adapter, devices deviceLookup) *Registry {
	r := &Registry{
		adapters: make(map[entity.Protocol]Adapter, len(adapters)),
		devices:  devices,
		queues:   make(map[entity.Protocol]*entityQueues),
	}
	for _, a := range adapters {
		r.adapters[a.Protocol()] = a
		r.queues[a.Protocol()] = newEntityQueues()
	}
	return r
}

// InitializeAll calls Initialize on every adapter in parallel via
// errgroup, without WithContext, so that one adapter's init failure does
// not cancel the others; every adapter still gets a chance to start.
func (r *Registry) InitializeAll(ctx context.Context) error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error

	for protocol, a := range r.adapters {
		protocol, a := protocol, a
		g.Go(func() error {
			if err := a.Initialize(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("adapter %s: %w", protocol, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("adapter initialize: %d failed: %w", len(errs), joinErrs(errs))
	}
	return nil
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// ShutdownAll calls Shutdown on every adapter one at a time, in map
// iteration order: the order is not defined and does not follow
// registration order. Each call gets a context cancelled after
// drainTimeout, and ShutdownAll waits for each call to return before the
// next, so an adapter that ignores cancellation is not abandoned.
func (r *Registry) ShutdownAll(ctx context.Context, drainTimeout time.Duration) {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	for _, a := range r.adapters {
		shutdownCtx, cancel := context.WithTimeout(ctx, drainTimeout)
		_ = a.Shutdown(shutdownCtx)
		cancel()
	}
}

// Get returns the adapter for a protocol, or nil if none is registered.
func (r *Registry) Get(protocol entity.Protocol) Adapter {
	return r.adapters[protocol]
}

// Dispatch routes a command to the adapter owning its device's protocol,
// applying FIFO-per-entity ordering, scrubbable-capability coalescing,
// and a per-entity token bucket before invoking SendCommand.
func (r *Registry) Dispatch(ctx context.Context, cmd Command) CommandResult {
	device, err := r.devices.GetDevice(ctx, cmd.DeviceID)
	if err != nil {
		return CommandResult{Err: hubderrors.New(hubderrors.CategoryPersistenceFailure, "load device for command", err)}
	}
	if device == nil {
		return CommandResult{Err: hubderrors.New(hubderrors.CategoryDeviceNotFound, "device not found", nil)}
	}

	a, ok := r.adapters[device.Protocol]
	if !ok {
		return CommandResult{Err: hubderrors.New(hubderrors.CategoryNoAdapter, "no adapter for protocol "+string(device.Protocol), nil)}
	}

	q := r.queuesFor(device.Protocol)
	return q.run(ctx, cmd, func(ctx context.Context, c Command) CommandResult {
		return a.SendCommand(ctx, device, c)
	})
}

func (r *Registry) queuesFor(protocol entity.Protocol) *entityQueues {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()
	q, ok := r.queues[protocol]
	if !ok {
		q = newEntityQueues()
		r.queues[protocol] = q
	}
	return q
}
