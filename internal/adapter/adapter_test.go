package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
)

type fakeAdapter struct {
	protocol   entity.Protocol
	initErr    error
	initCalled chan struct{}
	sendCalls  chan Command
}

func newFakeAdapter(protocol entity.Protocol) *fakeAdapter {
	return &fakeAdapter{protocol: protocol, initCalled: make(chan struct{}, 1), sendCalls: make(chan Command, 8)}
}

func (f *fakeAdapter) Protocol() entity.Protocol { return f.protocol }
func (f *fakeAdapter) Initialize(ctx context.Context) error {
	select {
	case f.initCalled <- struct{}{}:
	default:
	}
	return f.initErr
}
func (f *fakeAdapter) Shutdown(ctx context.Context) error { return nil }
func (f *fakeAdapter) Discover(ctx context.Context) (<-chan entity.DeviceDescriptor, error) {
	ch := make(chan entity.DeviceDescriptor)
	close(ch)
	return ch, nil
}
func (f *fakeAdapter) Connect(ctx context.Context, device *entity.Device) error { return nil }
func (f *fakeAdapter) Pair(ctx context.Context, device *entity.Device, statusCh chan<- PairState) error {
	return nil
}
func (f *fakeAdapter) EnumerateEntities(ctx context.Context, device *entity.Device) ([]entity.Descriptor, error) {
	return nil, nil
}
func (f *fakeAdapter) SubscribeState(ctx context.Context, device *entity.Device, onUpdate func(StateUpdate)) (func(), error) {
	return func() {}, nil
}
func (f *fakeAdapter) SendCommand(ctx context.Context, device *entity.Device, cmd Command) CommandResult {
	f.sendCalls <- cmd
	return CommandResult{Applied: true}
}
func (f *fakeAdapter) PollState(ctx context.Context, device *entity.Device) ([]StateUpdate, error) {
	return nil, nil
}

type fakeDeviceLookup struct {
	devices map[string]*entity.Device
}

func (f *fakeDeviceLookup) GetDevice(ctx context.Context, id string) (*entity.Device, error) {
	return f.devices[id], nil
}

func TestInitializeAllRunsEveryAdapterDespiteOneFailure(t *testing.T) {
	ok := newFakeAdapter(entity.ProtocolESPHome)
	failing := newFakeAdapter(entity.ProtocolHue)
	failing.initErr = errors.New("boom")

	reg := New([]Adapter{ok, failing}, &fakeDeviceLookup{devices: map[string]*entity.Device{}})

	err := reg.InitializeAll(context.Background())
	if err == nil {
		t.Fatalf("expected an aggregated error from the failing adapter")
	}

	select {
	case <-ok.initCalled:
	default:
		t.Fatalf("expected the healthy adapter to still be initialized")
	}
	select {
	case <-failing.initCalled:
	default:
		t.Fatalf("expected the failing adapter's Initialize to have been called")
	}
}

func TestDispatchRoutesByDeviceProtocol(t *testing.T) {
	hue := newFakeAdapter(entity.ProtocolHue)
	lookup := &fakeDeviceLookup{devices: map[string]*entity.Device{
		"dev-1": {ID: "dev-1", Protocol: entity.ProtocolHue},
	}}
	reg := New([]Adapter{hue}, lookup)

	result := reg.Dispatch(context.Background(), Command{ID: "c1", DeviceID: "dev-1", EntityID: "ent-1", Capability: entity.CapabilityOnOff})
	if !result.Applied {
		t.Fatalf("expected command to be applied")
	}

	select {
	case cmd := <-hue.sendCalls:
		if cmd.ID != "c1" {
			t.Fatalf("unexpected command id %q", cmd.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected SendCommand to be called")
	}
}

func TestDispatchReturnsNoAdapterForUnknownProtocol(t *testing.T) {
	lookup := &fakeDeviceLookup{devices: map[string]*entity.Device{
		"dev-1": {ID: "dev-1", Protocol: entity.ProtocolMatter},
	}}
	reg := New(nil, lookup)

	result := reg.Dispatch(context.Background(), Command{DeviceID: "dev-1", EntityID: "ent-1"})
	if result.Err == nil {
		t.Fatalf("expected a no-adapter error")
	}
}

func TestDispatchReturnsDeviceNotFound(t *testing.T) {
	lookup := &fakeDeviceLookup{devices: map[string]*entity.Device{}}
	reg := New(nil, lookup)

	result := reg.Dispatch(context.Background(), Command{DeviceID: "missing", EntityID: "ent-1"})
	if result.Err == nil {
		t.Fatalf("expected a device-not-found error")
	}
}
