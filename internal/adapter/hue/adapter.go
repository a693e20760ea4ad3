package hue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/hubderrors"
	"github.com/pelago-hub/hubd/internal/logging"
)

const (
	deviceType          = "hubd#daemon"
	pairPollInterval    = 1 * time.Second
	pairTotalTimeout    = 30 * time.Second
	pollBaseInterval    = 1 * time.Second
	pollMaxInterval     = 60 * time.Second
	consecutiveErrorCap = 5
)

// CredentialStore persists and loads the per-bridge username issued on
// successful pairing.
type CredentialStore interface {
	Get(ctx context.Context, deviceID string) ([]byte, error)
	Put(ctx context.Context, deviceID, protocol string, plaintext []byte) error
}

// Adapter is the Hue bridge protocol adapter.
type Adapter struct {
	log         *logging.Logger
	credentials CredentialStore
	bus         eventPublisher

	mu      sync.Mutex
	clients map[string]*bridgeClient
	polls   map[string]*pollState
}

type eventPublisher interface {
	Publish(topic string, payload any)
}

type pollState struct {
	cancel context.CancelFunc
}

func New(log *logging.Logger, credentials CredentialStore, bus eventPublisher) *Adapter {
	return &Adapter{
		log:         log,
		credentials: credentials,
		bus:         bus,
		clients:     make(map[string]*bridgeClient),
		polls:       make(map[string]*pollState),
	}
}

func (a *Adapter) Protocol() entity.Protocol { return entity.ProtocolHue }

func (a *Adapter) Initialize(ctx context.Context) error { return nil }

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.polls {
		p.cancel()
	}
	a.polls = make(map[string]*pollState)
	a.clients = make(map[string]*bridgeClient)
	return nil
}

// Discover returns an already-closed channel: bridges are found by the
// shared mDNS browser that internal/discovery runs. No HTTPS cloud
// fallback lookup exists, here or in internal/discovery.
func (a *Adapter) Discover(ctx context.Context) (<-chan entity.DeviceDescriptor, error) {
	ch := make(chan entity.DeviceDescriptor)
	close(ch)
	return ch, nil
}

func (a *Adapter) getClient(ctx context.Context, device *entity.Device) (*bridgeClient, error) {
	a.mu.Lock()
	c, ok := a.clients[device.ID]
	a.mu.Unlock()
	if ok {
		return c, nil
	}

	c = newBridgeClient(device.Address)
	if a.credentials != nil {
		if username, err := a.credentials.Get(ctx, device.ID); err == nil {
			c.username = string(username)
		}
	}

	a.mu.Lock()
	a.clients[device.ID] = c
	a.mu.Unlock()
	return c, nil
}

func (a *Adapter) Connect(ctx context.Context, device *entity.Device) error {
	c, err := a.getClient(ctx, device)
	if err != nil {
		return err
	}
	if c.username == "" {
		return hubderrors.New(hubderrors.CategoryAuthRequired, "hue: bridge not paired", nil)
	}
	return nil
}

// Pair runs the link-button registration loop: POST /api repeatedly until
// the bridge either returns a username or the total timeout elapses.
// statusCh receives a WaitingForButton update on every unsuccessful poll.
func (a *Adapter) Pair(ctx context.Context, device *entity.Device, statusCh chan<- adapter.PairState) error {
	c, err := a.getClient(ctx, device)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(pairTotalTimeout)
	ticker := time.NewTicker(pairPollInterval)
	defer ticker.Stop()

	for {
		username, waiting, err := c.register(ctx, deviceType)
		if err != nil {
			sendPairState(statusCh, adapter.PairState{Err: err})
			return err
		}
		if !waiting && username != "" {
			c.username = username
			if a.credentials != nil {
				if err := a.credentials.Put(ctx, device.ID, string(entity.ProtocolHue), []byte(username)); err != nil {
					return fmt.Errorf("hue: persist credential: %w", err)
				}
			}
			sendPairState(statusCh, adapter.PairState{Done: true})
			if a.bus != nil {
				a.bus.Publish("device/paired", map[string]any{"device_id": device.ID})
			}
			return nil
		}

		sendPairState(statusCh, adapter.PairState{WaitingForButton: true})

		if time.Now().After(deadline) {
			return hubderrors.New(hubderrors.CategoryAuthRequired, "hue: link button timeout", nil)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sendPairState(statusCh chan<- adapter.PairState, s adapter.PairState) {
	if statusCh == nil {
		return
	}
	select {
	case statusCh <- s:
	default:
	}
}

func (a *Adapter) EnumerateEntities(ctx context.Context, device *entity.Device) ([]entity.Descriptor, error) {
	c, err := a.getClient(ctx, device)
	if err != nil {
		return nil, err
	}
	if c.username == "" {
		return nil, hubderrors.New(hubderrors.CategoryAuthRequired, "hue: bridge not paired", nil)
	}

	lights, err := c.getLights(ctx)
	if err != nil {
		return nil, hubderrors.New(hubderrors.CategoryTransientIO, "hue: list lights", err)
	}

	out := make([]entity.Descriptor, 0, len(lights))
	for id, l := range lights {
		out = append(out, entity.Descriptor{
			Kind:      entity.KindLight,
			DriverKey: id,
			Name:      l.Name,
			Descriptor: entity.CapabilityDescriptor{
				Capabilities:  []entity.Capability{entity.CapabilityOnOff, entity.CapabilityBrightness, entity.CapabilityColorTemp},
				BrightnessMin: 0,
				BrightnessMax: 1,
			},
		})
	}
	return out, nil
}

// SubscribeState has no push transport in the Hue v1 REST API; the
// adapter runs its own polling loop and reports through onUpdate the same
// way a push adapter would.
func (a *Adapter) SubscribeState(ctx context.Context, device *entity.Device, onUpdate func(adapter.StateUpdate)) (func(), error) {
	c, err := a.getClient(ctx, device)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.polls[device.ID] = &pollState{cancel: cancel}
	a.mu.Unlock()

	go a.pollLoop(pollCtx, device, c, onUpdate)

	unsubscribe := func() {
		cancel()
		a.mu.Lock()
		delete(a.polls, device.ID)
		a.mu.Unlock()
	}
	return unsubscribe, nil
}

func (a *Adapter) pollLoop(ctx context.Context, device *entity.Device, c *bridgeClient, onUpdate func(adapter.StateUpdate)) {
	interval := pollBaseInterval
	consecutiveErrors := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		lights, err := c.getLights(ctx)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= consecutiveErrorCap {
				interval *= 2
				if interval > pollMaxInterval {
					interval = pollMaxInterval
				}
				if a.bus != nil {
					a.bus.Publish("device/unreachable", map[string]any{"device_id": device.ID})
				}
			}
			timer.Reset(interval)
			continue
		}

		consecutiveErrors = 0
		interval = pollBaseInterval

		now := time.Now()
		for id, l := range lights {
			value := map[string]any{
				"on":           l.State.On,
				"brightness":   briToFraction(l.State.Bri),
				"color_temp_k": miredsToKelvin(l.State.CT),
			}
			attrs := map[string]any{"reachable": l.State.Reachable}
			onUpdate(adapter.StateUpdate{
				DeviceID:  device.ID,
				DriverKey: id,
				Value:     value,
				Attrs:     attrs,
				At:        now,
			})
		}

		timer.Reset(interval)
	}
}

func (a *Adapter) SendCommand(ctx context.Context, device *entity.Device, cmd adapter.Command) adapter.CommandResult {
	c, err := a.getClient(ctx, device)
	if err != nil {
		return adapter.CommandResult{Err: err}
	}

	lightID, err := parseLightID(cmd.DriverKey)
	if err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryBadRequest, "hue: bad driver key", err)}
	}

	patch, err := commandToPatch(cmd)
	if err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryUnknownCapability, "hue: unsupported capability", err)}
	}

	if err := c.setLightState(ctx, lightID, patch); err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryTransientIO, "hue: set state", err)}
	}
	return adapter.CommandResult{Applied: true}
}

func commandToPatch(cmd adapter.Command) (map[string]any, error) {
	switch cmd.Capability {
	case entity.CapabilityOnOff:
		on, _ := cmd.Value["on"].(bool)
		return map[string]any{"on": on}, nil
	case entity.CapabilityBrightness:
		frac, _ := cmd.Value["brightness"].(float64)
		return map[string]any{"bri": fractionToBri(frac)}, nil
	case entity.CapabilityColorTemp:
		kelvin, _ := cmd.Value["color_temp_k"].(float64)
		return map[string]any{"ct": kelvinToMireds(kelvin)}, nil
	default:
		return nil, fmt.Errorf("unsupported capability %q", cmd.Capability)
	}
}

// PollState does an out-of-band snapshot fetch, used after a reconnect to
// seed state before the regular poll loop catches up.
func (a *Adapter) PollState(ctx context.Context, device *entity.Device) ([]adapter.StateUpdate, error) {
	c, err := a.getClient(ctx, device)
	if err != nil {
		return nil, err
	}

	lights, err := c.getLights(ctx)
	if err != nil {
		return nil, hubderrors.New(hubderrors.CategoryTransientIO, "hue: poll lights", err)
	}

	now := time.Now()
	out := make([]adapter.StateUpdate, 0, len(lights))
	for id, l := range lights {
		out = append(out, adapter.StateUpdate{
			DeviceID:  device.ID,
			DriverKey: id,
			Value: map[string]any{
				"on":           l.State.On,
				"brightness":   briToFraction(l.State.Bri),
				"color_temp_k": miredsToKelvin(l.State.CT),
			},
			Attrs: map[string]any{"reachable": l.State.Reachable},
			At:    now,
		})
	}
	return out, nil
}
