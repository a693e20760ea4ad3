// Package esphome implements the ESPHome native API protocol adapter:
// plaintext TCP handshake, entity enumeration, push-mode state
// subscription, and command dispatch, framed with internal/transport/espframe.
package esphome

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/hubderrors"
	"github.com/pelago-hub/hubd/internal/logging"
	"github.com/pelago-hub/hubd/internal/transport/espframe"
)

const (
	defaultPort       = 6053
	dialTimeout       = 10 * time.Second
	helloTimeout      = 5 * time.Second
	pingInterval      = 30 * time.Second
	pingTimeout       = 60 * time.Second
	clientName        = "hubd"
	clientAPIVersion  = 1
)

// CredentialSource loads a per-device password, set on pairing.
type CredentialSource interface {
	Get(ctx context.Context, deviceID string) ([]byte, error)
}

// Adapter is the ESPHome native API protocol adapter.
type Adapter struct {
	log         *logging.Logger
	credentials CredentialSource

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds an ESPHome adapter. credentials may be nil for devices that
// never set an API password.
func New(log *logging.Logger, credentials CredentialSource) *Adapter {
	return &Adapter{
		log:         log,
		credentials: credentials,
		sessions:    make(map[string]*session),
	}
}

func (a *Adapter) Protocol() entity.Protocol { return entity.ProtocolESPHome }

func (a *Adapter) Initialize(ctx context.Context) error { return nil }

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	sessions := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[string]*session)
	a.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// Discover has no protocol-native discovery stream of its own beyond the
// shared mDNS browser; it returns an already-closed channel.
func (a *Adapter) Discover(ctx context.Context) (<-chan entity.DeviceDescriptor, error) {
	ch := make(chan entity.DeviceDescriptor)
	close(ch)
	return ch, nil
}

func (a *Adapter) Connect(ctx context.Context, device *entity.Device) error {
	_, err := a.getOrDial(ctx, device)
	return err
}

func (a *Adapter) getOrDial(ctx context.Context, device *entity.Device) (*session, error) {
	a.mu.Lock()
	s, ok := a.sessions[device.ID]
	a.mu.Unlock()
	if ok && s.alive() {
		return s, nil
	}

	var password []byte
	if a.credentials != nil {
		if p, err := a.credentials.Get(ctx, device.ID); err == nil {
			password = p
		}
	}

	s, err := dial(ctx, device.Address, password)
	if err != nil {
		return nil, hubderrors.New(hubderrors.CategoryTransientIO, "esphome: connect failed", err)
	}

	a.mu.Lock()
	a.sessions[device.ID] = s
	a.mu.Unlock()

	go s.pingLoop()
	return s, nil
}

// Pair does not contact the device: it returns nil and sends nothing on
// statusCh. It runs no password handshake and stores no credential; the
// password Connect presents comes from the adapter's credential source.
func (a *Adapter) Pair(ctx context.Context, device *entity.Device, statusCh chan<- adapter.PairState) error {
	return nil
}

func (a *Adapter) EnumerateEntities(ctx context.Context, device *entity.Device) ([]entity.Descriptor, error) {
	s, err := a.getOrDial(ctx, device)
	if err != nil {
		return nil, err
	}

	if err := s.writeMessage(msgListEntitiesRequest, nil); err != nil {
		return nil, hubderrors.New(hubderrors.CategoryTransientIO, "esphome: list entities request", err)
	}

	var out []entity.Descriptor
	for {
		frame, err := s.readFrame(ctx)
		if err != nil {
			return nil, hubderrors.New(hubderrors.CategoryTransientIO, "esphome: read entity list", err)
		}
		if frame.Type == msgListEntitiesDone {
			break
		}

		desc, ok, err := decodeEntityDescriptor(frame)
		if err != nil {
			continue // unrecognized/malformed entry skipped, not fatal
		}
		if ok {
			out = append(out, desc)
		}
	}
	return out, nil
}

func decodeEntityDescriptor(frame espframe.Frame) (entity.Descriptor, bool, error) {
	kind, ok := kindForMessageType(frame.Type)
	if !ok {
		return entity.Descriptor{}, false, nil
	}

	fields, err := espframe.DecodeFields(frame.Body)
	if err != nil {
		return entity.Descriptor{}, false, err
	}

	var name string
	var key uint32
	var haveKey bool
	for _, f := range fields {
		switch f.Number {
		case fieldName:
			name = string(f.Bytes)
		case fieldKey:
			key, haveKey = fieldToKey(f)
		}
	}
	if !haveKey {
		return entity.Descriptor{}, false, fmt.Errorf("esphome: entity descriptor missing key")
	}

	return entity.Descriptor{
		Kind:      kind,
		DriverKey: strconv.FormatUint(uint64(key), 10),
		Name:      name,
		Descriptor: entity.CapabilityDescriptor{
			Capabilities: capabilitiesForKind(kind),
		},
	}, true, nil
}

func kindForMessageType(msgType uint64) (entity.Kind, bool) {
	switch msgType {
	case msgListEntitiesBinarySensor:
		return entity.KindBinarySensor, true
	case msgListEntitiesSwitch:
		return entity.KindSwitch, true
	case msgListEntitiesLight:
		return entity.KindLight, true
	case msgListEntitiesSensor:
		return entity.KindSensor, true
	case msgListEntitiesTextSensor:
		return entity.KindTextSensor, true
	case msgListEntitiesNumber:
		return entity.KindNumber, true
	case msgListEntitiesButton:
		return entity.KindButton, true
	default:
		return "", false
	}
}

func capabilitiesForKind(kind entity.Kind) []entity.Capability {
	switch kind {
	case entity.KindSwitch:
		return []entity.Capability{entity.CapabilityOnOff}
	case entity.KindLight:
		return []entity.Capability{entity.CapabilityOnOff, entity.CapabilityBrightness, entity.CapabilityColorTemp}
	case entity.KindNumber:
		return []entity.Capability{entity.CapabilityNumberSet}
	case entity.KindButton:
		return []entity.Capability{entity.CapabilityButtonPress}
	default:
		return nil
	}
}

// fieldToKey resolves the driver-key field honoring both wire shapes the
// spec calls out: an unsigned varint, or a little-endian fixed-32.
func fieldToKey(f espframe.Field) (uint32, bool) {
	switch f.Wire {
	case 0:
		return uint32(f.Varint), true
	case 5:
		return f.Fixed32, true
	default:
		return 0, false
	}
}

func (a *Adapter) SubscribeState(ctx context.Context, device *entity.Device, onUpdate func(adapter.StateUpdate)) (func(), error) {
	s, err := a.getOrDial(ctx, device)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.onUpdate = onUpdate
	s.deviceID = device.ID
	s.mu.Unlock()

	if err := s.writeMessage(msgSubscribeStatesRequest, nil); err != nil {
		return nil, hubderrors.New(hubderrors.CategoryTransientIO, "esphome: subscribe states", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	go s.readLoop(readCtx)

	unsubscribe := func() {
		cancel()
		s.mu.Lock()
		s.onUpdate = nil
		s.mu.Unlock()
	}
	return unsubscribe, nil
}

func (a *Adapter) SendCommand(ctx context.Context, device *entity.Device, cmd adapter.Command) adapter.CommandResult {
	s, err := a.getOrDial(ctx, device)
	if err != nil {
		return adapter.CommandResult{Err: err}
	}

	key, err := strconv.ParseUint(cmd.DriverKey, 10, 32)
	if err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryBadRequest, "esphome: invalid driver key", err)}
	}

	msgType, fields, err := encodeCommand(uint32(key), cmd)
	if err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryUnknownCapability, "esphome: unsupported capability", err)}
	}

	if err := s.writeMessage(msgType, espframe.EncodeMessage(fields...)); err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryTransientIO, "esphome: send command", err)}
	}
	return adapter.CommandResult{Applied: true}
}

func encodeCommand(key uint32, cmd adapter.Command) (uint64, []espframe.Field, error) {
	switch cmd.Capability {
	case entity.CapabilityOnOff:
		on, _ := cmd.Value["on"].(bool)
		v := uint64(0)
		if on {
			v = 1
		}
		return msgSwitchCommand, []espframe.Field{
			espframe.VarintField(fieldStateKey, uint64(key)),
			espframe.VarintField(fieldStateBool, v),
		}, nil
	case entity.CapabilityBrightness:
		brightness, _ := cmd.Value["brightness"].(float64)
		return msgLightCommand, []espframe.Field{
			espframe.VarintField(fieldStateKey, uint64(key)),
			espframe.Float32Field(fieldLightBrightness, float32(brightness)),
		}, nil
	case entity.CapabilityColorTemp:
		kelvin, _ := cmd.Value["color_temp_k"].(float64)
		return msgLightCommand, []espframe.Field{
			espframe.VarintField(fieldStateKey, uint64(key)),
			espframe.Float32Field(fieldLightColorTempK, float32(kelvin)),
		}, nil
	case entity.CapabilityNumberSet:
		value, _ := cmd.Value["value"].(float64)
		return msgNumberCommand, []espframe.Field{
			espframe.VarintField(fieldStateKey, uint64(key)),
			espframe.Float32Field(fieldStateFloat, float32(value)),
		}, nil
	case entity.CapabilityButtonPress:
		return msgButtonCommand, []espframe.Field{
			espframe.VarintField(fieldStateKey, uint64(key)),
		}, nil
	default:
		return 0, nil, fmt.Errorf("unsupported capability %q", cmd.Capability)
	}
}

// PollState has no dedicated fetch message in the native API beyond
// re-subscribing; the daemon relies on SubscribeState's initial burst of
// state frames on reconnect instead.
func (a *Adapter) PollState(ctx context.Context, device *entity.Device) ([]adapter.StateUpdate, error) {
	return nil, nil
}

func dial(ctx context.Context, address string, password []byte) (*session, error) {
	target := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		target = fmt.Sprintf("%s:%d", address, defaultPort)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s := &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		done:   make(chan struct{}),
	}
	s.lastPong.Store(time.Now().Unix())

	if err := s.handshake(password); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}
