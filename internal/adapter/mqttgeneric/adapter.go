package mqttgeneric

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/hubderrors"
	"github.com/pelago-hub/hubd/internal/logging"
)

// TopicEntity is one statically-declared entity: its driver key, kind,
// capabilities, and the topic pair it's bound to.
type TopicEntity struct {
	DriverKey    string             `yaml:"driver_key"`
	Name         string             `yaml:"name"`
	Kind         entity.Kind        `yaml:"kind"`
	Capabilities []entity.Capability `yaml:"capabilities"`
	StateTopic   string             `yaml:"state_topic"`
	CommandTopic string             `yaml:"command_topic"`
}

// DeviceConfig is one statically-declared MQTT device.
type DeviceConfig struct {
	DeviceID string        `yaml:"device_id"` // matches entity.Device.ID once registered
	Broker   BrokerConfig  `yaml:"broker"`
	Entities []TopicEntity `yaml:"entities"`
}

// Config is the adapter's full static configuration, read at startup
// since mqttgeneric has no discovery of its own.
type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// Adapter is the generic MQTT protocol adapter.
type Adapter struct {
	log    *logging.Logger
	config Config

	mu       sync.Mutex
	brokers  map[string]*brokerClient // deviceID -> broker
	entities map[string]map[string]TopicEntity // deviceID -> driverKey -> entity
}

func New(log *logging.Logger, config Config) *Adapter {
	entities := make(map[string]map[string]TopicEntity, len(config.Devices))
	for _, d := range config.Devices {
		m := make(map[string]TopicEntity, len(d.Entities))
		for _, e := range d.Entities {
			m[e.DriverKey] = e
		}
		entities[d.DeviceID] = m
	}
	return &Adapter{
		log:      log,
		config:   config,
		brokers:  make(map[string]*brokerClient),
		entities: entities,
	}
}

func (a *Adapter) Protocol() entity.Protocol { return entity.ProtocolMQTT }

func (a *Adapter) Initialize(ctx context.Context) error { return nil }

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.brokers {
		b.close()
	}
	a.brokers = make(map[string]*brokerClient)
	return nil
}

// Discover returns an already-closed channel: devices are declared
// statically, never discovered.
func (a *Adapter) Discover(ctx context.Context) (<-chan entity.DeviceDescriptor, error) {
	ch := make(chan entity.DeviceDescriptor)
	close(ch)
	return ch, nil
}

func (a *Adapter) deviceConfig(deviceID string) (DeviceConfig, bool) {
	for _, d := range a.config.Devices {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

func (a *Adapter) getOrConnect(device *entity.Device) (*brokerClient, error) {
	a.mu.Lock()
	b, ok := a.brokers[device.ID]
	a.mu.Unlock()
	if ok {
		return b, nil
	}

	cfg, ok := a.deviceConfig(device.ID)
	if !ok {
		return nil, hubderrors.New(hubderrors.CategoryBadRequest, "mqttgeneric: no static config for device "+device.ID, nil)
	}

	b, err := connectBroker(a.log, cfg.Broker)
	if err != nil {
		return nil, hubderrors.New(hubderrors.CategoryTransientIO, "mqttgeneric: connect broker", err)
	}

	a.mu.Lock()
	a.brokers[device.ID] = b
	a.mu.Unlock()
	return b, nil
}

func (a *Adapter) Connect(ctx context.Context, device *entity.Device) error {
	_, err := a.getOrConnect(device)
	return err
}

// Pair is a no-op: mqttgeneric devices authenticate via the broker's
// static username/password in config, not an interactive flow.
func (a *Adapter) Pair(ctx context.Context, device *entity.Device, statusCh chan<- adapter.PairState) error {
	return nil
}

func (a *Adapter) EnumerateEntities(ctx context.Context, device *entity.Device) ([]entity.Descriptor, error) {
	cfg, ok := a.deviceConfig(device.ID)
	if !ok {
		return nil, hubderrors.New(hubderrors.CategoryBadRequest, "mqttgeneric: no static config for device "+device.ID, nil)
	}

	out := make([]entity.Descriptor, 0, len(cfg.Entities))
	for _, e := range cfg.Entities {
		out = append(out, entity.Descriptor{
			Kind:      e.Kind,
			DriverKey: e.DriverKey,
			Name:      e.Name,
			Descriptor: entity.CapabilityDescriptor{
				Capabilities: e.Capabilities,
			},
		})
	}
	return out, nil
}

func (a *Adapter) SubscribeState(ctx context.Context, device *entity.Device, onUpdate func(adapter.StateUpdate)) (func(), error) {
	b, err := a.getOrConnect(device)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	entities := a.entities[device.ID]
	a.mu.Unlock()

	for _, e := range entities {
		e := e
		err := b.subscribe(e.StateTopic, func(topic string, payload []byte) {
			value := decodeStatePayload(payload)
			onUpdate(adapter.StateUpdate{
				DeviceID:  device.ID,
				DriverKey: e.DriverKey,
				Value:     value,
				At:        time.Now(),
			})
		})
		if err != nil {
			return nil, hubderrors.New(hubderrors.CategoryTransientIO, "mqttgeneric: subscribe", err)
		}
	}

	return func() {}, nil
}

func decodeStatePayload(payload []byte) map[string]any {
	var value map[string]any
	if err := json.Unmarshal(payload, &value); err == nil {
		return value
	}
	// Non-JSON payloads are treated as a bare on/off string, the common
	// case for minimal firmware that just publishes "ON"/"OFF".
	text := strings.TrimSpace(string(payload))
	switch strings.ToUpper(text) {
	case "ON":
		return map[string]any{"on": true}
	case "OFF":
		return map[string]any{"on": false}
	default:
		return map[string]any{"text": text}
	}
}

func (a *Adapter) SendCommand(ctx context.Context, device *entity.Device, cmd adapter.Command) adapter.CommandResult {
	b, err := a.getOrConnect(device)
	if err != nil {
		return adapter.CommandResult{Err: err}
	}

	a.mu.Lock()
	e, ok := a.entities[device.ID][cmd.DriverKey]
	a.mu.Unlock()
	if !ok {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryBadRequest, "mqttgeneric: unknown driver key "+cmd.DriverKey, nil)}
	}

	payload, err := encodeCommandPayload(cmd)
	if err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryUnknownCapability, "mqttgeneric: encode command", err)}
	}

	if err := b.publish(e.CommandTopic, payload); err != nil {
		return adapter.CommandResult{Err: hubderrors.New(hubderrors.CategoryTransientIO, "mqttgeneric: publish command", err)}
	}
	return adapter.CommandResult{Applied: true}
}

func encodeCommandPayload(cmd adapter.Command) ([]byte, error) {
	switch cmd.Capability {
	case entity.CapabilityOnOff:
		on, _ := cmd.Value["on"].(bool)
		if on {
			return []byte("ON"), nil
		}
		return []byte("OFF"), nil
	default:
		if cmd.Value == nil {
			return nil, fmt.Errorf("mqttgeneric: command has no value")
		}
		return json.Marshal(cmd.Value)
	}
}

// PollState has no dedicated fetch in MQTT; retained messages replay on
// (re)subscribe instead, so there is nothing additional to poll.
func (a *Adapter) PollState(ctx context.Context, device *entity.Device) ([]adapter.StateUpdate, error) {
	return nil, nil
}
