// Package entity holds the normalized device/entity data model and the
// registry that is the system's source of truth for it.
package entity

import "time"

// Protocol tags the wire protocol a device speaks.
type Protocol string

const (
	ProtocolESPHome Protocol = "esphome"
	ProtocolHue     Protocol = "hue"
	ProtocolMQTT    Protocol = "mqtt"
	ProtocolMatter  Protocol = "matter"
	ProtocolZigbee  Protocol = "zigbee"
	ProtocolHTTPSSE Protocol = "http_sse"
)

// Kind is the closed set of entity kinds.
type Kind string

const (
	KindLight        Kind = "light"
	KindSwitch       Kind = "switch"
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary-sensor"
	KindButton       Kind = "button"
	KindNumber       Kind = "number"
	KindTextSensor   Kind = "text-sensor"
	KindLock         Kind = "lock"
	KindCover        Kind = "cover"
	KindClimate      Kind = "climate"
	KindFan          Kind = "fan"
	KindOther        Kind = "other"
)

// Capability is the closed set of command capability tags.
type Capability string

const (
	CapabilityOnOff           Capability = "on-off"
	CapabilityBrightness      Capability = "brightness"
	CapabilityColorTemp       Capability = "color-temperature"
	CapabilityColorRGB        Capability = "color-rgb"
	CapabilityNumberSet       Capability = "number-set"
	CapabilityButtonPress     Capability = "button-press"
	CapabilityLock            Capability = "lock"
	CapabilityCoverPosition   Capability = "cover-position"
	CapabilityClimateTarget   Capability = "climate-target"
	CapabilityVolume          Capability = "volume"
)

// Scrubbable reports whether a capability's intermediate values may be
// safely dropped in favor of the latest (coalescing eligibility).
func (c Capability) Scrubbable() bool {
	switch c {
	case CapabilityBrightness, CapabilityVolume, CapabilityColorTemp, CapabilityNumberSet:
		return true
	default:
		return false
	}
}

// HealthStatus reflects a device's last-observed reachability.
type HealthStatus string

const (
	HealthOnline  HealthStatus = "online"
	HealthOffline HealthStatus = "offline"
	HealthDegraded HealthStatus = "degraded"
	HealthUnknown HealthStatus = "unknown"
)

// CapabilityDescriptor describes the schema of features and ranges an
// entity supports. Immutable for the entity's lifetime.
type CapabilityDescriptor struct {
	Capabilities []Capability `json:"capabilities"`
	BrightnessMin float64      `json:"brightness_min,omitempty"`
	BrightnessMax float64      `json:"brightness_max,omitempty"`
	ColorTempMinK int          `json:"color_temp_min_k,omitempty"`
	ColorTempMaxK int          `json:"color_temp_max_k,omitempty"`
	Unit          string       `json:"unit,omitempty"`
}

// Device is a physical or logical endpoint.
type Device struct {
	ID          string
	Protocol    Protocol
	Fingerprint string // (protocol, fingerprint) is unique
	Name        string
	Address     string
	RoomID      *string
	Manufacturer *string
	Model        *string
	FirmwareVer  *string
	HealthStatus HealthStatus
	HealthLastSeen time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastSeen    time.Time
}

// DeepCopy returns an independent copy of d, so callers holding a
// registry-returned value never alias internal state.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.RoomID != nil {
		v := *d.RoomID
		cp.RoomID = &v
	}
	if d.Manufacturer != nil {
		v := *d.Manufacturer
		cp.Manufacturer = &v
	}
	if d.Model != nil {
		v := *d.Model
		cp.Model = &v
	}
	if d.FirmwareVer != nil {
		v := *d.FirmwareVer
		cp.FirmwareVer = &v
	}
	return &cp
}

// Entity is a singly-typed capability owned by exactly one device.
type Entity struct {
	ID          string
	DeviceID    string
	Kind        Kind
	DriverKey   string // integer or string key, normalized to string
	Descriptor  CapabilityDescriptor
	Name        string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Descriptor.Capabilities = append([]Capability(nil), e.Descriptor.Capabilities...)
	return &cp
}

// State is the latest accepted snapshot for an entity.
type State struct {
	EntityID  string
	Value     map[string]any
	Attrs     map[string]any
	UpdatedAt time.Time
}

func (s *State) DeepCopy() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Value = deepCopyMap(s.Value)
	cp.Attrs = deepCopyMap(s.Attrs)
	return &cp
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return val
	}
}

// HistoryRecord is one append-only entry in EntityStateHistory.
type HistoryRecord struct {
	EntityID  string
	Timestamp time.Time
	Value     map[string]any
	Attrs     map[string]any
}

// Descriptor is what adapters hand the Discovery Manager / Entity Registry
// for an enumerated entity, prior to identifier assignment.
type Descriptor struct {
	Kind       Kind
	DriverKey  string
	Name       string
	Descriptor CapabilityDescriptor
}

// DeviceDescriptor is what discovery hands to upsert_device.
type DeviceDescriptor struct {
	Protocol     Protocol
	Fingerprint  string
	Name         string
	Address      string
	Manufacturer string
	Model        string
	Metadata     map[string]string
}
