// Package discovery aggregates raw service announcements from the
// protocol-agnostic mDNS browser and each adapter's own discover() stream
// into a single deduplicated discovery/found, discovery/lost event feed.
package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/eventbus"
)

// RawInstance is one unclassified service announcement, from mDNS or an
// adapter's own discovery stream.
type RawInstance struct {
	ServiceType string
	Name        string
	Host        string
	Address     string
	Port        uint16
	TXT         map[string]string
}

// Classifier turns a RawInstance into a concrete protocol + fingerprint,
// or reports that the instance doesn't belong to any known protocol.
type Classifier func(RawInstance) (protocol entity.Protocol, fingerprint string, ok bool)

type trackedDevice struct {
	descriptor entity.DeviceDescriptor
	lastSeen   time.Time
	lost       bool
}

// Manager deduplicates by (protocol, fingerprint), emits discovery/found
// once per newly-seen pair (and again only after that pair was marked
// lost), and emits discovery/lost once a tracked device has not
// reappeared within graceWindow.
type Manager struct {
	mu         sync.Mutex
	tracked    map[string]*trackedDevice
	classifier Classifier
	bus        *eventbus.Bus

	graceWindow time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Manager. graceWindow defaults to 60s if <= 0.
func New(classifier Classifier, bus *eventbus.Bus, graceWindow time.Duration) *Manager {
	if graceWindow <= 0 {
		graceWindow = 60 * time.Second
	}
	return &Manager{
		tracked:     make(map[string]*trackedDevice),
		classifier:  classifier,
		bus:         bus,
		graceWindow: graceWindow,
		done:        make(chan struct{}),
	}
}

func key(protocol entity.Protocol, fingerprint string) string {
	return string(protocol) + "|" + fingerprint
}

// Observe normalizes and classifies a raw instance. It promotes an
// ambiguous HTTP service whose hostname hints at an ESPHome device (per
// the classifier's own rule set — see ClassifyDefault), deduplicates by
// (protocol, fingerprint), and emits discovery/found on first sighting.
// A re-sighting refreshes last_seen, and re-emits discovery/found only
// when the device had been marked lost.
func (m *Manager) Observe(raw RawInstance) {
	protocol, fingerprint, ok := m.classifier(raw)
	if !ok {
		return
	}

	k := key(protocol, fingerprint)
	now := time.Now()

	m.mu.Lock()
	existing, found := m.tracked[k]
	desc := entity.DeviceDescriptor{
		Protocol:    protocol,
		Fingerprint: fingerprint,
		Name:        raw.Name,
		Address:     raw.Address,
	}

	if found {
		existing.descriptor = desc
		existing.lastSeen = now
		wasLost := existing.lost
		existing.lost = false
		m.mu.Unlock()

		if wasLost && m.bus != nil {
			m.bus.Publish("discovery/found", desc)
		}
		return
	}

	m.tracked[k] = &trackedDevice{descriptor: desc, lastSeen: now}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish("discovery/found", desc)
	}
}

// StartGraceSweep runs a background loop that checks every interval for
// tracked devices that have exceeded the grace window without
// reappearing, emitting discovery/lost for each.
func (m *Manager) StartGraceSweep(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var lost []entity.DeviceDescriptor
	for _, t := range m.tracked {
		if !t.lost && now.Sub(t.lastSeen) > m.graceWindow {
			t.lost = true
			lost = append(lost, t.descriptor)
		}
	}
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	for _, desc := range lost {
		m.bus.Publish("discovery/lost", desc)
	}
}

// Snapshot returns the current non-persisted discovery view, used by the
// GET /api/devices/discovered endpoint.
func (m *Manager) Snapshot() []entity.DeviceDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]entity.DeviceDescriptor, 0, len(m.tracked))
	for _, t := range m.tracked {
		if !t.lost {
			out = append(out, t.descriptor)
		}
	}
	return out
}

// Close stops the grace-sweep loop.
func (m *Manager) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
	return nil
}

// ClassifyDefault implements the daemon's built-in classification rules:
// explicit service-type mapping for ESPHome/Hue, plus the promotion rule
// for an ambiguous HTTP service whose hostname contains an ESPHome
// hallmark.
func ClassifyDefault(raw RawInstance) (entity.Protocol, string, bool) {
	switch {
	case strings.HasPrefix(raw.ServiceType, "_esphomelib._tcp"):
		return entity.ProtocolESPHome, fingerprintFromTXT(raw, "mac", raw.Name), true
	case strings.HasPrefix(raw.ServiceType, "_hue._tcp"):
		return entity.ProtocolHue, fingerprintFromTXT(raw, "bridgeid", raw.Name), true
	case strings.HasPrefix(raw.ServiceType, "_http._tcp") && looksLikeESPHomeHost(raw):
		return entity.ProtocolESPHome, fingerprintFromTXT(raw, "mac", raw.Host), true
	default:
		return "", "", false
	}
}

func looksLikeESPHomeHost(raw RawInstance) bool {
	host := strings.ToLower(raw.Host + raw.Name)
	for _, hint := range []string{"esphome", "esp32", "apollo"} {
		if strings.Contains(host, hint) {
			return true
		}
	}
	return false
}

func fingerprintFromTXT(raw RawInstance, txtKey, fallback string) string {
	if raw.TXT != nil {
		if v, ok := raw.TXT[txtKey]; ok && v != "" {
			return v
		}
	}
	return fallback
}
