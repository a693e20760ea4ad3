package hue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/entity"
)

type fakeCredentialStore struct {
	stored map[string][]byte
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{stored: make(map[string][]byte)}
}

func (f *fakeCredentialStore) Get(ctx context.Context, deviceID string) ([]byte, error) {
	v, ok := f.stored[deviceID]
	if !ok {
		return nil, context.Canceled
	}
	return v, nil
}

func (f *fakeCredentialStore) Put(ctx context.Context, deviceID, protocol string, plaintext []byte) error {
	f.stored[deviceID] = plaintext
	return nil
}

type fakeBus struct {
	events []string
}

func (b *fakeBus) Publish(topic string, payload any) { b.events = append(b.events, topic) }

// TestPairSucceedsAfterButtonPress exercises the link-button poll loop: the
// first two registration attempts report "not pressed", the third
// succeeds, mirroring a user pressing the physical button mid-wait.
func TestPairSucceedsAfterButtonPress(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n < 3 {
			json.NewEncoder(w).Encode([]map[string]any{
				{"error": map[string]any{"type": 101, "address": "/", "description": "link button not pressed"}},
			})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"success": map[string]any{"username": "abc123"}},
		})
	}))
	defer server.Close()

	addr := server.Listener.Addr().String()
	creds := newFakeCredentialStore()
	bus := &fakeBus{}
	a := New(nil, creds, bus)

	device := &entity.Device{ID: "bridge-1", Address: addr, Protocol: entity.ProtocolHue}

	statusCh := make(chan adapter.PairState, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.Pair(ctx, device, statusCh)
	if err != nil {
		t.Fatalf("Pair returned error: %v", err)
	}

	if stored, ok := creds.stored["bridge-1"]; !ok || string(stored) != "abc123" {
		t.Fatalf("expected username to be persisted, got %q", stored)
	}

	sawWaiting := false
	sawDone := false
	close(statusCh)
	for s := range statusCh {
		if s.WaitingForButton {
			sawWaiting = true
		}
		if s.Done {
			sawDone = true
		}
	}
	if !sawWaiting {
		t.Fatalf("expected at least one WaitingForButton status update")
	}
	if !sawDone {
		t.Fatalf("expected a Done status update")
	}

	foundPaired := false
	for _, e := range bus.events {
		if e == "device/paired" {
			foundPaired = true
		}
	}
	if !foundPaired {
		t.Fatalf("expected a device/paired event")
	}
}

func TestCommandToPatchTranslatesCapabilities(t *testing.T) {
	patch, err := commandToPatch(adapter.Command{Capability: entity.CapabilityOnOff, Value: map[string]any{"on": true}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patch["on"] != true {
		t.Fatalf("expected on=true in patch, got %v", patch)
	}

	_, err = commandToPatch(adapter.Command{Capability: entity.CapabilityButtonPress})
	if err == nil {
		t.Fatalf("expected an error for an unsupported capability")
	}
}
