package commandqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/eventbus"
	"github.com/pelago-hub/hubd/internal/hubderrors"
	"github.com/pelago-hub/hubd/internal/remotestore"
)

type fakeEntityResolver struct {
	entities map[string]*entity.Entity // keyed by device_id|capability
}

func (f *fakeEntityResolver) FindEntityByCapability(deviceID string, capability entity.Capability) (*entity.Entity, error) {
	return f.entities[deviceID+"|"+string(capability)], nil
}

type fakeDispatcher struct {
	dispatched []adapter.Command
	result     adapter.CommandResult
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, cmd adapter.Command) adapter.CommandResult {
	f.dispatched = append(f.dispatched, cmd)
	return f.result
}

func TestBuildCommandResolvesEntityAndDecodesValue(t *testing.T) {
	resolver := &fakeEntityResolver{entities: map[string]*entity.Entity{
		"d1|on-off": {ID: "e1", DeviceID: "d1", DriverKey: "42"},
	}}
	c := &Consumer{entities: resolver}

	row := remotestore.CommandRow{
		ID:         "c1",
		DeviceID:   "d1",
		Capability: "on-off",
		Value:      json.RawMessage(`{"on":true}`),
		CreatedAt:  time.Now(),
	}

	cmd, cat, msg := c.buildCommand(row)
	if cat != "" {
		t.Fatalf("unexpected failure category %q: %s", cat, msg)
	}
	if cmd.EntityID != "e1" || cmd.DriverKey != "42" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if on, _ := cmd.Value["on"].(bool); !on {
		t.Fatalf("expected decoded on=true, got %+v", cmd.Value)
	}
}

func TestBuildCommandFailsWhenNoEntityExposesCapability(t *testing.T) {
	resolver := &fakeEntityResolver{entities: map[string]*entity.Entity{}}
	c := &Consumer{entities: resolver}

	row := remotestore.CommandRow{ID: "c1", DeviceID: "d1", Capability: "on-off"}
	_, cat, _ := c.buildCommand(row)
	if cat != hubderrors.CategoryUnknownCapability {
		t.Fatalf("expected unknown_capability category, got %q", cat)
	}
}

func TestBuildCommandFailsOnMalformedValue(t *testing.T) {
	resolver := &fakeEntityResolver{entities: map[string]*entity.Entity{
		"d1|on-off": {ID: "e1", DeviceID: "d1", DriverKey: "42"},
	}}
	c := &Consumer{entities: resolver}

	row := remotestore.CommandRow{ID: "c1", DeviceID: "d1", Capability: "on-off", Value: json.RawMessage(`not-json`)}
	_, cat, _ := c.buildCommand(row)
	if cat != hubderrors.CategoryBadRequest {
		t.Fatalf("expected bad_request category, got %q", cat)
	}
}

func TestProcessPublishesCommandResultOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]remotestore.CommandRow{{ID: "c1", Status: "processing"}})
	}))
	defer srv.Close()

	resolver := &fakeEntityResolver{entities: map[string]*entity.Entity{
		"d1|brightness": {ID: "e1", DeviceID: "d1", DriverKey: "42"},
	}}
	dispatcher := &fakeDispatcher{result: adapter.CommandResult{Applied: true}}
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()
	sub.SubscribeTopic("command/c1/result")

	c := &Consumer{
		rest:     remotestore.NewRESTClient(remotestore.Config{BaseURL: srv.URL, APIKey: "key"}),
		entities: resolver,
		adapters: dispatcher,
		bus:      bus,
	}

	c.process(context.Background(), remotestore.CommandRow{ID: "c1", DeviceID: "d1", Capability: "brightness", Value: json.RawMessage(`{"brightness":0.5}`)})

	evt, ok := sub.Next(make(chan struct{}))
	if !ok {
		t.Fatalf("expected a command/c1/result event")
	}
	payload, ok := evt.Payload.(map[string]any)
	if !ok || payload["status"] != "completed" {
		t.Fatalf("unexpected payload: %+v", evt.Payload)
	}
	if payload["coalesced"] != false {
		t.Fatalf("expected coalesced=false, got %v", payload["coalesced"])
	}
}

func TestProcessPublishesCoalescedAnnotation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]remotestore.CommandRow{{ID: "c1", Status: "processing"}})
	}))
	defer srv.Close()

	resolver := &fakeEntityResolver{entities: map[string]*entity.Entity{
		"d1|brightness": {ID: "e1", DeviceID: "d1", DriverKey: "42"},
	}}
	dispatcher := &fakeDispatcher{result: adapter.CommandResult{Applied: true, Coalesced: true}}
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()
	sub.SubscribeTopic("command/c1/result")

	c := &Consumer{
		rest:     remotestore.NewRESTClient(remotestore.Config{BaseURL: srv.URL, APIKey: "key"}),
		entities: resolver,
		adapters: dispatcher,
		bus:      bus,
	}

	c.process(context.Background(), remotestore.CommandRow{ID: "c1", DeviceID: "d1", Capability: "brightness", Value: json.RawMessage(`{"brightness":0.5}`)})

	evt, ok := sub.Next(make(chan struct{}))
	if !ok {
		t.Fatalf("expected a command/c1/result event")
	}
	payload := evt.Payload.(map[string]any)
	if payload["coalesced"] != true {
		t.Fatalf("expected coalesced=true, got %v", payload["coalesced"])
	}
}

func TestFailPublishesCommandFailedEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(nil)
	}))
	defer srv.Close()

	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()
	sub.SubscribeTopic("command/c1/failed")

	c := &Consumer{
		rest: remotestore.NewRESTClient(remotestore.Config{BaseURL: srv.URL, APIKey: "key"}),
		bus:  bus,
	}

	c.fail(context.Background(), remotestore.CommandRow{ID: "c1"}, hubderrors.CategoryTransientIO, "device unreachable")

	evt, ok := sub.Next(make(chan struct{}))
	if !ok {
		t.Fatalf("expected a command/c1/failed event")
	}
	payload := evt.Payload.(map[string]any)
	if payload["error"] != "device unreachable" {
		t.Fatalf("unexpected payload: %+v", evt.Payload)
	}
}

func TestModeStringsReflectState(t *testing.T) {
	if ModePush.String() != "push" {
		t.Fatalf("expected push")
	}
	if ModePull.String() != "pull" {
		t.Fatalf("expected pull")
	}
}
