package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
)

func TestCoalesceDropsOlderScrubbableAndMergesValue(t *testing.T) {
	cmds := []Command{
		{ID: "1", EntityID: "e1", Capability: entity.CapabilityBrightness, Value: map[string]any{"brightness": 0.2, "transition_ms": 500}},
		{ID: "2", EntityID: "e1", Capability: entity.CapabilityBrightness, Value: map[string]any{"brightness": 0.8}},
	}

	out := Coalesce(cmds)
	if len(out) != 1 {
		t.Fatalf("got %d commands, want 1", len(out))
	}
	if out[0].ID != "2" {
		t.Fatalf("expected surviving command to be the newer one, got %q", out[0].ID)
	}
	if out[0].Value["brightness"] != 0.8 {
		t.Fatalf("brightness = %v, want 0.8", out[0].Value["brightness"])
	}
	if out[0].Value["transition_ms"] != float64(500) {
		t.Fatalf("expected transition_ms carried from older command, got %v", out[0].Value["transition_ms"])
	}
}

func TestCoalesceNeverDropsNonScrubbable(t *testing.T) {
	cmds := []Command{
		{ID: "1", EntityID: "e1", Capability: entity.CapabilityOnOff, Value: map[string]any{"on": true}},
		{ID: "2", EntityID: "e1", Capability: entity.CapabilityOnOff, Value: map[string]any{"on": false}},
	}

	out := Coalesce(cmds)
	if len(out) != 2 {
		t.Fatalf("got %d commands, want 2 (non-scrubbable must never coalesce)", len(out))
	}
}

func TestCoalesceLeavesDistinctEntitiesIndependent(t *testing.T) {
	cmds := []Command{
		{ID: "1", EntityID: "e1", Capability: entity.CapabilityBrightness, Value: map[string]any{"brightness": 0.2}},
		{ID: "2", EntityID: "e2", Capability: entity.CapabilityBrightness, Value: map[string]any{"brightness": 0.5}},
	}

	out := Coalesce(cmds)
	if len(out) != 2 {
		t.Fatalf("got %d commands, want 2", len(out))
	}
}

// TestRunCoalescesQueuedBrightnessCommandsWhileOneIsInFlight mirrors the
// five-brightness-commands scenario: the first command is already
// in-flight by the time the other four arrive, so only it and the last
// arrival ever reach the device, and the three superseded in between are
// reported as coalesced.
func TestRunCoalescesQueuedBrightnessCommandsWhileOneIsInFlight(t *testing.T) {
	q := newEntityQueues()
	started := make(chan Command, 8)
	release := make(chan struct{})
	fn := func(ctx context.Context, c Command) CommandResult {
		started <- c
		<-release
		return CommandResult{Applied: true}
	}

	brightness := func(id string, v float64) Command {
		return Command{ID: id, EntityID: "light_1", Capability: entity.CapabilityBrightness, Value: map[string]any{"brightness": v}}
	}

	results := make([]chan CommandResult, 5)
	ids := []string{"1", "2", "3", "4", "5"}
	values := []float64{0.2, 0.4, 0.6, 0.8, 1.0}

	results[0] = make(chan CommandResult, 1)
	go func() { results[0] <- q.run(context.Background(), brightness(ids[0], values[0]), fn) }()
	<-started // command 1 now holds the execution token

	e := entityFor(t, q, "light_1")

	for i := 1; i < 5; i++ {
		results[i] = make(chan CommandResult, 1)
		i := i
		go func() { results[i] <- q.run(context.Background(), brightness(ids[i], values[i]), fn) }()
		waitForSlot(t, e, entity.CapabilityBrightness, ids[i])
	}

	release <- struct{}{} // let command 1 finish

	second := <-started
	if second.ID != ids[4] {
		t.Fatalf("expected the last arrival (%s) to be the one dispatched, got %s", ids[4], second.ID)
	}
	if second.Value["brightness"] != values[4] {
		t.Fatalf("expected merged brightness %v, got %v", values[4], second.Value["brightness"])
	}
	release <- struct{}{} // let the surviving command finish

	var coalesced int
	for i, ch := range results {
		r := <-ch
		if r.Err != nil {
			t.Fatalf("command %s: unexpected error: %v", ids[i], r.Err)
		}
		if i == 0 || i == 4 {
			if r.Coalesced {
				t.Fatalf("command %s: expected it to be dispatched, not coalesced", ids[i])
			}
			continue
		}
		if !r.Coalesced {
			t.Fatalf("command %s: expected it to be reported as coalesced", ids[i])
		}
		coalesced++
	}
	if coalesced != 3 {
		t.Fatalf("expected 3 coalesced commands, got %d", coalesced)
	}
}

func entityFor(t *testing.T, q *entityQueues, entityID string) *entityQueue {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		e, ok := q.entries[entityID]
		q.mu.Unlock()
		if ok {
			return e
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for entity queue %s to exist", entityID)
	return nil
}

func waitForSlot(t *testing.T, e *entityQueue, cap entity.Capability, wantID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.slotMu.Lock()
		slot, ok := e.slots[cap]
		e.slotMu.Unlock()
		if ok && slot.cmd.ID == wantID {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for slot %s to hold command %s", cap, wantID)
}

func TestTokenBucketLimitsBurst(t *testing.T) {
	b := newTokenBucket(1000) // fast for the test; behavior, not timing, is under test
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
}
