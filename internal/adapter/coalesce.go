package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	jsonmerge "github.com/apapsch/go-jsonmerge/v2"

	"github.com/pelago-hub/hubd/internal/entity"
)

// entityQueues serializes command execution per entity and applies a
// per-entity token-bucket rate limit before handing a command to the
// adapter.
type entityQueues struct {
	mu      sync.Mutex
	entries map[string]*entityQueue
}

func newEntityQueues() *entityQueues {
	return &entityQueues{entries: make(map[string]*entityQueue)}
}

type entityQueue struct {
	limiter *tokenBucket

	// exec is a 1-buffered channel used as a select-able mutex: holding
	// the single token serializes SendCommand calls for this entity the
	// same way a sync.Mutex would, but a channel lets a waiting command
	// also watch for being superseded while it waits.
	exec chan struct{}

	slotMu sync.Mutex
	slots  map[entity.Capability]*pendingSlot
}

// pendingSlot is the one queued-but-not-yet-sent command for a given
// (entity, capability). A newer scrubbable command for the same pair
// coalesces into the existing slot via Coalesce and closes superseded,
// waking whichever goroutine is waiting on the superseded one.
type pendingSlot struct {
	cmd        Command
	superseded chan struct{}
}

func newEntityQueue() *entityQueue {
	e := &entityQueue{
		limiter: newTokenBucket(defaultRateLimit),
		exec:    make(chan struct{}, 1),
		slots:   make(map[entity.Capability]*pendingSlot),
	}
	e.exec <- struct{}{}
	return e
}

func (q *entityQueues) run(ctx context.Context, cmd Command, fn func(context.Context, Command) CommandResult) CommandResult {
	q.mu.Lock()
	e, ok := q.entries[cmd.EntityID]
	if !ok {
		e = newEntityQueue()
		q.entries[cmd.EntityID] = e
	}
	q.mu.Unlock()

	if !cmd.Capability.Scrubbable() {
		return e.runExclusive(ctx, cmd, fn)
	}
	return e.runScrubbable(ctx, cmd, fn)
}

// runExclusive serializes a non-scrubbable command behind the entity's
// execution token without ever entering the coalescing slot map.
func (e *entityQueue) runExclusive(ctx context.Context, cmd Command, fn func(context.Context, Command) CommandResult) CommandResult {
	select {
	case <-e.exec:
	case <-ctx.Done():
		return CommandResult{Err: ctx.Err()}
	}
	defer func() { e.exec <- struct{}{} }()

	if err := e.limiter.wait(ctx); err != nil {
		return CommandResult{Err: err}
	}
	return fn(ctx, cmd)
}

// runScrubbable queues cmd in the per-capability pending slot. While a
// prior command for the same (entity, capability) is still queued
// (not yet holding the execution token), a newer arrival coalesces into
// it via Coalesce and the superseded command returns immediately,
// reporting Coalesced so the caller can still record it as completed.
// Only the last arrival to hold the slot when the execution token frees
// up actually reaches fn.
func (e *entityQueue) runScrubbable(ctx context.Context, cmd Command, fn func(context.Context, Command) CommandResult) CommandResult {
	e.slotMu.Lock()
	slot := &pendingSlot{cmd: cmd, superseded: make(chan struct{})}
	if prior, ok := e.slots[cmd.Capability]; ok {
		close(prior.superseded)
		if merged := Coalesce([]Command{prior.cmd, cmd}); len(merged) == 1 {
			slot.cmd = merged[0]
		}
	}
	e.slots[cmd.Capability] = slot
	e.slotMu.Unlock()

	select {
	case <-slot.superseded:
		return CommandResult{Applied: true, Coalesced: true}
	case <-ctx.Done():
		return CommandResult{Err: ctx.Err()}
	case <-e.exec:
	}

	e.slotMu.Lock()
	current := e.slots[cmd.Capability] == slot
	if current {
		delete(e.slots, cmd.Capability)
	}
	e.slotMu.Unlock()
	defer func() { e.exec <- struct{}{} }()

	if !current {
		// Superseded between acquiring the token and checking the slot.
		return CommandResult{Applied: true, Coalesced: true}
	}

	if err := e.limiter.wait(ctx); err != nil {
		return CommandResult{Err: err}
	}
	return fn(ctx, slot.cmd)
}

// defaultRateLimit is the per-entity command ceiling. Every entity queue
// uses it; there is no per-adapter or per-protocol override.
const defaultRateLimit = 10.0 // commands/sec

// tokenBucket is a simple rate limiter: tokens refill continuously up to
// a burst of one second's worth, and wait blocks until a token is
// available or ctx is done.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	tokens     float64
	max        float64
	lastRefill time.Time
}

func newTokenBucket(ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		rate:       ratePerSecond,
		tokens:     ratePerSecond,
		max:        ratePerSecond,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.max {
			b.tokens = b.max
		}
		b.lastRefill = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		wait := time.Duration(deficit / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Coalesce reduces a batch of not-yet-sent commands for entities into the
// set that should actually reach the adapter: for a scrubbable capability,
// only the most recent command per (entity, capability) survives, with its
// value map merged over the older one's via JSON merge-patch semantics so
// fields the newer command didn't set are still carried from the older
// one. Non-scrubbable commands are never dropped or merged. Relative
// ordering of surviving commands is preserved.
//
// entityQueue.runScrubbable calls this with exactly two commands (the
// slot's current occupant and the newly arrived one) each time a
// scrubbable command arrives while one is already queued, so the same
// merge logic applies whether commands are coalesced from a batch or
// live, one at a time.
func Coalesce(commands []Command) []Command {
	type key struct {
		entityID string
		cap      entity.Capability
	}

	latest := make(map[key]int) // key -> index into commands of the winning (merged) command
	merged := make([]Command, len(commands))
	copy(merged, commands)

	for i, cmd := range commands {
		if !cmd.Capability.Scrubbable() {
			continue
		}
		k := key{cmd.EntityID, cmd.Capability}
		if priorIdx, ok := latest[k]; ok {
			mergedValue, err := mergeValues(merged[priorIdx].Value, cmd.Value)
			if err == nil {
				cmd.Value = mergedValue
			}
			merged[priorIdx] = Command{dropped: true} // drop the older slot
		}
		merged[i] = cmd
		latest[k] = i
	}

	out := make([]Command, 0, len(commands))
	for _, cmd := range merged {
		if cmd.dropped {
			continue
		}
		out = append(out, cmd)
	}
	return out
}

func mergeValues(base, patch map[string]any) (map[string]any, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}

	merger := jsonmerge.Merger{}
	mergedJSON, err := merger.MergeBytes(baseJSON, patchJSON)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(mergedJSON, &out); err != nil {
		return nil, err
	}
	return out, nil
}
