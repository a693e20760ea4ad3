// Package statestore implements the two persistence sinks the Entity
// Registry's apply_state path feeds into: a synchronous latest-state
// upsert sink and a batched history append sink.
package statestore

import (
	"context"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
)

const defaultLatestConcurrency = 32

// LatestRepository is the upsert seam into whichever store owns
// entity_state (the remote store in production; local SQLite stands in
// for it in tests and offline mode).
type LatestRepository interface {
	UpsertState(ctx context.Context, s *entity.State) error
}

// EventPublisher is the minimal seam into the event bus.
type EventPublisher interface {
	Publish(topic string, payload any)
}

// LatestSink serializes entity_state upserts through a bounded semaphore
// so a burst of state updates can't open unbounded concurrent writes
// against the backing store, while still being synchronous from the
// caller's point of view (apply_state waits for the upsert to land).
type LatestSink struct {
	repo    LatestRepository
	bus     EventPublisher
	sem     chan struct{}
	backoff RetryPolicy
}

// NewLatestSink builds a LatestSink with the default concurrency ceiling
// when concurrency <= 0.
func NewLatestSink(repo LatestRepository, bus EventPublisher, concurrency int) *LatestSink {
	if concurrency <= 0 {
		concurrency = defaultLatestConcurrency
	}
	return &LatestSink{
		repo:    repo,
		bus:     bus,
		sem:     make(chan struct{}, concurrency),
		backoff: DefaultRetryPolicy(),
	}
}

// Apply upserts s, retrying transient failures with exponential backoff.
// A failure that persists through every retry attempt is both published
// as a persistence/failed event and returned to the caller.
func (s *LatestSink) Apply(ctx context.Context, state *entity.State) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	err := retryWithBackoff(ctx, s.backoff, func() error {
		return s.repo.UpsertState(ctx, state)
	})
	if err != nil && s.bus != nil {
		s.bus.Publish("persistence/failed", map[string]any{
			"sink":      "latest_state",
			"entity_id": state.EntityID,
			"error":     err.Error(),
			"at":        time.Now(),
		})
	}
	return err
}
