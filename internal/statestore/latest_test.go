package statestore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/pelago-hub/hubd/internal/entity"
)

type fakeLatestRepo struct {
	calls   atomic.Int32
	failN   int32 // fail the first failN calls, then succeed
	applied atomic.Int32
}

func (f *fakeLatestRepo) UpsertState(ctx context.Context, s *entity.State) error {
	n := f.calls.Add(1)
	if n <= f.failN {
		return errors.New("transient failure")
	}
	f.applied.Add(1)
	return nil
}

func TestLatestSinkAppliesSuccessfully(t *testing.T) {
	repo := &fakeLatestRepo{}
	sink := NewLatestSink(repo, nil, 4)

	err := sink.Apply(context.Background(), &entity.State{EntityID: "e1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.applied.Load() != 1 {
		t.Fatalf("expected 1 applied upsert, got %d", repo.applied.Load())
	}
}

func TestLatestSinkRetriesTransientFailures(t *testing.T) {
	repo := &fakeLatestRepo{failN: 2}
	sink := NewLatestSink(repo, nil, 4)
	sink.backoff = RetryPolicy{Base: 0, Cap: 0, JitterFrac: 0} // make retries instant for the test

	err := sink.Apply(context.Background(), &entity.State{EntityID: "e1"})
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if repo.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls.Load())
	}
}

func TestLatestSinkPublishesPersistenceFailedOnExhaustion(t *testing.T) {
	repo := &fakeLatestRepo{failN: 1000}
	bus := &fakeBus{}
	sink := NewLatestSink(repo, bus, 4)
	sink.backoff = RetryPolicy{Base: 0, Cap: 0, JitterFrac: 0, MaxAttempts: 2}

	err := sink.Apply(context.Background(), &entity.State{EntityID: "e1"})
	if err == nil {
		t.Fatalf("expected an error once retries are exhausted")
	}
	if bus.count("persistence/failed") != 1 {
		t.Fatalf("expected one persistence/failed event, got %d", bus.count("persistence/failed"))
	}
}
