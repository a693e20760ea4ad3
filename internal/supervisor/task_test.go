package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelago-hub/hubd/internal/eventbus"
	"github.com/pelago-hub/hubd/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Format: "text"}, "test")
}

func TestTaskRestartsOnFailure(t *testing.T) {
	var calls atomic.Int32
	cfg := TaskConfig{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			n := calls.Add(1)
			if n < 3 {
				return errors.New("boom")
			}
			<-ctx.Done()
			return nil
		},
		RestartOnFailure: true,
		RestartDelay:     5 * time.Millisecond,
	}

	task := NewTask(cfg, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)

	deadline := time.After(time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("task did not reach 3 runs, got %d", calls.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	task.Wait()

	if got := task.RestartCount(); got != 2 {
		t.Errorf("RestartCount() = %d, want 2", got)
	}
	if task.Status() != TaskStopped {
		t.Errorf("Status() = %v, want %v", task.Status(), TaskStopped)
	}
}

func TestTaskStopsWithoutRestartWhenDisabled(t *testing.T) {
	cfg := TaskConfig{
		Name:             "one-shot",
		Run:              func(ctx context.Context) error { return errors.New("fail") },
		RestartOnFailure: false,
	}

	task := NewTask(cfg, testLogger(), nil)
	task.Start(context.Background())
	task.Wait()

	if task.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0", task.RestartCount())
	}
	if task.Status() != TaskFailed {
		t.Errorf("Status() = %v, want %v", task.Status(), TaskFailed)
	}
}

func TestTaskRecoversFromPanic(t *testing.T) {
	var calls atomic.Int32
	cfg := TaskConfig{
		Name: "panicky",
		Run: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				panic("kaboom")
			}
			<-ctx.Done()
			return nil
		},
		RestartOnFailure: true,
		RestartDelay:     time.Millisecond,
	}

	task := NewTask(cfg, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)

	deadline := time.After(time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("task did not recover from panic")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	task.Wait()
}

func TestTaskPublishesRestartEvent(t *testing.T) {
	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()
	sub.SubscribeTopic("component/restart")

	var calls atomic.Int32
	cfg := TaskConfig{
		Name: "noisy",
		Run: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("first failure")
			}
			<-ctx.Done()
			return nil
		},
		RestartOnFailure: true,
		RestartDelay:     time.Millisecond,
	}

	task := NewTask(cfg, testLogger(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task.Start(ctx)

	done := make(chan struct{})
	time.AfterFunc(time.Second, func() { close(done) })
	evt, ok := sub.Next(done)
	if !ok {
		t.Fatalf("expected a component/restart event")
	}
	if evt.Topic != "component/restart" {
		t.Errorf("Topic = %q, want component/restart", evt.Topic)
	}
}
