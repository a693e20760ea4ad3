package eventbus

import (
	"testing"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"entity/1/state", "entity/1/state", true},
		{"entity/1/state", "entity/2/state", false},
		{"entity/*/state", "entity/1/state", true},
		{"entity/*/state", "entity/1/lifecycle", false},
		{"unknown/pattern", "entity/1/state", false},
	}

	for _, tc := range cases {
		if got := TopicMatches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestPublishDeliversToMatchingSubscriberOnly(t *testing.T) {
	bus := New()
	sub, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()
	sub.SubscribeTopic("entity/1/state")

	bus.Publish("entity/1/state", "match")
	bus.Publish("entity/2/state", "no-match")

	done := make(chan struct{})
	evt, ok := sub.Next(done)
	if !ok {
		t.Fatalf("expected an event")
	}
	if evt.Payload != "match" {
		t.Fatalf("expected matching payload, got %v", evt.Payload)
	}

	select {
	case <-sub.signal:
		t.Fatalf("did not expect a second signaled event")
	default:
	}
}

// TestBusOverflowDropsOldest mirrors the spec's bus-overflow scenario: a
// slow subscriber with a 256-capacity mailbox receives 10,000 published
// events. It must end up holding exactly the most recent 256, with an
// overflow counter of 9,744.
func TestBusOverflowDropsOldest(t *testing.T) {
	bus := New()
	sub, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	sub.SubscribeTopic("entity/*/state")

	const total = 10000
	for i := 0; i < total; i++ {
		bus.Publish("entity/x/state", i)
	}

	if got, want := sub.OverflowCount(), uint64(total-256); got != want {
		t.Fatalf("overflow count = %d, want %d", got, want)
	}

	done := make(chan struct{})
	close(done)

	first, ok := sub.Next(make(chan struct{}))
	if !ok {
		t.Fatalf("expected a buffered event")
	}
	if first.Payload != total-256 {
		t.Fatalf("oldest retained payload = %v, want %d", first.Payload, total-256)
	}

	count := 1
	for {
		evt, ok := sub.Next(done)
		if !ok {
			break
		}
		count++
		_ = evt
	}
	if count != 256 {
		t.Fatalf("expected exactly 256 retained events, got %d", count)
	}
}

func TestSubscriberCloseUnblocksNext(t *testing.T) {
	bus := New()
	sub, unsubscribe := bus.Subscribe(4)

	done := make(chan struct{})
	resultCh := make(chan bool, 1)
	go func() {
		_, ok := sub.Next(done)
		resultCh <- ok
	}()

	unsubscribe()

	if ok := <-resultCh; ok {
		t.Fatalf("expected Next to return ok=false after close")
	}
}
