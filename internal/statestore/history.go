package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
)

const (
	defaultHistoryMaxBatch     = 500
	defaultHistoryFlushPeriod  = 250 * time.Millisecond
	defaultHistoryBufferSize   = 50_000
)

// HistoryRepository is the append seam into whichever store owns
// entity_state_history.
type HistoryRepository interface {
	AppendHistory(ctx context.Context, rec entity.HistoryRecord) error
}

// HistorySink batches entity_state_history appends, flushing on whichever
// comes first: the batch reaching maxBatch records, or flushPeriod
// elapsing. Buffered-but-unflushed records sit in a bounded ring; under
// backpressure the oldest buffered record is dropped to make room for the
// newest, and a history/overflow event is published. This mirrors
// tsdb.Client's batch-then-flush shape, generalized to a bounded ring
// since, unlike line-protocol strings destined straight for an HTTP POST,
// history records can arrive faster than the sink drains them.
type HistorySink struct {
	repo HistoryRepository
	bus  EventPublisher

	maxBatch    int
	flushPeriod time.Duration
	backoff     RetryPolicy

	mu       sync.Mutex
	ring     []entity.HistoryRecord
	head     int
	count    int
	overflow uint64

	flushTick *time.Ticker
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHistorySink builds a HistorySink and starts its background flush
// loop. Close stops the loop and flushes anything remaining.
func NewHistorySink(repo HistoryRepository, bus EventPublisher) *HistorySink {
	s := &HistorySink{
		repo:        repo,
		bus:         bus,
		maxBatch:    defaultHistoryMaxBatch,
		flushPeriod: defaultHistoryFlushPeriod,
		backoff:     DefaultRetryPolicy(),
		ring:        make([]entity.HistoryRecord, defaultHistoryBufferSize),
		flushTick:   time.NewTicker(defaultHistoryFlushPeriod),
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Append enqueues rec for the next flush. It never blocks: if the ring is
// full, the oldest buffered record is evicted.
func (s *HistorySink) Append(rec entity.HistoryRecord) {
	s.mu.Lock()
	overflowed := false
	capacity := len(s.ring)
	if s.count == capacity {
		// Evict the oldest slot to make room, then advance head.
		s.head = (s.head + 1) % capacity
		s.overflow++
		overflowed = true
	} else {
		s.count++
	}

	tail := (s.head + s.count - 1) % capacity
	s.ring[tail] = rec

	shouldFlush := s.count >= s.maxBatch
	s.mu.Unlock()

	if overflowed && s.bus != nil {
		s.bus.Publish("history/overflow", map[string]any{
			"entity_id": rec.EntityID,
			"at":        time.Now(),
		})
	}
	if shouldFlush {
		s.Flush()
	}
}

func (s *HistorySink) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.flushTick.C:
			s.Flush()
		case <-s.done:
			return
		}
	}
}

// Flush drains and persists everything currently buffered. Safe to call
// concurrently with Append and with itself; only one drain happens per
// call, and a slow repo write doesn't block new Appends from buffering.
func (s *HistorySink) Flush() {
	s.mu.Lock()
	if s.count == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]entity.HistoryRecord, s.count)
	capacity := len(s.ring)
	for i := 0; i < s.count; i++ {
		batch[i] = s.ring[(s.head+i)%capacity]
	}
	s.head = 0
	s.count = 0
	s.mu.Unlock()

	ctx := context.Background()
	for _, rec := range batch {
		rec := rec
		err := retryWithBackoff(ctx, s.backoff, func() error {
			return s.repo.AppendHistory(ctx, rec)
		})
		if err != nil && s.bus != nil {
			s.bus.Publish("persistence/failed", map[string]any{
				"sink":      "history",
				"entity_id": rec.EntityID,
				"error":     err.Error(),
			})
		}
	}
}

// Close stops the flush loop and performs a final flush.
func (s *HistorySink) Close() {
	s.flushTick.Stop()
	close(s.done)
	s.wg.Wait()
	s.Flush()
}

// OverflowCount reports how many history records have been dropped to
// make room under backpressure, for /metrics.
func (s *HistorySink) OverflowCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}
