// Package commandqueue implements the Command Queue Consumer: it watches
// the remote store's commands table for rows targeting this hub, resolves
// each to an entity and adapter, dispatches it, and reports completion or
// failure back to the remote store.
package commandqueue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/eventbus"
	"github.com/pelago-hub/hubd/internal/hubderrors"
	"github.com/pelago-hub/hubd/internal/logging"
	"github.com/pelago-hub/hubd/internal/remotestore"
	"github.com/pelago-hub/hubd/internal/telemetry"
)

const (
	defaultConcurrency  = 64
	defaultPullInterval = 2 * time.Second
)

// Mode reports whether the consumer is currently relying on the
// change-stream push subscription or has downgraded to polling.
type Mode int32

const (
	ModePush Mode = iota
	ModePull
)

func (m Mode) String() string {
	if m == ModePush {
		return "push"
	}
	return "pull"
}

// entityResolver is the minimal seam into the entity registry the
// consumer needs: resolving a (device, capability) pair to its entity.
type entityResolver interface {
	FindEntityByCapability(deviceID string, capability entity.Capability) (*entity.Entity, error)
}

// dispatcher is the minimal seam into the adapter registry.
type dispatcher interface {
	Dispatch(ctx context.Context, cmd adapter.Command) adapter.CommandResult
}

// Consumer is the dual-mode (push/pull) command queue consumer.
type Consumer struct {
	log      *logging.Logger
	rest     *remotestore.RESTClient
	sub      *remotestore.Subscriber
	entities entityResolver
	adapters dispatcher
	metrics  *telemetry.Metrics
	bus      *eventbus.Bus

	pullInterval time.Duration
	sem          chan struct{}

	mode atomic.Int32

	wg   sync.WaitGroup
	done chan struct{}
}

// New builds a Consumer. concurrency <= 0 uses the default ceiling of 64
// in-flight commands. pullInterval <= 0 uses the default of 2s, the same
// default Config.CommandPollPeriod produces; callers normally pass
// cfg.CommandPollPeriod() so the configured knob actually takes effect.
func New(log *logging.Logger, rest *remotestore.RESTClient, sub *remotestore.Subscriber, entities entityResolver, adapters dispatcher, metrics *telemetry.Metrics, bus *eventbus.Bus, pullInterval time.Duration, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if pullInterval <= 0 {
		pullInterval = defaultPullInterval
	}
	c := &Consumer{
		log:          log,
		rest:         rest,
		sub:          sub,
		entities:     entities,
		adapters:     adapters,
		metrics:      metrics,
		bus:          bus,
		pullInterval: pullInterval,
		sem:          make(chan struct{}, concurrency),
		done:         make(chan struct{}),
	}
	c.mode.Store(int32(ModePull))
	return c
}

// Mode reports the consumer's current delivery mode.
func (c *Consumer) Mode() Mode { return Mode(c.mode.Load()) }

// Start runs the startup sweep, then enters the chosen mode: push
// (driven by the subscriber's change-stream callback) with a pull-mode
// polling loop that runs whenever the stream is disconnected.
func (c *Consumer) Start(ctx context.Context) error {
	c.sweep(ctx)

	c.sub.SetOnCommand(func(row remotestore.CommandRow) {
		c.handle(ctx, row)
	})
	c.sub.SetOnConnect(func() {
		c.mode.Store(int32(ModePush))
		if c.log != nil {
			c.log.Info("commandqueue: push subscription active")
		}
		c.sweep(ctx) // catch anything missed while disconnected
	})
	c.sub.SetOnDisconnect(func(err error) {
		c.mode.Store(int32(ModePull))
		if c.log != nil {
			c.log.Warn("commandqueue: change-stream disconnected, falling back to polling", "error", err)
		}
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sub.Run(ctx)
	}()

	c.wg.Add(1)
	go c.pullLoop(ctx)

	return nil
}

// Close stops the consumer's background loops and waits for them, and for
// every command goroutine already launched, to finish.
func (c *Consumer) Close() {
	close(c.done)
	c.sub.Close()
	c.wg.Wait()
}

func (c *Consumer) pullLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if c.Mode() == ModePull {
				c.sweep(ctx)
			}
		}
	}
}

// sweep lists every currently-pending command and dispatches each,
// bounded by the concurrency ceiling. Used at startup and on every pull
// tick (and once more right after a push reconnect, to pick up anything
// missed while disconnected).
func (c *Consumer) sweep(ctx context.Context) {
	rows, err := c.rest.ListPendingCommands(ctx)
	if err != nil {
		if c.log != nil {
			c.log.Error("commandqueue: sweep failed", "error", err)
		}
		return
	}
	for _, row := range rows {
		c.handle(ctx, row)
	}
}

// handle is also the change-stream's push callback: it claims, resolves,
// and dispatches a single command, bounded by the concurrency semaphore.
func (c *Consumer) handle(ctx context.Context, row remotestore.CommandRow) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.process(ctx, row)
	}()
}

func (c *Consumer) process(ctx context.Context, row remotestore.CommandRow) {
	claimed, err := c.rest.ClaimCommand(ctx, row.ID)
	if err != nil {
		if c.log != nil {
			c.log.Error("commandqueue: claim failed", "command", row.ID, "error", err)
		}
		return
	}
	if !claimed {
		return // another consumer (or a prior sweep) already took it
	}

	if c.metrics != nil {
		c.metrics.CommandsInFlight.WithLabelValues(row.Capability).Inc()
		defer c.metrics.CommandsInFlight.WithLabelValues(row.Capability).Dec()
	}

	cmd, failCat, failMsg := c.buildCommand(row)
	if failCat != "" {
		c.fail(ctx, row, failCat, failMsg)
		return
	}

	result := c.adapters.Dispatch(ctx, cmd)
	if result.Err != nil {
		cat := hubderrors.CategoryOf(result.Err)
		if cat == "" {
			cat = hubderrors.CategoryTransientIO
		}
		c.fail(ctx, row, cat, result.Err.Error())
		return
	}

	if result.Coalesced {
		if err := c.rest.CompleteCoalescedCommand(ctx, row.ID); err != nil && c.log != nil {
			c.log.Error("commandqueue: mark coalesced-completed failed", "command", row.ID, "error", err)
		}
	} else if err := c.rest.CompleteCommand(ctx, row.ID); err != nil && c.log != nil {
		c.log.Error("commandqueue: mark completed failed", "command", row.ID, "error", err)
	}
	if c.metrics != nil {
		c.metrics.CommandsCompleted.WithLabelValues(row.Capability, "completed").Inc()
	}
	if c.bus != nil {
		c.bus.Publish("command/"+row.ID+"/result", map[string]any{
			"command_id": row.ID,
			"status":     "completed",
			"coalesced":  result.Coalesced,
			"at":         time.Now(),
		})
	}
}

func (c *Consumer) buildCommand(row remotestore.CommandRow) (adapter.Command, hubderrors.Category, string) {
	capability := entity.Capability(row.Capability)

	ent, err := c.entities.FindEntityByCapability(row.DeviceID, capability)
	if err != nil {
		return adapter.Command{}, hubderrors.CategoryPersistenceFailure, err.Error()
	}
	if ent == nil {
		return adapter.Command{}, hubderrors.CategoryUnknownCapability, "no entity exposes capability " + row.Capability + " on device " + row.DeviceID
	}

	var value map[string]any
	if len(row.Value) > 0 {
		if err := json.Unmarshal(row.Value, &value); err != nil {
			return adapter.Command{}, hubderrors.CategoryBadRequest, "malformed command value: " + err.Error()
		}
	}

	return adapter.Command{
		ID:         row.ID,
		EntityID:   ent.ID,
		DeviceID:   row.DeviceID,
		DriverKey:  ent.DriverKey,
		Capability: capability,
		Value:      value,
		EnqueuedAt: row.CreatedAt,
	}, "", ""
}

func (c *Consumer) fail(ctx context.Context, row remotestore.CommandRow, cat hubderrors.Category, message string) {
	if err := c.rest.FailCommand(ctx, row.ID, string(cat)+": "+message); err != nil && c.log != nil {
		c.log.Error("commandqueue: mark failed failed", "command", row.ID, "error", err)
	}
	if c.metrics != nil {
		c.metrics.CommandsCompleted.WithLabelValues(row.Capability, "failed").Inc()
	}
	if c.bus != nil {
		c.bus.Publish("command/"+row.ID+"/failed", map[string]any{
			"command_id": row.ID,
			"category":   string(cat),
			"error":      message,
			"at":         time.Now(),
		})
	}
}
