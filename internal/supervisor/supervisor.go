// Package supervisor orchestrates the daemon's startup and shutdown
// sequence: register with the remote store and begin heartbeating,
// initialize adapters, start discovery, start the command queue
// consumer, and bind the external API — in that order — then reverse
// the order on shutdown, each phase bounded by its own timeout.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/api"
	"github.com/pelago-hub/hubd/internal/commandqueue"
	"github.com/pelago-hub/hubd/internal/config"
	"github.com/pelago-hub/hubd/internal/discovery"
	"github.com/pelago-hub/hubd/internal/eventbus"
	"github.com/pelago-hub/hubd/internal/logging"
	"github.com/pelago-hub/hubd/internal/remotestore"
	"github.com/pelago-hub/hubd/internal/statestore"
)

// shutdownDrainTimeout bounds how long ShutdownAll waits for adapters to
// drain in-flight work during the reverse-order shutdown phase.
const shutdownDrainTimeout = 5 * time.Second

// Deps holds every subsystem the supervisor sequences through startup.
// Rest/Consumer are nil when the daemon is running local-only
// (config.Config.LocalOnly), in which case phases 1 and 4 are skipped.
type Deps struct {
	Config    config.Config
	Logger    *logging.Logger
	Bus       *eventbus.Bus
	Adapters  *adapter.Registry
	Discovery *discovery.Manager
	Rest      *remotestore.RESTClient
	Consumer  *commandqueue.Consumer
	API       *api.Server

	// StateMirror is nil when the daemon is running local-only; when set
	// it runs alongside heartbeat as its own supervised task, forwarding
	// entity state changes to the remote store.
	StateMirror *statestore.Mirror
}

// Supervisor sequences the daemon's subsystems through a fixed
// five-phase startup and its mirrored shutdown. Start and Close are
// each idempotent: a repeated call is a no-op.
type Supervisor struct {
	deps Deps
	log  *logging.Logger

	startOnce sync.Once
	closeOnce sync.Once
	startErr  error

	heartbeat   *Task
	stateMirror *Task
	cancel      context.CancelFunc
}

func New(deps Deps) *Supervisor {
	return &Supervisor{deps: deps, log: deps.Logger}
}

// Start runs the five-phase startup sequence. It returns the first
// phase's error and does not attempt later phases if an earlier one
// fails, mirroring a fatal-startup-failure exit.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Supervisor) start(ctx context.Context) error {
	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(ctx)

	// Phase 1: register + heartbeat.
	if !s.deps.Config.LocalOnly() && s.deps.Rest != nil {
		if err := s.deps.Rest.Heartbeat(ctx, s.deps.Config.HubID); err != nil {
			return fmt.Errorf("supervisor: initial heartbeat: %w", err)
		}
		s.heartbeat = NewTask(TaskConfig{
			Name:             "heartbeat",
			Run:              s.heartbeatLoop,
			RestartOnFailure: true,
			RestartDelay:     5 * time.Second,
		}, s.log, s.deps.Bus)
		s.heartbeat.Start(runCtx)
		s.log.Info("heartbeat started", "hub_id", s.deps.Config.HubID)

		if s.deps.StateMirror != nil {
			s.stateMirror = NewTask(TaskConfig{
				Name:             "state-mirror",
				Run:              s.deps.StateMirror.Run,
				RestartOnFailure: true,
				RestartDelay:     5 * time.Second,
			}, s.log, s.deps.Bus)
			s.stateMirror.Start(runCtx)
			s.log.Info("state mirror started")
		}
	}

	// Phase 2: initialize adapters.
	if s.deps.Adapters != nil {
		if err := s.deps.Adapters.InitializeAll(ctx); err != nil {
			return fmt.Errorf("supervisor: initializing adapters: %w", err)
		}
		s.log.Info("adapters initialized")
	}

	// Phase 3: discovery.
	if s.deps.Config.DiscoveryEnabled && s.deps.Discovery != nil {
		s.deps.Discovery.StartGraceSweep(s.deps.Config.DiscoveryInterval())
		s.log.Info("discovery started", "interval", s.deps.Config.DiscoveryInterval())
	}

	// Phase 4: command queue consumer.
	if !s.deps.Config.LocalOnly() && s.deps.Consumer != nil {
		if err := s.deps.Consumer.Start(runCtx); err != nil {
			return fmt.Errorf("supervisor: starting command consumer: %w", err)
		}
		s.log.Info("command consumer started")
	}

	// Phase 5: external API + event socket.
	if s.deps.API != nil {
		if err := s.deps.API.Start(runCtx); err != nil {
			return fmt.Errorf("supervisor: starting api server: %w", err)
		}
		s.log.Info("api server started")
	}

	return nil
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) error {
	interval := s.deps.Config.TelemetryInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.deps.Rest.Heartbeat(ctx, s.deps.Config.HubID); err != nil {
				s.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Close shuts every phase down in reverse order, each bounded so one
// wedged subsystem can't hang the whole daemon.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.close()
	})
	return err
}

func (s *Supervisor) close() error {
	var errs []error

	if s.deps.API != nil {
		if e := s.deps.API.Close(); e != nil {
			errs = append(errs, fmt.Errorf("api: %w", e))
		}
	}
	if s.deps.Consumer != nil {
		s.deps.Consumer.Close()
	}
	if s.deps.Discovery != nil {
		if e := s.deps.Discovery.Close(); e != nil {
			errs = append(errs, fmt.Errorf("discovery: %w", e))
		}
	}
	if s.deps.Adapters != nil {
		s.deps.Adapters.ShutdownAll(context.Background(), shutdownDrainTimeout)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.heartbeat != nil {
		s.heartbeat.Wait()
	}
	if s.stateMirror != nil {
		s.stateMirror.Wait()
	}

	s.log.Info("supervisor shutdown complete")

	if len(errs) == 0 {
		return nil
	}
	joined := errs[0]
	for _, e := range errs[1:] {
		joined = fmt.Errorf("%w; %w", joined, e)
	}
	return joined
}
