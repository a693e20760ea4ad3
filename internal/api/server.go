package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/commandqueue"
	"github.com/pelago-hub/hubd/internal/config"
	"github.com/pelago-hub/hubd/internal/discovery"
	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/eventbus"
	"github.com/pelago-hub/hubd/internal/logging"
	"github.com/pelago-hub/hubd/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds everything the API server needs, handed in by the
// supervisor once every other subsystem is up.
type Deps struct {
	Config    config.Config
	Logger    *logging.Logger
	Entities  *entity.Registry
	Adapters  *adapter.Registry
	Discovery *discovery.Manager
	Commands  *commandqueue.Consumer
	Bus       *eventbus.Bus
	Metrics   *telemetry.Metrics
	Version   string
}

// Server is the daemon's external HTTP + WebSocket surface.
//
// The server follows the same lifecycle pattern used throughout the
// daemon:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
type Server struct {
	cfg       config.Config
	logger    *logging.Logger
	entities  *entity.Registry
	adapters  *adapter.Registry
	discovery *discovery.Manager
	commands  *commandqueue.Consumer
	bus       *eventbus.Bus
	metrics   *telemetry.Metrics
	version   string
	startTime time.Time

	hub    *Hub
	server *http.Server
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies. The server
// is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("api: logger is required")
	}
	if deps.Entities == nil {
		return nil, fmt.Errorf("api: entity registry is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		entities:  deps.Entities,
		adapters:  deps.Adapters,
		discovery: deps.Discovery,
		commands:  deps.Commands,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start builds the router, starts the WebSocket hub, and launches the
// HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.bus != nil {
		s.hub = NewHub(s.logger, s.bus)
		go s.hub.Run(srvCtx)
	}

	router := s.buildRouter()
	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()

	s.logger.Info("api server starting", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server, bounded by
// gracefulShutdownTimeout.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("api server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutting down: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
