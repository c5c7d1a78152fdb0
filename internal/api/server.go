package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trsang/smarttrash-core/internal/audit"
	"github.com/trsang/smarttrash-core/internal/auth"
	"github.com/trsang/smarttrash-core/internal/infrastructure/config"
	"github.com/trsang/smarttrash-core/internal/infrastructure/logging"
	"github.com/trsang/smarttrash-core/internal/metrics"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is a component whose health is reported by GET /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Auth     *auth.Service
	Admin    *auth.Admin
	Audit    audit.Repository         // optional: enables GET /admin/audit-logs
	Metrics  *metrics.Metrics         // optional: HTTP instrumentation
	Scrape   http.Handler             // optional: served at GET /metrics
	Health   map[string]HealthChecker // optional: components reported by GET /health
	Hub      *Hub                     // optional: shared with the telemetry ingester
	Readings ReadingSource            // optional: enables GET /sensor-data/*
	Broker   Broker                   // optional: enables MQTT status and publish
	Clock    auth.Clock               // defaults to auth.SystemClock
	Version  string
}

// Server is the HTTP API server for SmartTrash.
//
// It follows the same lifecycle as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	auth      *auth.Service
	admin     *auth.Admin
	auditRepo audit.Repository
	metrics   *metrics.Metrics
	scrape    http.Handler
	health    map[string]HealthChecker
	hub       *Hub
	ownHub    bool
	readings  ReadingSource
	broker    Broker
	tickets   *ticketStore
	version   string
	server    *http.Server
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Auth == nil || deps.Admin == nil {
		return nil, fmt.Errorf("auth service and admin are required")
	}
	if deps.Clock == nil {
		deps.Clock = auth.SystemClock{}
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		auth:      deps.Auth,
		admin:     deps.Admin,
		auditRepo: deps.Audit,
		metrics:   deps.Metrics,
		scrape:    deps.Scrape,
		health:    deps.Health,
		hub:       deps.Hub,
		readings:  deps.Readings,
		broker:    deps.Broker,
		tickets:   newTicketStore(deps.Clock),
		version:   deps.Version,
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger, nil)
		s.ownHub = true
	}

	return s, nil
}

// Hub returns the WebSocket hub readings are broadcast through.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub (unless it was injected), the ticket
// cleanup loop, and the HTTP listener in background goroutines.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}
	go s.tickets.cleanLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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
