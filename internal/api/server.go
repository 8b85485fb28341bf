package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/meshwave-core/internal/bridges/zwave"
	"github.com/nerrad567/meshwave-core/internal/device"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/config"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/database"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/logging"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshwave-core/internal/serialgw"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// MeshBridge is the slice of the Z-Wave bridge the API consumes.
// Defining it here keeps the dependency one-directional: the bridge
// never learns about the API.
type MeshBridge interface {
	NodeSummaries() []zwave.NodeSummary
	GetMetrics() zwave.BridgeMetrics
	ClearStateCache()
}

// MeshController is the slice of the gateway client the API consumes
// for network status and active node probes.
type MeshController interface {
	Stats() zwave.ControllerStats
	IsConnected() bool
	PingNode(ctx context.Context, node zwave.NodeID) error
	RequestNodeInfo(node zwave.NodeID) error
}

// GatewayManager reports the state of the managed ser2net process.
type GatewayManager interface {
	Stats() serialgw.Stats
	IsManaged() bool
}

// NodeActivityStore reports counts from the passive node recorder.
type NodeActivityStore interface {
	NodeCount(ctx context.Context) (int, error)
	ListeningNodeCount(ctx context.Context) (int, error)
}

// Deps holds the dependencies required by the API server.
// Registry and Logger are required; everything else degrades gracefully
// when absent (nil).
type Deps struct {
	Config     config.APIConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Registry   *device.Registry
	History    device.StateHistoryRepository
	MQTT       *mqtt.Client
	DB         *database.DB
	Influx     *influxdb.Client
	Bridge     MeshBridge
	Controller MeshController
	Gateway    GatewayManager
	NodeStore  NodeActivityStore
	Version    string
}

// Server is the HTTP API server for Meshwave Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	registry   *device.Registry
	history    device.StateHistoryRepository
	mqtt       *mqtt.Client
	db         *database.DB
	influx     *influxdb.Client
	bridge     MeshBridge
	controller MeshController
	gateway    GatewayManager
	nodeStore  NodeActivityStore
	version    string
	startTime  time.Time

	server  *http.Server
	hub     *Hub
	limiter *rateLimiter
	cancel  context.CancelFunc // cancels background goroutines on Close()

	// Single-use WebSocket auth tickets.
	ticketMu sync.Mutex
	tickets  map[string]time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	// MQTT is optional. Commands won't work without it but reads/WebSocket
	// still function.

	s := &Server{
		cfg:        deps.Config,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		registry:   deps.Registry,
		history:    deps.History,
		mqtt:       deps.MQTT,
		db:         deps.DB,
		influx:     deps.Influx,
		bridge:     deps.Bridge,
		controller: deps.Controller,
		gateway:    deps.Gateway,
		nodeStore:  deps.NodeStore,
		version:    deps.Version,
		startTime:  time.Now(),
		tickets:    make(map[string]time.Time),
	}

	if deps.Security.RateLimit.Enabled {
		s.limiter = newRateLimiter(deps.Security.RateLimit.RequestsPerMinute)
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to MQTT state
// topics for real-time WebSocket broadcast, and launches the HTTP listener
// in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.cfg.WebSocket, s.logger)
	go s.hub.Run(srvCtx)

	// Periodic ticket cleanup to prevent memory leaks
	go s.cleanTicketsLoop(srvCtx)

	// Subscribe to device state changes from the bridge for WebSocket broadcast
	if err := s.subscribeStateUpdates(srvCtx); err != nil {
		s.logger.Warn("failed to subscribe to state updates for WebSocket", "error", err)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
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

	// Cancel background goroutines (hub, ticket cleanup)
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
