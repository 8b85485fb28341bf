// Meshwave Core - Z-Wave Mesh Controller
//
// This is the main entry point for the Meshwave Core application.
// Meshwave Core is a headless Z-Wave controller designed for:
//   - Long-lived unattended deployment
//   - Offline-first operation (no cloud dependencies)
//   - A raw serial gateway (ser2net) rather than vendor hubs
//   - MQTT as the integration surface for other systems
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/nerrad567/meshwave-core/migrations"

	"github.com/nerrad567/meshwave-core/internal/api"
	"github.com/nerrad567/meshwave-core/internal/bridges/zwave"
	"github.com/nerrad567/meshwave-core/internal/device"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/config"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/database"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/logging"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshwave-core/internal/serialgw"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Meshwave Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo)
	registry.SetLogger(log)

	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	historyRepo := device.NewSQLiteStateHistoryRepository(db.DB)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Z-Wave mesh: node recorder, serial gateway, protocol bridge
	var (
		recorder     *zwave.NodeRecorder
		gwManager    *serialgw.Manager
		zwBridge     *zwave.Bridge
		zwController *zwave.Controller
	)
	if cfg.Protocols.ZWave.Enabled {
		// Passive node recorder learns mesh topology from traffic.
		// It feeds gateway health checks and the nodes API.
		recorder = zwave.NewNodeRecorder(db.DB)
		recorder.SetLogger(log)
		if startErr := recorder.Start(); startErr != nil {
			return fmt.Errorf("starting node recorder: %w", startErr)
		}
		defer func() {
			log.Info("stopping node recorder")
			recorder.Stop()
		}()

		// Serial gateway (if managed)
		if cfg.Protocols.ZWave.Ser2Net.Managed {
			gwManager, err = startSerialGateway(ctx, cfg, recorder, log)
			if err != nil {
				return fmt.Errorf("starting serial gateway: %w", err)
			}
			defer func() {
				log.Info("stopping serial gateway")
				if stopErr := gwManager.Stop(); stopErr != nil {
					log.Error("error stopping serial gateway", "error", stopErr)
				}
			}()
		}

		zwBridge, zwController, err = startZWaveBridge(ctx, cfg, gwManager, mqttClient, registry, recorder, log)
		if err != nil {
			return fmt.Errorf("starting Z-Wave bridge: %w", err)
		}
		defer func() {
			log.Info("stopping Z-Wave bridge")
			zwBridge.Stop()
			if closeErr := zwController.Close(); closeErr != nil {
				log.Error("error closing gateway connection", "error", closeErr)
			}
		}()

		// The gateway's mesh health layer pings nodes through the
		// controller's live connection.
		if gwManager != nil {
			gwManager.SetNodePinger(&controllerPinger{controller: zwController})
		}
	} else {
		log.Info("Z-Wave bridge disabled")
	}

	// Verify infrastructure connections before exposing the API
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Start the API server
	apiDeps := api.Deps{
		Config:   cfg.API,
		Security: cfg.Security,
		Logger:   log,
		Registry: registry,
		History:  historyRepo,
		MQTT:     mqttClient,
		DB:       db,
		Influx:   influxClient,
		Version:  version,
	}
	// Assign mesh components only when they exist. A nil *zwave.Bridge
	// stored in the interface field would defeat the server's nil checks.
	if zwBridge != nil {
		apiDeps.Bridge = zwBridge
	}
	if zwController != nil {
		apiDeps.Controller = zwController
	}
	if gwManager != nil {
		apiDeps.Gateway = gwManager
	}
	if recorder != nil {
		apiDeps.NodeStore = recorder
	}

	apiServer, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"tls", cfg.API.TLS.Enabled,
	)

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// API server, Z-Wave bridge, serial gateway, node recorder,
	// InfluxDB (if enabled), MQTT, database.

	log.Info("Meshwave Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MESHWAVE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MESHWAVE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Z-Wave bridge health is verified during Start() - it connects to
	// the gateway and completes controller interrogation before returning.

	return nil
}

// startSerialGateway initialises and starts the managed ser2net gateway.
func startSerialGateway(ctx context.Context, cfg *config.Config, recorder *zwave.NodeRecorder, log *logging.Logger) (*serialgw.Manager, error) {
	zw := cfg.Protocols.ZWave.Ser2Net

	gwCfg := serialgw.Config{
		Managed:                zw.Managed,
		Binary:                 zw.Binary,
		Device:                 zw.Device,
		BaudRate:               zw.Baud,
		TCPPort:                zw.TCPPort,
		USBVendorID:            zw.USBVendorID,
		USBProductID:           zw.USBProductID,
		USBResetOnFailure:      zw.USBResetOnFailure,
		RestartOnFailure:       zw.RestartOnFailure,
		RestartDelay:           time.Duration(zw.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts:     zw.MaxRestartAttempts,
		HealthCheckInterval:    zw.HealthCheckInterval,
		HealthCheckNodeTimeout: zw.HealthCheckNodeTimeout,
	}

	manager, err := serialgw.NewManager(gwCfg)
	if err != nil {
		return nil, fmt.Errorf("creating gateway manager: %w", err)
	}
	manager.SetLogger(log)

	// Passively learned nodes feed the mesh-level health checks.
	manager.SetNodeProvider(recorder)

	log.Info("starting serial gateway",
		"device", gwCfg.Device,
		"baud", gwCfg.BaudRate,
	)

	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting gateway: %w", err)
	}

	log.Info("serial gateway started",
		"connection_url", manager.ConnectionURL(),
		"managed", manager.IsManaged(),
	)

	return manager, nil
}

// startZWaveBridge connects to the gateway and starts the protocol bridge.
func startZWaveBridge(ctx context.Context, cfg *config.Config, gwManager *serialgw.Manager, mqttClient *mqtt.Client, registry *device.Registry, recorder *zwave.NodeRecorder, log *logging.Logger) (*zwave.Bridge, *zwave.Controller, error) {
	// Load bridge configuration (devices, gateway, function mappings)
	bridgeCfg, err := zwave.LoadConfig(cfg.Protocols.ZWave.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading bridge config: %w", err)
	}
	log.Info("Z-Wave bridge config loaded",
		"path", cfg.Protocols.ZWave.ConfigFile,
		"devices", len(bridgeCfg.Devices),
	)

	// Determine connection URL:
	// - If the gateway is managed, use its connection URL
	// - Otherwise, use the configured connection string
	var connURL string
	if gwManager != nil {
		connURL = gwManager.ConnectionURL()
	} else {
		connURL = bridgeCfg.Gateway.Connection
	}

	events := zwave.NewNotifier()
	events.SetLogger(log)

	controller, err := zwave.Connect(ctx, zwave.ControllerConfig{
		Connection:        connURL,
		ConnectTimeout:    time.Duration(bridgeCfg.Gateway.ConnectTimeout) * time.Second,
		ReadTimeout:       time.Duration(bridgeCfg.Gateway.ReadTimeout) * time.Second,
		ReconnectInterval: time.Duration(bridgeCfg.Gateway.ReconnectInterval) * time.Second,
		AckTimeout:        time.Duration(bridgeCfg.Gateway.AckTimeout) * time.Second,
	}, events)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	controller.SetLogger(log)
	log.Info("connected to gateway", "url", connURL)

	opts := zwave.BridgeOptions{
		Config:     bridgeCfg,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Controller: controller,
		Events:     events,
		Logger:     log,
		Registry:   &registryAdapter{registry: registry},
	}
	if recorder != nil {
		opts.Recorder = recorder
	}

	bridge, err := zwave.NewBridge(opts)
	if err != nil {
		_ = controller.Close()
		return nil, nil, fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		_ = controller.Close()
		return nil, nil, fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("Z-Wave bridge started")

	return bridge, controller, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler
// signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements zwave.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements zwave.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (bridge handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements zwave.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements zwave.MQTTClient.
// No-op: the MQTT client lifecycle is owned by run()'s defer chain.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {
}

// registryAdapter adapts *device.Registry to the bridge's DeviceRegistry
// interface, translating the bridge's vocabulary (string types, string
// address maps, function names) into the registry's typed model.
type registryAdapter struct {
	registry *device.Registry
}

// SetDeviceState implements zwave.DeviceRegistry.
func (a *registryAdapter) SetDeviceState(ctx context.Context, id string, state map[string]any) error {
	return a.registry.SetDeviceState(ctx, id, device.State(state))
}

// SetDeviceHealth implements zwave.DeviceRegistry.
func (a *registryAdapter) SetDeviceHealth(ctx context.Context, id string, status string) error {
	return a.registry.SetDeviceHealth(ctx, id, device.HealthStatus(status))
}

// CreateDeviceIfNotExists implements zwave.DeviceRegistry.
// Existing records are left untouched so user edits survive restarts.
func (a *registryAdapter) CreateDeviceIfNotExists(ctx context.Context, seed zwave.DeviceSeed) error {
	if _, err := a.registry.GetDevice(ctx, seed.ID); err == nil {
		return nil
	}

	devType := device.DeviceType(seed.Type)
	dev := device.Device{
		ID:           seed.ID,
		Name:         seed.Name,
		Type:         devType,
		Domain:       device.DomainForType(devType),
		Protocol:     device.Protocol(seed.Protocol),
		Address:      seedAddress(seed.Address),
		Capabilities: seedCapabilities(seed.Capabilities),
		Config:       device.Config{},
		State:        device.State{},
		HealthStatus: device.HealthStatusUnknown,
	}
	if seed.GatewayID != "" {
		dev.GatewayID = &seed.GatewayID
	}

	createErr := a.registry.CreateDevice(ctx, &dev)
	if errors.Is(createErr, device.ErrDeviceExists) {
		return nil
	}
	return createErr
}

// seedAddress converts the bridge's string address map to registry form.
func seedAddress(addr map[string]string) device.Address {
	out := device.Address{}
	if v, err := strconv.Atoi(addr["node"]); err == nil {
		out["node_id"] = v
	}
	if v, err := strconv.Atoi(addr["endpoint"]); err == nil {
		out["endpoint"] = v
	}
	return out
}

// functionCapabilities maps common bridge function names onto registry
// capabilities. Function names are free-form YAML keys, so unknown names
// are dropped - capabilities on seeded records are advisory.
var functionCapabilities = map[string]device.Capability{
	"switch":  device.CapOnOff,
	"basic":   device.CapOnOff,
	"dimmer":  device.CapDim,
	"battery": device.CapBatteryStatus,
}

func seedCapabilities(functions []string) []device.Capability {
	caps := make([]device.Capability, 0, len(functions))
	seen := make(map[device.Capability]bool, len(functions))
	for _, fn := range functions {
		c, ok := functionCapabilities[fn]
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	return caps
}

// controllerPinger adapts the controller to the gateway manager's
// NodePinger interface, which deliberately avoids protocol types.
type controllerPinger struct {
	controller *zwave.Controller
}

// PingNode implements serialgw.NodePinger.
func (p *controllerPinger) PingNode(ctx context.Context, node uint8) error {
	return p.controller.PingNode(ctx, zwave.NodeID(node))
}
