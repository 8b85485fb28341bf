package zwave

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultGatewayConnection is the default gateway connection address:
// the serial stick exposed over TCP by ser2net.
const DefaultGatewayConnection = "tcp://localhost:3333"

// Config is the root configuration for the Z-Wave bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge  BridgeConfig    `yaml:"bridge"`
	Gateway GatewaySettings `yaml:"gateway"`
	MQTT    MQTTSettings    `yaml:"mqtt"`
	Devices []DeviceConfig  `yaml:"devices"`
	Logging LoggingConfig   `yaml:"logging"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	// Used in MQTT client ID and health reporting.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`

	// PollInterval is how often to poll mains-powered devices for
	// state (seconds). 0 disables polling. Default: 300 seconds.
	PollInterval int `yaml:"poll_interval"`
}

// GatewaySettings contains gateway connection settings.
// These override the defaults in ControllerConfig.
type GatewaySettings struct {
	// Connection is the gateway connection URL.
	// Supported formats:
	//   - "tcp://localhost:3333" (TCP, ser2net)
	//   - "unix:///run/zwgate" (Unix socket)
	// Default: "tcp://localhost:3333"
	Connection string `yaml:"connection"`

	// ConnectTimeout is the maximum time to wait for connection (seconds).
	// Default: 10 seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout is the timeout for read operations (seconds).
	// Default: 30 seconds.
	ReadTimeout int `yaml:"read_timeout"`

	// ReconnectInterval is the delay between reconnection attempts (seconds).
	// Default: 5 seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`

	// AckTimeout is how long to wait for a gateway ACK per transmit (seconds).
	// Default: 1 second.
	AckTimeout int `yaml:"ack_timeout"`
}

// MQTTSettings contains MQTT broker connection settings.
type MQTTSettings struct {
	// Broker is the MQTT broker URL.
	// Example: "tcp://localhost:1883"
	Broker string `yaml:"broker"`

	// ClientID is the MQTT client identifier.
	// Should be unique per bridge instance.
	// Default: bridge.id + "-mqtt"
	ClientID string `yaml:"client_id"`

	// Username for MQTT authentication (optional).
	Username string `yaml:"username"`

	// Password for MQTT authentication (optional).
	// WARNING: Never log this value. Use String() method for safe logging.
	Password string `yaml:"password"`

	// QoS is the MQTT quality of service level (0, 1, or 2).
	// Default: 1 (at least once delivery).
	QoS int `yaml:"qos"`

	// KeepAlive is the MQTT keep-alive interval (seconds).
	// Default: 60 seconds.
	KeepAlive int `yaml:"keep_alive"`
}

// String returns a string representation with password masked.
// Use this for logging to prevent credential exposure.
func (m MQTTSettings) String() string {
	password := ""
	if m.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTSettings{Broker:%q, ClientID:%q, Username:%q, Password:%s, QoS:%d, KeepAlive:%d}",
		m.Broker, m.ClientID, m.Username, password, m.QoS, m.KeepAlive)
}

// MarshalJSON implements json.Marshaler to redact password in JSON output.
// This prevents accidental password exposure in logs or API responses.
func (m MQTTSettings) MarshalJSON() ([]byte, error) {
	// Create a copy with redacted password for serialisation
	type redacted MQTTSettings
	safe := redacted(m)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is the log output format: json or text.
	// Default: json
	Format string `yaml:"format"`
}

// DeviceConfig binds a device identity to a node and its functions.
type DeviceConfig struct {
	// DeviceID is the Meshwave device identifier.
	// Must match the device_id in Core's device registry.
	DeviceID string `yaml:"device_id"`

	// Type is the device type: light_switch, light_dimmer, sensor, etc.
	Type string `yaml:"type"`

	// Node is the network node ID (1-232).
	Node int `yaml:"node"`

	// Endpoint is the sub-channel within a multi-channel node.
	// 0 (default) addresses the node's root device.
	Endpoint int `yaml:"endpoint"`

	// Poll includes the device in the periodic state poll. Only useful
	// for mains-powered devices; sleeping battery devices cannot answer.
	Poll bool `yaml:"poll"`

	// Functions maps function names to command class names.
	// Example: switch: switch_binary, dimmer: switch_multilevel,
	// battery: battery.
	Functions map[string]string `yaml:"functions"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ZWAVE_BRIDGE_SECTION_KEY
// For example: ZWAVE_BRIDGE_GATEWAY_CONNECTION, ZWAVE_BRIDGE_MQTT_BROKER
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "zwave-bridge-01",
			HealthInterval: 30,
			PollInterval:   300,
		},
		Gateway: GatewaySettings{
			Connection:        DefaultGatewayConnection,
			ConnectTimeout:    10,
			ReadTimeout:       30,
			ReconnectInterval: 5,
			AckTimeout:        1,
		},
		MQTT: MQTTSettings{
			Broker:    "tcp://localhost:1883",
			QoS:       1,
			KeepAlive: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Devices: []DeviceConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ZWAVE_BRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("ZWAVE_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	// Gateway
	if v := os.Getenv("ZWAVE_BRIDGE_GATEWAY_CONNECTION"); v != "" {
		cfg.Gateway.Connection = v
	}

	// MQTT
	if v := os.Getenv("ZWAVE_BRIDGE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("ZWAVE_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("ZWAVE_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateMQTT()...)
	errs = append(errs, c.validateDevices()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateBridge validates bridge settings.
func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.PollInterval < 0 {
		errs = append(errs, "bridge.poll_interval cannot be negative")
	}
	return errs
}

// validateGateway validates gateway connection settings.
func (c *Config) validateGateway() []string {
	var errs []string
	if c.Gateway.Connection == "" {
		errs = append(errs, "gateway.connection is required")
	}
	if c.Gateway.ConnectTimeout < 1 {
		errs = append(errs, "gateway.connect_timeout must be at least 1 second")
	}
	if c.Gateway.ReadTimeout < 1 {
		errs = append(errs, "gateway.read_timeout must be at least 1 second")
	}
	if c.Gateway.AckTimeout < 1 {
		errs = append(errs, "gateway.ack_timeout must be at least 1 second")
	}
	return errs
}

// validateMQTT validates MQTT broker settings.
func (c *Config) validateMQTT() []string {
	var errs []string
	if c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	return errs
}

// validateDevices validates device configurations.
func (c *Config) validateDevices() []string {
	var errs []string
	deviceIDs := make(map[string]bool)
	bindings := make(map[string]string) // "node/endpoint/class" → device_id

	for i, dev := range c.Devices {
		if dev.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id is required", i))
			continue
		}
		if deviceIDs[dev.DeviceID] {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id %q is duplicate", i, dev.DeviceID))
		}
		deviceIDs[dev.DeviceID] = true

		if dev.Type == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].type is required", i))
		}
		if dev.Node < int(MinNodeID) || dev.Node > int(MaxNodeID) {
			errs = append(errs, fmt.Sprintf("devices[%d].node %d out of range %d-%d",
				i, dev.Node, MinNodeID, MaxNodeID))
		}
		if dev.Endpoint < 0 || dev.Endpoint > 127 {
			errs = append(errs, fmt.Sprintf("devices[%d].endpoint %d out of range 0-127", i, dev.Endpoint))
		}
		if len(dev.Functions) == 0 {
			errs = append(errs, fmt.Sprintf("devices[%d].functions must have at least one entry", i))
		}

		for name, className := range dev.Functions {
			code, ok := CommandClassByName(className)
			if !ok {
				errs = append(errs, fmt.Sprintf("devices[%d].functions.%s class %q is unknown",
					i, name, className))
				continue
			}

			key := fmt.Sprintf("%d/%d/%s", dev.Node, dev.Endpoint, code)
			if other, dup := bindings[key]; dup {
				errs = append(errs, fmt.Sprintf(
					"devices[%d] node %d endpoint %d class %s already bound to device %q",
					i, dev.Node, dev.Endpoint, className, other))
				continue
			}
			bindings[key] = dev.DeviceID
		}
	}

	return errs
}

// validateLogging validates logging settings.
func (c *Config) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

// ToControllerConfig converts settings to a ControllerConfig for the client.
func (c *Config) ToControllerConfig() ControllerConfig {
	return ControllerConfig{
		Connection:        c.Gateway.Connection,
		ConnectTimeout:    time.Duration(c.Gateway.ConnectTimeout) * time.Second,
		ReadTimeout:       time.Duration(c.Gateway.ReadTimeout) * time.Second,
		ReconnectInterval: time.Duration(c.Gateway.ReconnectInterval) * time.Second,
		AckTimeout:        time.Duration(c.Gateway.AckTimeout) * time.Second,
	}
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetPollInterval returns the device poll interval as a Duration
// (zero when polling is disabled).
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Bridge.PollInterval) * time.Second
}

// GetMQTTClientID returns the MQTT client ID, defaulting to bridge ID if not set.
func (c *Config) GetMQTTClientID() string {
	if c.MQTT.ClientID != "" {
		return c.MQTT.ClientID
	}
	return c.Bridge.ID + "-mqtt"
}

// DeviceBinding resolves one configured device in both directions:
// command topics look it up by device ID, inbound events by address.
type DeviceBinding struct {
	DeviceID string
	Type     string
	Address  Address
	Poll     bool

	// Functions maps function name → command class.
	Functions map[string]CommandClassCode

	// Classes maps command class → function name.
	Classes map[CommandClassCode]string
}

// BuildDeviceIndex creates lookup maps for efficient device resolution.
// Returns:
//   - byAddress: Maps node address → bindings (for inbound events; two
//     devices may share an address with disjoint command classes)
//   - byID: Maps device_id → binding (for commands)
func (c *Config) BuildDeviceIndex() (byAddress map[Address][]*DeviceBinding, byID map[string]*DeviceBinding) {
	byAddress = make(map[Address][]*DeviceBinding)
	byID = make(map[string]*DeviceBinding)

	for _, dev := range c.Devices {
		binding := &DeviceBinding{
			DeviceID: dev.DeviceID,
			Type:     dev.Type,
			Address: Address{
				Node:     NodeID(dev.Node),
				Endpoint: Endpoint(dev.Endpoint),
			},
			Poll:      dev.Poll,
			Functions: make(map[string]CommandClassCode, len(dev.Functions)),
			Classes:   make(map[CommandClassCode]string, len(dev.Functions)),
		}

		for name, className := range dev.Functions {
			code, ok := CommandClassByName(className)
			if !ok {
				// Validate() already rejected unknown names; skip here
				// so a hand-built Config cannot panic the index.
				continue
			}
			binding.Functions[name] = code
			binding.Classes[code] = name
		}

		byAddress[binding.Address] = append(byAddress[binding.Address], binding)
		byID[dev.DeviceID] = binding
	}

	return byAddress, byID
}
