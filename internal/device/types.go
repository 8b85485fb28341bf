package device

import "time"

// Device represents a controllable or monitorable entity in the system.
// This matches the database schema in migrations/20260301_100000_initial_schema.up.sql.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`

	// Classification
	Type   DeviceType `json:"type"`
	Domain Domain     `json:"domain"`

	// Protocol information
	Protocol  Protocol `json:"protocol"`
	Address   Address  `json:"address"`
	GatewayID *string  `json:"gateway_id,omitempty"`

	// Capabilities and configuration
	Capabilities []Capability `json:"capabilities"`
	Config       Config       `json:"config"`

	// Current state
	State          State      `json:"state"`
	StateUpdatedAt *time.Time `json:"state_updated_at,omitempty"`

	// Health monitoring
	HealthStatus   HealthStatus `json:"health_status"`
	HealthLastSeen *time.Time   `json:"health_last_seen,omitempty"`

	// Metadata
	Manufacturer    *string `json:"manufacturer,omitempty"`
	Model           *string `json:"model,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields

	// Deep copy maps
	cpy.Address = deepCopyMap(d.Address)
	cpy.Config = deepCopyMap(d.Config)
	cpy.State = deepCopyMap(d.State)

	// Deep copy slice
	if d.Capabilities != nil {
		cpy.Capabilities = make([]Capability, len(d.Capabilities))
		copy(cpy.Capabilities, d.Capabilities)
	}

	// Pointer fields (*string, *time.Time) don't need deep copy
	// because strings and time.Time are immutable in Go

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// Address holds protocol-specific address information as a JSON map.
//
// Examples:
//
//	Z-Wave (mesh node, optional endpoint for multi-channel devices):
//	  {"node_id": 12}
//	  {"node_id": 12, "endpoint": 2}
//
//	Zigbee: {"ieee_address": "00:15:8d:00:02:bf:9a:12", "endpoint": 1}
//	MQTT: {"topic": "external/sensors/greenhouse"}
type Address map[string]any

// ZWaveAddress is the typed form of a Z-Wave device address.
// Endpoint 0 addresses the root device of a multi-channel node.
type ZWaveAddress struct {
	NodeID   int `json:"node_id"`
	Endpoint int `json:"endpoint"`
}

// GetZWaveAddress extracts the typed node address from a Z-Wave Address map.
// JSON decoding stores numbers as float64, so both int and float64 values
// are accepted. Returns false if node_id is missing or not numeric.
func GetZWaveAddress(addr Address) (ZWaveAddress, bool) {
	var za ZWaveAddress

	nodeID, ok := addressInt(addr["node_id"])
	if !ok {
		return ZWaveAddress{}, false
	}
	za.NodeID = nodeID

	if raw, present := addr["endpoint"]; present {
		endpoint, ok := addressInt(raw)
		if !ok {
			return ZWaveAddress{}, false
		}
		za.Endpoint = endpoint
	}

	return za, true
}

// addressInt converts a JSON-decoded numeric value to an int.
func addressInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Config holds device-specific configuration as a JSON map.
type Config map[string]any

// State holds the current device state as a JSON map.
//
// Examples:
//   - Light: {"on": true, "level": 75}
//   - Thermostat: {"temperature": 21.5, "setpoint": 22.0, "mode": "heat"}
//   - Blind: {"position": 50, "tilt": 45}
type State map[string]any

// Domain represents the functional area a device belongs to.
type Domain string

// Domain constants.
const (
	DomainLighting       Domain = "lighting"
	DomainClimate        Domain = "climate"
	DomainBlinds         Domain = "blinds"
	DomainSecurity       Domain = "security"
	DomainAccess         Domain = "access"
	DomainEnergy         Domain = "energy"
	DomainSafety         Domain = "safety"
	DomainSensor         Domain = "sensor"
	DomainInfrastructure Domain = "infrastructure"
)

// AllDomains returns all valid domain values.
func AllDomains() []Domain {
	return []Domain{
		DomainLighting, DomainClimate, DomainBlinds, DomainSecurity,
		DomainAccess, DomainEnergy, DomainSafety, DomainSensor,
		DomainInfrastructure,
	}
}

// Protocol represents the communication protocol for a device.
type Protocol string

// Protocol constants.
const (
	ProtocolZWave  Protocol = "zwave"
	ProtocolZigbee Protocol = "zigbee"
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolHTTP   Protocol = "http"
)

// AllProtocols returns all valid protocol values.
func AllProtocols() []Protocol {
	return []Protocol{
		ProtocolZWave, ProtocolZigbee, ProtocolMQTT, ProtocolHTTP,
	}
}

// DeviceType represents the specific kind of device.
type DeviceType string //nolint:revive // device.DeviceType is clearer than device.Type in calling code

// Lighting device types.
const (
	DeviceTypeLightSwitch DeviceType = "light_switch"
	DeviceTypeLightDimmer DeviceType = "light_dimmer"
	DeviceTypeLightRGB    DeviceType = "light_rgb"
	DeviceTypeLightRGBW   DeviceType = "light_rgbw"
)

// Power device types.
const (
	DeviceTypeSmartPlug   DeviceType = "smart_plug"
	DeviceTypePowerStrip  DeviceType = "power_strip"
	DeviceTypeRelayModule DeviceType = "relay_module"
)

// Climate device types.
const (
	DeviceTypeThermostat        DeviceType = "thermostat"
	DeviceTypeRadiatorValve     DeviceType = "radiator_valve"
	DeviceTypeTemperatureSensor DeviceType = "temperature_sensor"
	DeviceTypeHumiditySensor    DeviceType = "humidity_sensor"
)

// Covering device types.
const (
	DeviceTypeBlindPosition DeviceType = "blind_position"
	DeviceTypeBlindTilt     DeviceType = "blind_tilt"
	DeviceTypeGarageDoor    DeviceType = "garage_door"
)

// Sensor device types.
const (
	DeviceTypeMotionSensor     DeviceType = "motion_sensor"
	DeviceTypeDoorWindowSensor DeviceType = "door_window_sensor"
	DeviceTypeLeakSensor       DeviceType = "leak_sensor"
	DeviceTypeSmokeSensor      DeviceType = "smoke_sensor"
	DeviceTypeCOSensor         DeviceType = "co_sensor"
	DeviceTypeLightSensor      DeviceType = "light_sensor"
	DeviceTypeMultiSensor      DeviceType = "multi_sensor"
)

// Security and access device types.
const (
	DeviceTypeDoorLock DeviceType = "door_lock"
	DeviceTypeKeypad   DeviceType = "keypad"
	DeviceTypeSiren    DeviceType = "siren"
)

// Energy device types.
const (
	DeviceTypeEnergyMeter DeviceType = "energy_meter"
)

// Control device types (battery remotes and scene controllers).
const (
	DeviceTypeSceneController DeviceType = "scene_controller"
	DeviceTypeWallController  DeviceType = "wall_controller"
)

// Infrastructure device types.
const (
	DeviceTypeGateway       DeviceType = "gateway"
	DeviceTypeRangeExtender DeviceType = "range_extender"
)

// AllDeviceTypes returns all valid device type values.
func AllDeviceTypes() []DeviceType {
	return []DeviceType{
		// Lighting
		DeviceTypeLightSwitch, DeviceTypeLightDimmer, DeviceTypeLightRGB, DeviceTypeLightRGBW,
		// Power
		DeviceTypeSmartPlug, DeviceTypePowerStrip, DeviceTypeRelayModule,
		// Climate
		DeviceTypeThermostat, DeviceTypeRadiatorValve,
		DeviceTypeTemperatureSensor, DeviceTypeHumiditySensor,
		// Coverings
		DeviceTypeBlindPosition, DeviceTypeBlindTilt, DeviceTypeGarageDoor,
		// Sensors
		DeviceTypeMotionSensor, DeviceTypeDoorWindowSensor, DeviceTypeLeakSensor,
		DeviceTypeSmokeSensor, DeviceTypeCOSensor, DeviceTypeLightSensor, DeviceTypeMultiSensor,
		// Security and access
		DeviceTypeDoorLock, DeviceTypeKeypad, DeviceTypeSiren,
		// Energy
		DeviceTypeEnergyMeter,
		// Controls
		DeviceTypeSceneController, DeviceTypeWallController,
		// Infrastructure
		DeviceTypeGateway, DeviceTypeRangeExtender,
	}
}

// DomainForType returns the functional domain a device type belongs to.
// Unknown types map to DomainInfrastructure.
func DomainForType(t DeviceType) Domain {
	if d, ok := typeDomains[t]; ok {
		return d
	}
	return DomainInfrastructure
}

var typeDomains = map[DeviceType]Domain{
	DeviceTypeLightSwitch: DomainLighting,
	DeviceTypeLightDimmer: DomainLighting,
	DeviceTypeLightRGB:    DomainLighting,
	DeviceTypeLightRGBW:   DomainLighting,

	DeviceTypeSmartPlug:   DomainEnergy,
	DeviceTypePowerStrip:  DomainEnergy,
	DeviceTypeRelayModule: DomainEnergy,
	DeviceTypeEnergyMeter: DomainEnergy,

	DeviceTypeThermostat:        DomainClimate,
	DeviceTypeRadiatorValve:     DomainClimate,
	DeviceTypeTemperatureSensor: DomainClimate,
	DeviceTypeHumiditySensor:    DomainClimate,

	DeviceTypeBlindPosition: DomainBlinds,
	DeviceTypeBlindTilt:     DomainBlinds,
	DeviceTypeGarageDoor:    DomainAccess,

	DeviceTypeMotionSensor:     DomainSensor,
	DeviceTypeDoorWindowSensor: DomainSensor,
	DeviceTypeLightSensor:      DomainSensor,
	DeviceTypeMultiSensor:      DomainSensor,

	DeviceTypeLeakSensor:  DomainSafety,
	DeviceTypeSmokeSensor: DomainSafety,
	DeviceTypeCOSensor:    DomainSafety,

	DeviceTypeDoorLock: DomainAccess,
	DeviceTypeKeypad:   DomainAccess,
	DeviceTypeSiren:    DomainSecurity,

	DeviceTypeSceneController: DomainInfrastructure,
	DeviceTypeWallController:  DomainInfrastructure,
	DeviceTypeGateway:         DomainInfrastructure,
	DeviceTypeRangeExtender:   DomainInfrastructure,
}

// Capability represents what a device can do.
type Capability string

// Control capabilities.
const (
	CapOnOff     Capability = "on_off"
	CapDim       Capability = "dim"
	CapColorTemp Capability = "color_temp" //nolint:misspell // wire protocol uses American "color"
	CapColorRGB  Capability = "color_rgb"  //nolint:misspell // wire protocol uses American "color"
	CapPosition  Capability = "position"
	CapTilt      Capability = "tilt"
)

// Reading capabilities.
const (
	CapTemperatureRead Capability = "temperature_read"
	CapTemperatureSet  Capability = "temperature_set"
	CapHumidityRead    Capability = "humidity_read"
	CapPowerRead       Capability = "power_read"
	CapEnergyRead      Capability = "energy_read"
	CapLightLevelRead  Capability = "light_level_read"
)

// Detection capabilities.
const (
	CapMotionDetect Capability = "motion_detect"
	CapContactState Capability = "contact_state"
	CapLeakDetect   Capability = "leak_detect"
	CapSmokeDetect  Capability = "smoke_detect"
	CapCODetect     Capability = "co_detect"
)

// Security capabilities.
const (
	CapLockUnlock Capability = "lock_unlock"
)

// Health and control capabilities.
const (
	CapBatteryStatus   Capability = "battery_status"
	CapSceneActivation Capability = "scene_activation"
)

// AllCapabilities returns all valid capability values.
func AllCapabilities() []Capability {
	return []Capability{
		// Control
		CapOnOff, CapDim, CapColorTemp, CapColorRGB, CapPosition, CapTilt,
		// Reading
		CapTemperatureRead, CapTemperatureSet, CapHumidityRead,
		CapPowerRead, CapEnergyRead, CapLightLevelRead,
		// Detection
		CapMotionDetect, CapContactState, CapLeakDetect, CapSmokeDetect, CapCODetect,
		// Security
		CapLockUnlock,
		// Health and control
		CapBatteryStatus, CapSceneActivation,
	}
}

// HealthStatus represents the device health state.
type HealthStatus string

// HealthStatus constants.
const (
	HealthStatusOnline   HealthStatus = "online"
	HealthStatusOffline  HealthStatus = "offline"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusUnknown  HealthStatus = "unknown"
)

// AllHealthStatuses returns all valid health status values.
func AllHealthStatuses() []HealthStatus {
	return []HealthStatus{
		HealthStatusOnline, HealthStatusOffline, HealthStatusDegraded, HealthStatusUnknown,
	}
}
