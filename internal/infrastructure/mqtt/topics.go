package mqtt

import "fmt"

// Topic prefixes for the Meshwave MQTT hierarchy.
//
// All bridge topics use the flat scheme: meshwave/{category}/{protocol}/{address}
// This matches the Z-Wave bridge's messages.go and all runtime subscribers.
const (
	// TopicPrefixBridge is the base for all bridge topics.
	// Flat scheme: meshwave/{category}/{protocol}/{address_or_id}
	TopicPrefixBridge = "meshwave"

	// TopicPrefixCore is the base for all core topics.
	TopicPrefixCore = "meshwave/core"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "meshwave/system"
)

// Topics provides builders for Meshwave MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// Bridge topics use the flat scheme matching the Z-Wave bridge's messages.go:
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState("zwave", "12")
//	// Returns: "meshwave/state/zwave/12"
type Topics struct{}

// =============================================================================
// Bridge Topics
// =============================================================================

// BridgeState returns the topic for device state updates from a bridge.
//
// Example: meshwave/state/zwave/12
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeCommand returns the topic for commands to a bridge.
//
// Example: meshwave/command/zwave/12
func (Topics) BridgeCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeAck returns the topic for command acknowledgements from a bridge.
//
// Example: meshwave/ack/zwave/12
func (Topics) BridgeAck(protocol, address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeResponse returns the topic for request responses from a bridge.
//
// Example: meshwave/response/zwave/req-abc123
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeRequest returns the topic for requests to a bridge.
//
// Example: meshwave/request/zwave/req-abc123
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: meshwave/health/zwave
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// BridgeDiscovery returns the topic for device discovery from a bridge.
//
// Example: meshwave/discovery/zwave
func (Topics) BridgeDiscovery(protocol string) string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefixBridge, protocol)
}

// BridgeConfig returns the topic for configuration updates to a bridge.
//
// Example: meshwave/config/zwave
func (Topics) BridgeConfig(protocol string) string {
	return fmt.Sprintf("%s/config/%s", TopicPrefixBridge, protocol)
}

// =============================================================================
// Core Topics
// =============================================================================

// CoreDeviceState returns the canonical device state topic.
// This is the authoritative state published by Core after processing bridge updates.
//
// Example: meshwave/core/device/light-living-main/state
func (Topics) CoreDeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefixCore, deviceID)
}

// CoreEvent returns the topic for system events.
//
// Example: meshwave/core/event/device_state_changed
func (Topics) CoreEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixCore, eventType)
}

// CoreNodeEvent returns the topic for mesh network node events.
// Published when nodes are discovered, report capabilities, or go stale.
//
// Example: meshwave/core/node/12/event
func (Topics) CoreNodeEvent(nodeID string) string {
	return fmt.Sprintf("%s/node/%s/event", TopicPrefixCore, nodeID)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic.
//
// Example: meshwave/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// SystemTime returns the time sync topic.
//
// Example: meshwave/system/time
func (Topics) SystemTime() string {
	return fmt.Sprintf("%s/time", TopicPrefixSystem)
}

// SystemShutdown returns the shutdown signal topic.
//
// Example: meshwave/system/shutdown
func (Topics) SystemShutdown() string {
	return fmt.Sprintf("%s/shutdown", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllBridgeStates returns a pattern matching all bridge state updates.
//
// Pattern: meshwave/state/+/+
func (Topics) AllBridgeStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefixBridge)
}

// AllBridgeCommands returns a pattern matching all commands to bridges.
//
// Pattern: meshwave/command/+/+
func (Topics) AllBridgeCommands() string {
	return fmt.Sprintf("%s/command/+/+", TopicPrefixBridge)
}

// AllBridgeAcks returns a pattern matching all bridge acknowledgements.
//
// Pattern: meshwave/ack/+/+
func (Topics) AllBridgeAcks() string {
	return fmt.Sprintf("%s/ack/+/+", TopicPrefixBridge)
}

// AllBridgeHealth returns a pattern matching all bridge health updates.
//
// Pattern: meshwave/health/+
func (Topics) AllBridgeHealth() string {
	return fmt.Sprintf("%s/health/+", TopicPrefixBridge)
}

// AllBridgeDiscovery returns a pattern matching all bridge discovery topics.
//
// Pattern: meshwave/discovery/+
func (Topics) AllBridgeDiscovery() string {
	return fmt.Sprintf("%s/discovery/+", TopicPrefixBridge)
}

// AllBridgeRequests returns a pattern matching all bridge request topics.
//
// Pattern: meshwave/request/+/+
func (Topics) AllBridgeRequests() string {
	return fmt.Sprintf("%s/request/+/+", TopicPrefixBridge)
}

// AllBridgeResponses returns a pattern matching all bridge response topics.
//
// Pattern: meshwave/response/+/+
func (Topics) AllBridgeResponses() string {
	return fmt.Sprintf("%s/response/+/+", TopicPrefixBridge)
}

// AllBridgeConfigs returns a pattern matching all bridge config topics.
//
// Pattern: meshwave/config/+
func (Topics) AllBridgeConfigs() string {
	return fmt.Sprintf("%s/config/+", TopicPrefixBridge)
}

// AllCoreDeviceStates returns a pattern matching all canonical device states.
//
// Pattern: meshwave/core/device/+/state
func (Topics) AllCoreDeviceStates() string {
	return fmt.Sprintf("%s/device/+/state", TopicPrefixCore)
}

// AllCoreEvents returns a pattern matching all core events.
//
// Pattern: meshwave/core/event/+
func (Topics) AllCoreEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefixCore)
}

// AllCoreNodeEvents returns a pattern matching all mesh node events.
//
// Pattern: meshwave/core/node/+/event
func (Topics) AllCoreNodeEvents() string {
	return fmt.Sprintf("%s/node/+/event", TopicPrefixCore)
}

// AllTopics returns a pattern matching all Meshwave topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: meshwave/#
func (Topics) AllTopics() string {
	return "meshwave/#"
}
