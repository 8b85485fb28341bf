package zwave

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT message types for communication between Meshwave Core and the
// Z-Wave bridge. Field names and topic layout are the wire contract;
// changes here must stay compatible with deployed bridges.

// CommandMessage is sent from Core to Bridge to execute a device command.
// Topic: meshwave/command/zwave/{address}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Meshwave device identifier.
	DeviceID string `json:"device_id"`

	// Command is the command name (e.g., "on", "off", "dim", "increase").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"level": 50} for dim
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	// Values: "api", "automation", "voice", "scene"
	Source string `json:"source"`

	// UserID is the user who triggered the command (if applicable).
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was received and sent to the device.
	AckAccepted AckStatus = "accepted"

	// AckQueued indicates the command was received but waiting to send (device busy).
	AckQueued AckStatus = "queued"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeoutStatus indicates the device did not respond within the timeout.
	AckTimeoutStatus AckStatus = "timeout"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: meshwave/ack/zwave/{address}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgment was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Meshwave device identifier.
	DeviceID string `json:"device_id"`

	// Status indicates the acknowledgment status.
	Status AckStatus `json:"status"`

	// Protocol is the protocol identifier ("zwave").
	Protocol string `json:"protocol"`

	// Address is the protocol-specific address (e.g., "12" or "12/2").
	Address string `json:"address"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "DEVICE_UNREACHABLE", "INVALID_COMMAND").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Retries is the number of retry attempts made.
	Retries int `json:"retries,omitempty"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when device state changes.
// Topic: meshwave/state/zwave/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// DeviceID is the Meshwave device identifier.
	DeviceID string `json:"device_id"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// State contains the current device state.
	// Structure depends on device type:
	//   Light: {"on": true, "level": 50}
	//   Battery sensor: {"battery": 80}
	State map[string]any `json:"state"`

	// Protocol is the protocol identifier ("zwave").
	Protocol string `json:"protocol"`

	// Address is the protocol-specific address (e.g., "12" or "12/2").
	Address string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the bridge is not operating correctly.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: meshwave/health/zwave
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	// Bridge is the bridge identifier (e.g., "zwave-bridge-01").
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Connection contains gateway connection details.
	Connection *ConnectionStatus `json:"connection,omitempty"`

	// Statistics contains operational metrics.
	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// DevicesManaged is the number of configured devices.
	DevicesManaged int `json:"devices_managed"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the gateway connection state.
type ConnectionStatus struct {
	// Status is the connection status ("connected", "disconnected", "connecting").
	Status string `json:"status"`

	// Address is the gateway connection address.
	Address string `json:"address"`

	// HomeID is the network identity, once interrogated.
	HomeID string `json:"home_id,omitempty"`

	// ConnectedSince is when the connection was established.
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	// MessagesReceived is the total number of command frames received.
	MessagesReceived uint64 `json:"messages_received"`

	// MessagesSent is the total number of command frames sent.
	MessagesSent uint64 `json:"messages_sent"`

	// MessagesDropped is the number of frames dropped on full queues.
	MessagesDropped uint64 `json:"messages_dropped"`

	// Errors is the total number of errors encountered.
	Errors uint64 `json:"errors"`

	// NodesKnown is the number of nodes in the controller's table.
	NodesKnown int `json:"nodes_known"`
}

// RequestMessage is sent from Core to Bridge for request/response operations.
// Topic: meshwave/request/zwave/{request_id}
type RequestMessage struct {
	// RequestID uniquely identifies this request for correlation.
	RequestID string `json:"request_id"`

	// Timestamp is when the request was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Action is the requested operation.
	// Values: "read_state", "read_all", "node_info"
	Action string `json:"action"`

	// DeviceID is the target device (for device-specific actions).
	DeviceID string `json:"device_id,omitempty"`

	// Parameters contains action-specific values.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage is sent from Bridge to Core in response to a request.
// Topic: meshwave/response/zwave/{request_id}
type ResponseMessage struct {
	// RequestID is the ID from the original request.
	RequestID string `json:"request_id"`

	// Timestamp is when the response was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Success indicates whether the request succeeded.
	Success bool `json:"success"`

	// Data contains the response payload (if successful).
	Data map[string]any `json:"data,omitempty"`

	// Error contains error details (if failed).
	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	// Code is the error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details map[string]any `json:"details,omitempty"`
}

// DiscoveryMessage is sent from Bridge to Core to announce discovered nodes.
// Topic: meshwave/discovery/zwave
type DiscoveryMessage struct {
	// Timestamp is when discovery was performed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Bridge is the bridge identifier.
	Bridge string `json:"bridge"`

	// Devices contains the discovered devices.
	Devices []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice represents a node found during interrogation that no
// configured device claims.
type DiscoveredDevice struct {
	// Protocol is the protocol identifier.
	Protocol string `json:"protocol"`

	// Address is the protocol-specific address.
	Address string `json:"address"`

	// Type is the generic device class label (e.g., "multilevel_switch").
	Type string `json:"type"`

	// Capabilities lists the node's handled command classes.
	Capabilities []string `json:"capabilities"`

	// Listening indicates whether the node's radio is always on.
	Listening bool `json:"listening"`

	// SuggestedName is a suggested display name for the device.
	SuggestedName string `json:"suggested_name,omitempty"`
}

// JSON marshalling helpers

// MarshalJSON marshals a CommandMessage to JSON.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON unmarshals a CommandMessage from JSON.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  "zwave",
		Address:   address,
	}
}

// NewAckError creates an acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string, retries int) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeoutStatus
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  "zwave",
		Address:   address,
		Error: &AckError{
			Code:    code,
			Message: message,
			Retries: retries,
		},
	}
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID, address string, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  "zwave",
		Address:   address,
	}
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats ControllerStats, deviceCount int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
	}

	if stats.Connected {
		connectedSince := stats.LastActivity // Approximation
		msg.Connection = &ConnectionStatus{
			Status:         "connected",
			ConnectedSince: &connectedSince,
		}
		if stats.HomeID != 0 {
			msg.Connection.HomeID = fmt.Sprintf("0x%08X", stats.HomeID)
		}
	} else {
		msg.Connection = &ConnectionStatus{
			Status: "disconnected",
		}
	}

	msg.Statistics = &BridgeStatistics{
		MessagesReceived: stats.FramesRx,
		MessagesSent:     stats.FramesTx,
		MessagesDropped:  stats.FramesDropped,
		Errors:           stats.ErrorsTotal,
		NodesKnown:       stats.NodeCount,
	}

	return msg
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
// This message is published by the broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all Meshwave messages.
	TopicPrefix = "meshwave"
)

// CommandTopic returns the MQTT topic for commands to a specific address.
// Example: meshwave/command/zwave/12
func CommandTopic(address string) string {
	return fmt.Sprintf("%s/command/zwave/%s", TopicPrefix, EncodeTopicAddress(address))
}

// AckTopic returns the MQTT topic for command acknowledgments.
// Example: meshwave/ack/zwave/12
func AckTopic(address string) string {
	return fmt.Sprintf("%s/ack/zwave/%s", TopicPrefix, EncodeTopicAddress(address))
}

// StateTopic returns the MQTT topic for state updates.
// Example: meshwave/state/zwave/12%2F2
func StateTopic(address string) string {
	return fmt.Sprintf("%s/state/zwave/%s", TopicPrefix, EncodeTopicAddress(address))
}

// HealthTopic returns the MQTT topic for health status.
// Example: meshwave/health/zwave
func HealthTopic() string {
	return fmt.Sprintf("%s/health/zwave", TopicPrefix)
}

// RequestTopic returns the MQTT topic for requests.
// Example: meshwave/request/zwave/req-123
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/zwave/%s", TopicPrefix, requestID)
}

// ResponseTopic returns the MQTT topic for responses.
// Example: meshwave/response/zwave/req-123
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/zwave/%s", TopicPrefix, requestID)
}

// DiscoveryTopic returns the MQTT topic for node discovery.
// Example: meshwave/discovery/zwave
func DiscoveryTopic() string {
	return fmt.Sprintf("%s/discovery/zwave", TopicPrefix)
}

// CommandSubscribeTopic returns the MQTT subscription pattern for all commands.
// Example: meshwave/command/zwave/#
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/zwave/#", TopicPrefix)
}

// RequestSubscribeTopic returns the MQTT subscription pattern for all requests.
// Example: meshwave/request/zwave/#
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/zwave/#", TopicPrefix)
}

// encodedSlashLen is the length of URL-encoded slash (%2F).
const encodedSlashLen = 3

// EncodeTopicAddress URL-encodes an address for use in MQTT topics.
// Endpoint addresses contain a slash which must be encoded.
// Example: "12/2" → "12%2F2"
func EncodeTopicAddress(address string) string {
	result := make([]byte, 0, len(address)*encodedSlashLen)
	for i := 0; i < len(address); i++ {
		if address[i] == '/' {
			result = append(result, '%', '2', 'F')
		} else {
			result = append(result, address[i])
		}
	}
	return string(result)
}

// DecodeTopicAddress decodes a URL-encoded address from an MQTT topic.
// Example: "12%2F2" → "12/2"
func DecodeTopicAddress(encoded string) string {
	result := make([]byte, 0, len(encoded))
	for i := 0; i < len(encoded); i++ {
		if i+2 < len(encoded) && encoded[i] == '%' && encoded[i+1] == '2' && encoded[i+2] == 'F' {
			result = append(result, '/')
			i += 2
		} else {
			result = append(result, encoded[i])
		}
	}
	return string(result)
}
