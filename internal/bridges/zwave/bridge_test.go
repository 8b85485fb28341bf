package zwave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	connected     bool
	published     []mockPublish
	subscriptions map[string]byte
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected:     true,
		subscriptions: make(map[string]byte),
		handlers:      make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic] = qos
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// GetPublished returns a copy of all published messages.
func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublish, len(m.published))
	copy(result, m.published)
	return result
}

// ClearPublished removes all recorded messages.
func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// GetSubscriptions returns the topics subscribed to.
func (m *MockMQTTClient) GetSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.subscriptions))
	for topic := range m.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// MockConnector implements Connector for testing.
type MockConnector struct {
	mu           sync.Mutex
	connected    bool
	nodes        *NodeTable
	sent         []Frame
	sendErr      error
	valueReqs    []Address
	nodeInfoReqs []NodeID
	onFrame      func(Frame)
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		connected: true,
		nodes:     NewNodeTable(),
	}
}

func (m *MockConnector) Send(_ context.Context, f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, f)
	return nil
}

func (m *MockConnector) RequestValue(node NodeID, endpoint Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valueReqs = append(m.valueReqs, Address{Node: node, Endpoint: endpoint})
}

func (m *MockConnector) RequestNodeInfo(node NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeInfoReqs = append(m.nodeInfoReqs, node)
	return nil
}

func (m *MockConnector) SetOnFrame(fn func(Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFrame = fn
}

func (m *MockConnector) Nodes() *NodeTable {
	return m.nodes
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnector) Stats() ControllerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ControllerStats{
		FramesTx:  uint64(len(m.sent)),
		Connected: m.connected,
		HomeID:    0x016A2EBF,
		OwnNodeID: 1,
		NodeCount: m.nodes.Count(),
	}
}

func (m *MockConnector) Close() error {
	return nil
}

// GetSentFrames returns a copy of all frames sent to the mesh.
func (m *MockConnector) GetSentFrames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Frame, len(m.sent))
	copy(result, m.sent)
	return result
}

// ClearSent removes all recorded frames.
func (m *MockConnector) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// SetSendError makes subsequent Send calls fail with the given error.
func (m *MockConnector) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// GetNodeInfoRequests returns the nodes whose info was requested.
func (m *MockConnector) GetNodeInfoRequests() []NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]NodeID, len(m.nodeInfoReqs))
	copy(result, m.nodeInfoReqs)
	return result
}

// SimulateFrame invokes the registered frame callback as if the
// gateway delivered a frame.
func (m *MockConnector) SimulateFrame(f Frame) {
	m.mu.Lock()
	fn := m.onFrame
	m.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// mockRegistry implements DeviceRegistry for testing.
type mockRegistry struct {
	mu     sync.Mutex
	seeds  []DeviceSeed
	states map[string]map[string]any
	health map[string]string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		states: make(map[string]map[string]any),
		health: make(map[string]string),
	}
}

func (m *mockRegistry) SetDeviceState(_ context.Context, id string, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state
	return nil
}

func (m *mockRegistry) SetDeviceHealth(_ context.Context, id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[id] = status
	return nil
}

func (m *mockRegistry) CreateDeviceIfNotExists(_ context.Context, seed DeviceSeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeds = append(m.seeds, seed)
	return nil
}

func (m *mockRegistry) getState(id string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

func (m *mockRegistry) getHealth(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health[id]
}

func (m *mockRegistry) getSeeds() []DeviceSeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]DeviceSeed, len(m.seeds))
	copy(result, m.seeds)
	return result
}

// mockActivityRecorder implements ActivityRecorder for testing.
type mockActivityRecorder struct {
	mu       sync.Mutex
	activity []NodeID
	nodeInfo []NodeID
}

func (m *mockActivityRecorder) RecordActivity(node NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, node)
}

func (m *mockActivityRecorder) RecordNodeInfo(node NodeID, _ DeviceClass, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeInfo = append(m.nodeInfo, node)
}

func (m *mockActivityRecorder) getActivity() []NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]NodeID, len(m.activity))
	copy(result, m.activity)
	return result
}

func (m *mockActivityRecorder) getNodeInfo() []NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]NodeID, len(m.nodeInfo))
	copy(result, m.nodeInfo)
	return result
}

// createTestConfig returns a config with two devices: a dimmer with a
// battery function on node 12 and a binary plug on node 40.
func createTestConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "test-bridge",
			HealthInterval: 30,
			PollInterval:   0, // Polling disabled for tests
		},
		Gateway: GatewaySettings{
			Connection: "tcp://localhost:3333",
		},
		MQTT: MQTTSettings{
			Broker: "tcp://localhost:1883",
		},
		Devices: []DeviceConfig{
			{
				DeviceID: "living-room-dimmer",
				Type:     "light_dimmer",
				Node:     12,
				Poll:     true,
				Functions: map[string]string{
					"switch":  "switch_multilevel",
					"battery": "battery",
				},
			},
			{
				DeviceID: "hall-plug",
				Type:     "light_switch",
				Node:     40,
				Functions: map[string]string{
					"switch": "switch_binary",
				},
			},
		},
	}
}

// createTestBridge builds and starts a bridge wired to mocks.
// Startup health traffic is cleared so tests only see their own.
func createTestBridge(t *testing.T) (*Bridge, *MockMQTTClient, *MockConnector) {
	t.Helper()

	mqtt := NewMockMQTTClient()
	conn := NewMockConnector()
	events := NewNotifier()
	t.Cleanup(events.Close)

	b, err := NewBridge(BridgeOptions{
		Config:     createTestConfig(),
		MQTTClient: mqtt,
		Controller: conn,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)

	mqtt.ClearPublished()
	return b, mqtt, conn
}

// acksOn collects acknowledgments published to a topic, in order.
func acksOn(t *testing.T, mqtt *MockMQTTClient, topic string) []AckMessage {
	t.Helper()
	var acks []AckMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic != topic {
			continue
		}
		var ack AckMessage
		if err := json.Unmarshal(pub.Payload, &ack); err != nil {
			t.Fatalf("failed to unmarshal ack: %v", err)
		}
		acks = append(acks, ack)
	}
	return acks
}

// statesOn collects state messages published to a topic, in order.
func statesOn(t *testing.T, mqtt *MockMQTTClient, topic string) []StateMessage {
	t.Helper()
	var states []StateMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic != topic {
			continue
		}
		var state StateMessage
		if err := json.Unmarshal(pub.Payload, &state); err != nil {
			t.Fatalf("failed to unmarshal state: %v", err)
		}
		states = append(states, state)
	}
	return states
}

func TestNewBridge(t *testing.T) {
	mqtt := NewMockMQTTClient()
	conn := NewMockConnector()
	events := NewNotifier()
	defer events.Close()

	b, err := NewBridge(BridgeOptions{
		Config:     createTestConfig(),
		MQTTClient: mqtt,
		Controller: conn,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	if b.health == nil {
		t.Error("health reporter should be created")
	}
	if len(b.byID) != 2 {
		t.Errorf("byID has %d devices, want 2", len(b.byID))
	}
	if len(b.byAddress) != 2 {
		t.Errorf("byAddress has %d addresses, want 2", len(b.byAddress))
	}
}

func TestNewBridgeValidation(t *testing.T) {
	mqtt := NewMockMQTTClient()
	conn := NewMockConnector()
	events := NewNotifier()
	defer events.Close()

	tests := []struct {
		name    string
		opts    BridgeOptions
		wantErr string
	}{
		{
			name: "missing config",
			opts: BridgeOptions{
				MQTTClient: mqtt,
				Controller: conn,
				Events:     events,
			},
			wantErr: "config",
		},
		{
			name: "missing mqtt client",
			opts: BridgeOptions{
				Config:     createTestConfig(),
				Controller: conn,
				Events:     events,
			},
			wantErr: "MQTT client",
		},
		{
			name: "missing controller",
			opts: BridgeOptions{
				Config:     createTestConfig(),
				MQTTClient: mqtt,
				Events:     events,
			},
			wantErr: "controller",
		},
		{
			name: "missing events",
			opts: BridgeOptions{
				Config:     createTestConfig(),
				MQTTClient: mqtt,
				Controller: conn,
			},
			wantErr: "notifier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBridge(tt.opts)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestBridgeStartStop(t *testing.T) {
	mqtt := NewMockMQTTClient()
	conn := NewMockConnector()
	events := NewNotifier()
	defer events.Close()

	b, err := NewBridge(BridgeOptions{
		Config:     createTestConfig(),
		MQTTClient: mqtt,
		Controller: conn,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Both MQTT subscriptions registered
	subs := mqtt.GetSubscriptions()
	wantSubs := map[string]bool{
		"meshwave/command/zwave/#": false,
		"meshwave/request/zwave/#": false,
	}
	for _, topic := range subs {
		if _, ok := wantSubs[topic]; ok {
			wantSubs[topic] = true
		}
	}
	for topic, seen := range wantSubs {
		if !seen {
			t.Errorf("missing subscription to %s", topic)
		}
	}

	// Node table seeded from config
	if got := conn.Nodes().Count(); got != 2 {
		t.Errorf("node table has %d nodes, want 2", got)
	}
	dimmer, ok := conn.Nodes().Get(12)
	if !ok {
		t.Fatal("node 12 should be seeded")
	}
	if _, ok := dimmer.Handler(CommandClassSwitchMultilevel); !ok {
		t.Error("node 12 should have a multilevel handler")
	}
	if _, ok := dimmer.Handler(CommandClassBattery); !ok {
		t.Error("node 12 should have a battery handler")
	}
	plug, ok := conn.Nodes().Get(40)
	if !ok {
		t.Fatal("node 40 should be seeded")
	}
	if _, ok := plug.Handler(CommandClassSwitchBinary); !ok {
		t.Error("node 40 should have a binary switch handler")
	}

	// Health published during startup: starting first
	var health []HealthMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic != "meshwave/health/zwave" {
			continue
		}
		var msg HealthMessage
		if err := json.Unmarshal(pub.Payload, &msg); err != nil {
			t.Fatalf("failed to unmarshal health: %v", err)
		}
		health = append(health, msg)
	}
	if len(health) < 2 {
		t.Fatalf("expected at least 2 health messages, got %d", len(health))
	}
	if health[0].Status != HealthStarting {
		t.Errorf("first health status = %q, want %q", health[0].Status, HealthStarting)
	}

	b.Stop()
	b.Stop() // Second stop is a no-op

	// Final health message is stopping
	health = health[:0]
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic != "meshwave/health/zwave" {
			continue
		}
		var msg HealthMessage
		if err := json.Unmarshal(pub.Payload, &msg); err != nil {
			t.Fatalf("failed to unmarshal health: %v", err)
		}
		health = append(health, msg)
	}
	if last := health[len(health)-1]; last.Status != HealthStopping {
		t.Errorf("last health status = %q, want %q", last.Status, HealthStopping)
	}
}

func TestBridgeSeedNodesMergesDiscovered(t *testing.T) {
	mqtt := NewMockMQTTClient()
	conn := NewMockConnector()
	events := NewNotifier()
	defer events.Close()

	// Node 12 already interrogated, but only advertised battery
	deps := HandlerDeps{Events: events, Requester: conn}
	node, _ := conn.Nodes().GetOrCreate(12)
	node.SetSupported([]CommandClassCode{CommandClassBattery}, deps)

	b, err := NewBridge(BridgeOptions{
		Config:     createTestConfig(),
		MQTTClient: mqtt,
		Controller: conn,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	// Configured classes extend the advertised list
	if _, ok := node.Handler(CommandClassBattery); !ok {
		t.Error("battery handler should survive the merge")
	}
	if _, ok := node.Handler(CommandClassSwitchMultilevel); !ok {
		t.Error("configured multilevel class should be added")
	}
}

func TestBridgeCommandOn(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	cmd := CommandMessage{
		ID:       "cmd-1",
		DeviceID: "hall-plug",
		Command:  "on",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/40", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/40")
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0].Status != AckAccepted {
		t.Errorf("ack status = %q, want %q", acks[0].Status, AckAccepted)
	}
	if acks[0].CommandID != "cmd-1" {
		t.Errorf("ack command_id = %q, want cmd-1", acks[0].CommandID)
	}
	if acks[0].Protocol != "zwave" {
		t.Errorf("ack protocol = %q, want zwave", acks[0].Protocol)
	}

	frames := conn.GetSentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	want := []byte{0x28, 0x03, 0x25, 0x01, 0xFF}
	if got := frames[0].Encode(); !bytes.Equal(got, want) {
		t.Errorf("frame = % X, want % X", got, want)
	}
	if frames[0].Priority != PrioritySet {
		t.Errorf("frame priority = %v, want PrioritySet", frames[0].Priority)
	}
}

func TestBridgeCommandOffDimmer(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	cmd := CommandMessage{
		ID:       "cmd-2",
		DeviceID: "living-room-dimmer",
		Command:  "off",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/12", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/12")
	if len(acks) != 1 || acks[0].Status != AckAccepted {
		t.Fatalf("expected 1 accepted ack, got %+v", acks)
	}

	frames := conn.GetSentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	want := []byte{0x0C, 0x03, 0x26, 0x01, 0x00}
	if got := frames[0].Encode(); !bytes.Equal(got, want) {
		t.Errorf("frame = % X, want % X", got, want)
	}
}

func TestBridgeCommandDim(t *testing.T) {
	tests := []struct {
		name      string
		level     any
		wantLevel byte
	}{
		{"mid level", 50, 0x32},
		{"full maps to scale max", 100, 0x63},
		{"zero", 0, 0x00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mqtt, conn := createTestBridge(t)

			cmd := CommandMessage{
				ID:         "cmd-dim",
				DeviceID:   "living-room-dimmer",
				Command:    "dim",
				Parameters: map[string]any{"level": tt.level},
				Source:     "api",
			}
			payload, _ := json.Marshal(&cmd)
			b.handleMQTTMessage("meshwave/command/zwave/12", payload)

			acks := acksOn(t, mqtt, "meshwave/ack/zwave/12")
			if len(acks) != 1 || acks[0].Status != AckAccepted {
				t.Fatalf("expected 1 accepted ack, got %+v", acks)
			}

			frames := conn.GetSentFrames()
			if len(frames) != 1 {
				t.Fatalf("expected 1 frame, got %d", len(frames))
			}
			want := []byte{0x0C, 0x03, 0x26, 0x01, tt.wantLevel}
			if got := frames[0].Encode(); !bytes.Equal(got, want) {
				t.Errorf("frame = % X, want % X", got, want)
			}
		})
	}
}

func TestBridgeCommandDimOnBinarySwitch(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	// Binary switches degrade dim to on/off
	cmd := CommandMessage{
		ID:         "cmd-3",
		DeviceID:   "hall-plug",
		Command:    "set_level",
		Parameters: map[string]any{"level": 50},
		Source:     "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/40", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/40")
	if len(acks) != 1 || acks[0].Status != AckAccepted {
		t.Fatalf("expected 1 accepted ack, got %+v", acks)
	}

	frames := conn.GetSentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	want := []byte{0x28, 0x03, 0x25, 0x01, 0xFF}
	if got := frames[0].Encode(); !bytes.Equal(got, want) {
		t.Errorf("frame = % X, want % X", got, want)
	}
}

func TestBridgeCommandDimInvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing level", nil},
		{"level not a number", map[string]any{"level": "half"}},
		{"level below range", map[string]any{"level": -5}},
		{"level above range", map[string]any{"level": 150}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mqtt, conn := createTestBridge(t)

			cmd := CommandMessage{
				ID:         "cmd-bad",
				DeviceID:   "living-room-dimmer",
				Command:    "dim",
				Parameters: tt.params,
				Source:     "api",
			}
			payload, _ := json.Marshal(&cmd)
			b.handleMQTTMessage("meshwave/command/zwave/12", payload)

			acks := acksOn(t, mqtt, "meshwave/ack/zwave/12")
			if len(acks) != 1 {
				t.Fatalf("expected 1 ack, got %d", len(acks))
			}
			if acks[0].Status != AckFailed {
				t.Errorf("ack status = %q, want %q", acks[0].Status, AckFailed)
			}
			if acks[0].Error == nil || acks[0].Error.Code != ErrCodeInvalidParameters {
				t.Errorf("ack error = %+v, want code %s", acks[0].Error, ErrCodeInvalidParameters)
			}

			if frames := conn.GetSentFrames(); len(frames) != 0 {
				t.Errorf("expected no frames, got %d", len(frames))
			}
		})
	}
}

func TestBridgeCommandIncreaseDecrease(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	// First increase from unknown level steps to 5
	cmd := CommandMessage{
		ID:       "cmd-up",
		DeviceID: "living-room-dimmer",
		Command:  "increase",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/12", payload)

	frames := conn.GetSentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after increase, got %d", len(frames))
	}
	want := []byte{0x0C, 0x03, 0x26, 0x01, 0x05}
	if got := frames[0].Encode(); !bytes.Equal(got, want) {
		t.Errorf("increase frame = % X, want % X", got, want)
	}
	if frames[0].Priority != PrioritySet {
		t.Errorf("increase priority = %v, want PrioritySet", frames[0].Priority)
	}

	conn.ClearSent()
	mqtt.ClearPublished()

	// Decrease steps back down to 0
	cmd.ID = "cmd-down"
	cmd.Command = "decrease"
	payload, _ = json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/12", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/12")
	if len(acks) != 1 || acks[0].Status != AckAccepted {
		t.Fatalf("expected 1 accepted ack, got %+v", acks)
	}

	frames = conn.GetSentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after decrease, got %d", len(frames))
	}
	want = []byte{0x0C, 0x03, 0x26, 0x01, 0x00}
	if got := frames[0].Encode(); !bytes.Equal(got, want) {
		t.Errorf("decrease frame = % X, want % X", got, want)
	}
	if frames[0].Priority != PriorityGet {
		t.Errorf("decrease priority = %v, want PriorityGet", frames[0].Priority)
	}
}

func TestBridgeCommandStepOnBinarySwitch(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	cmd := CommandMessage{
		ID:       "cmd-step",
		DeviceID: "hall-plug",
		Command:  "increase",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/40", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/40")
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0].Status != AckFailed {
		t.Errorf("ack status = %q, want %q", acks[0].Status, AckFailed)
	}
	if acks[0].Error == nil || acks[0].Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack error = %+v, want code %s", acks[0].Error, ErrCodeInvalidCommand)
	}

	if frames := conn.GetSentFrames(); len(frames) != 0 {
		t.Errorf("expected no frames, got %d", len(frames))
	}
}

func TestBridgeCommandRefresh(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	cmd := CommandMessage{
		ID:       "cmd-refresh",
		DeviceID: "living-room-dimmer",
		Command:  "refresh",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/12", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/12")
	if len(acks) != 1 || acks[0].Status != AckAccepted {
		t.Fatalf("expected 1 accepted ack, got %+v", acks)
	}

	// Both bound classes queried
	frames := conn.GetSentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	classes := make(map[CommandClassCode]bool)
	for _, f := range frames {
		classes[f.CommandClass] = true
		if f.Priority != PriorityGet {
			t.Errorf("refresh frame priority = %v, want PriorityGet", f.Priority)
		}
	}
	if !classes[CommandClassSwitchMultilevel] || !classes[CommandClassBattery] {
		t.Errorf("queried classes = %v, want multilevel and battery", classes)
	}
}

func TestBridgeCommandUnknownDevice(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	cmd := CommandMessage{
		ID:       "cmd-4",
		DeviceID: "bedroom-fan",
		Command:  "on",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/99", payload)

	// No binding resolved, so the ack carries an empty address
	acks := acksOn(t, mqtt, "meshwave/ack/zwave/")
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0].Status != AckFailed {
		t.Errorf("ack status = %q, want %q", acks[0].Status, AckFailed)
	}
	if acks[0].Error == nil || acks[0].Error.Code != ErrCodeNotConfigured {
		t.Errorf("ack error = %+v, want code %s", acks[0].Error, ErrCodeNotConfigured)
	}

	if frames := conn.GetSentFrames(); len(frames) != 0 {
		t.Errorf("expected no frames, got %d", len(frames))
	}
}

func TestBridgeCommandUnknownCommand(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	cmd := CommandMessage{
		ID:       "cmd-5",
		DeviceID: "living-room-dimmer",
		Command:  "sparkle",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/12", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/12")
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0].Error == nil || acks[0].Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack error = %+v, want code %s", acks[0].Error, ErrCodeInvalidCommand)
	}

	if frames := conn.GetSentFrames(); len(frames) != 0 {
		t.Errorf("expected no frames, got %d", len(frames))
	}
}

func TestBridgeCommandSendFailure(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)
	conn.SetSendError(fmt.Errorf("tx queue full"))

	cmd := CommandMessage{
		ID:       "cmd-6",
		DeviceID: "hall-plug",
		Command:  "on",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/40", payload)

	// Accepted ack published before the send, failure ack after
	acks := acksOn(t, mqtt, "meshwave/ack/zwave/40")
	if len(acks) != 2 {
		t.Fatalf("expected 2 acks, got %d", len(acks))
	}
	if acks[0].Status != AckAccepted {
		t.Errorf("first ack status = %q, want %q", acks[0].Status, AckAccepted)
	}
	if acks[1].Status != AckFailed {
		t.Errorf("second ack status = %q, want %q", acks[1].Status, AckFailed)
	}
	if acks[1].Error == nil || acks[1].Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("second ack error = %+v, want code %s", acks[1].Error, ErrCodeDeviceUnreachable)
	}
}

func TestBridgeCommandMalformedJSON(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	b.handleMQTTMessage("meshwave/command/zwave/12", []byte("{not json"))

	for _, pub := range mqtt.GetPublished() {
		if strings.HasPrefix(pub.Topic, "meshwave/ack/") {
			t.Errorf("unexpected ack on %s", pub.Topic)
		}
	}
	if frames := conn.GetSentFrames(); len(frames) != 0 {
		t.Errorf("expected no frames, got %d", len(frames))
	}
}

func TestBridgeInvalidTopic(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	cmd := CommandMessage{ID: "cmd-7", DeviceID: "hall-plug", Command: "on", Source: "api"}
	payload, _ := json.Marshal(&cmd)

	// Too few topic segments
	b.handleMQTTMessage("meshwave", payload)

	// Unknown message type
	b.handleMQTTMessage("meshwave/telemetry/zwave/40", payload)

	for _, pub := range mqtt.GetPublished() {
		if strings.HasPrefix(pub.Topic, "meshwave/ack/") {
			t.Errorf("unexpected ack on %s", pub.Topic)
		}
	}
	if frames := conn.GetSentFrames(); len(frames) != 0 {
		t.Errorf("expected no frames, got %d", len(frames))
	}
}

func TestBridgeRequestReadState(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	req := RequestMessage{
		RequestID: "req-1",
		Timestamp: time.Now().UTC(),
		Action:    "read_state",
		DeviceID:  "living-room-dimmer",
	}
	payload, _ := json.Marshal(req)
	b.handleMQTTMessage("meshwave/request/zwave/req-1", payload)

	var resp ResponseMessage
	found := false
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic != "meshwave/response/zwave/req-1" {
			continue
		}
		if err := json.Unmarshal(pub.Payload, &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		found = true
	}
	if !found {
		t.Fatal("no response published")
	}

	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp.Error)
	}
	if got := resp.Data["reads_sent"]; got != float64(2) {
		t.Errorf("reads_sent = %v, want 2", got)
	}

	if frames := conn.GetSentFrames(); len(frames) != 2 {
		t.Errorf("expected 2 read frames, got %d", len(frames))
	}
}

func TestBridgeRequestReadStateUnknownDevice(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	req := RequestMessage{
		RequestID: "req-2",
		Timestamp: time.Now().UTC(),
		Action:    "read_state",
		DeviceID:  "bedroom-fan",
	}
	payload, _ := json.Marshal(req)
	b.handleMQTTMessage("meshwave/request/zwave/req-2", payload)

	var resp ResponseMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic == "meshwave/response/zwave/req-2" {
			if err := json.Unmarshal(pub.Payload, &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
		}
	}

	if resp.Success {
		t.Error("response should not be successful")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeNotConfigured {
		t.Errorf("response error = %+v, want code %s", resp.Error, ErrCodeNotConfigured)
	}
}

func TestBridgeRequestReadStateMissingDevice(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	req := RequestMessage{
		RequestID: "req-3",
		Timestamp: time.Now().UTC(),
		Action:    "read_state",
	}
	payload, _ := json.Marshal(req)
	b.handleMQTTMessage("meshwave/request/zwave/req-3", payload)

	var resp ResponseMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic == "meshwave/response/zwave/req-3" {
			if err := json.Unmarshal(pub.Payload, &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
		}
	}

	if resp.Success {
		t.Error("response should not be successful")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidParameters {
		t.Errorf("response error = %+v, want code %s", resp.Error, ErrCodeInvalidParameters)
	}
}

func TestBridgeRequestNodeInfoAll(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	req := RequestMessage{
		RequestID: "req-4",
		Timestamp: time.Now().UTC(),
		Action:    "node_info",
	}
	payload, _ := json.Marshal(req)
	b.handleMQTTMessage("meshwave/request/zwave/req-4", payload)

	var resp ResponseMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic == "meshwave/response/zwave/req-4" {
			if err := json.Unmarshal(pub.Payload, &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
		}
	}

	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp.Error)
	}
	nodes, ok := resp.Data["nodes"].([]any)
	if !ok {
		t.Fatalf("data.nodes has unexpected type %T", resp.Data["nodes"])
	}
	if len(nodes) != 2 {
		t.Errorf("expected 2 node summaries, got %d", len(nodes))
	}
}

func TestBridgeRequestNodeInfoDevice(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	req := RequestMessage{
		RequestID: "req-5",
		Timestamp: time.Now().UTC(),
		Action:    "node_info",
		DeviceID:  "living-room-dimmer",
	}
	payload, _ := json.Marshal(req)
	b.handleMQTTMessage("meshwave/request/zwave/req-5", payload)

	var resp ResponseMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic == "meshwave/response/zwave/req-5" {
			if err := json.Unmarshal(pub.Payload, &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
		}
	}

	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp.Error)
	}
	node, ok := resp.Data["node"].(map[string]any)
	if !ok {
		t.Fatalf("data.node has unexpected type %T", resp.Data["node"])
	}
	if node["id"] != float64(12) {
		t.Errorf("node id = %v, want 12", node["id"])
	}

	// Refresh was requested from the gateway
	infoReqs := conn.GetNodeInfoRequests()
	if len(infoReqs) != 1 || infoReqs[0] != 12 {
		t.Errorf("node info requests = %v, want [12]", infoReqs)
	}
}

func TestBridgeRequestUnknownAction(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	req := RequestMessage{
		RequestID: "req-6",
		Timestamp: time.Now().UTC(),
		Action:    "reboot",
	}
	payload, _ := json.Marshal(req)
	b.handleMQTTMessage("meshwave/request/zwave/req-6", payload)

	var resp ResponseMessage
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic == "meshwave/response/zwave/req-6" {
			if err := json.Unmarshal(pub.Payload, &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
		}
	}

	if resp.Success {
		t.Error("response should not be successful")
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("response error = %+v, want code %s", resp.Error, ErrCodeInvalidCommand)
	}
}

func TestBridgeValueEventToState(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(75)))
	time.Sleep(50 * time.Millisecond)

	var statePub *mockPublish
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic == "meshwave/state/zwave/12" {
			p := pub
			statePub = &p
			break
		}
	}
	if statePub == nil {
		t.Fatal("no state message published")
	}
	if statePub.QoS != 1 {
		t.Errorf("state qos = %d, want 1", statePub.QoS)
	}
	if !statePub.Retained {
		t.Error("state message should be retained")
	}

	var state StateMessage
	if err := json.Unmarshal(statePub.Payload, &state); err != nil {
		t.Fatalf("failed to unmarshal state: %v", err)
	}
	if state.DeviceID != "living-room-dimmer" {
		t.Errorf("device_id = %q, want living-room-dimmer", state.DeviceID)
	}
	if state.Protocol != "zwave" {
		t.Errorf("protocol = %q, want zwave", state.Protocol)
	}
	if state.Address != "12" {
		t.Errorf("address = %q, want 12", state.Address)
	}
	if state.State["level"] != float64(75) {
		t.Errorf("state.level = %v, want 75", state.State["level"])
	}
	if state.State["on"] != true {
		t.Errorf("state.on = %v, want true", state.State["on"])
	}
}

func TestBridgeStateChangeDetection(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	// Same value twice publishes once
	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(60)))
	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(60)))
	time.Sleep(50 * time.Millisecond)

	states := statesOn(t, mqtt, "meshwave/state/zwave/12")
	if len(states) != 1 {
		t.Fatalf("expected 1 state message, got %d", len(states))
	}

	// A changed value publishes again
	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(80)))
	time.Sleep(50 * time.Millisecond)

	states = statesOn(t, mqtt, "meshwave/state/zwave/12")
	if len(states) != 2 {
		t.Fatalf("expected 2 state messages, got %d", len(states))
	}
	if states[1].State["level"] != float64(80) {
		t.Errorf("second state.level = %v, want 80", states[1].State["level"])
	}
}

func TestBridgeTokenEventToState(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, TokenValue(TokenOn)))
	time.Sleep(50 * time.Millisecond)

	states := statesOn(t, mqtt, "meshwave/state/zwave/12")
	if len(states) != 1 {
		t.Fatalf("expected 1 state message, got %d", len(states))
	}
	if states[0].State["on"] != true {
		t.Errorf("state.on = %v, want true", states[0].State["on"])
	}
	// ON on a multilevel device implies the scale maximum
	if states[0].State["level"] != float64(99) {
		t.Errorf("state.level = %v, want 99", states[0].State["level"])
	}
}

func TestBridgeBinaryTokenEventToState(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	b.events.Publish(NewValueEvent(40, 0, CommandClassSwitchBinary, TokenValue(TokenOff)))
	time.Sleep(50 * time.Millisecond)

	states := statesOn(t, mqtt, "meshwave/state/zwave/40")
	if len(states) != 1 {
		t.Fatalf("expected 1 state message, got %d", len(states))
	}
	if states[0].State["on"] != false {
		t.Errorf("state.on = %v, want false", states[0].State["on"])
	}
	// Binary switches have no level
	if _, ok := states[0].State["level"]; ok {
		t.Errorf("binary state should not contain level, got %v", states[0].State)
	}
}

func TestBridgeBatteryEventToState(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	b.events.Publish(NewValueEvent(12, 0, CommandClassBattery, LevelValue(80)))
	time.Sleep(50 * time.Millisecond)

	states := statesOn(t, mqtt, "meshwave/state/zwave/12")
	if len(states) != 1 {
		t.Fatalf("expected 1 state message, got %d", len(states))
	}
	if states[0].State["battery"] != float64(80) {
		t.Errorf("state.battery = %v, want 80", states[0].State["battery"])
	}
	if _, ok := states[0].State["on"]; ok {
		t.Errorf("battery state should not contain on, got %v", states[0].State)
	}
}

func TestBridgeBatteryLowEvent(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	b.events.Publish(Event{
		Kind:      EventBatteryLow,
		Node:      12,
		Timestamp: time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)

	states := statesOn(t, mqtt, "meshwave/state/zwave/12")
	if len(states) != 1 {
		t.Fatalf("expected 1 state message, got %d", len(states))
	}
	if states[0].State["battery"] != float64(0) {
		t.Errorf("state.battery = %v, want 0", states[0].State["battery"])
	}
	if states[0].State["battery_low"] != true {
		t.Errorf("state.battery_low = %v, want true", states[0].State["battery_low"])
	}
}

func TestBridgeBatteryLowWithoutBatteryFunction(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	// Node 40 has no battery function bound
	b.events.Publish(Event{
		Kind:      EventBatteryLow,
		Node:      40,
		Timestamp: time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)

	states := statesOn(t, mqtt, "meshwave/state/zwave/40")
	if len(states) != 0 {
		t.Errorf("expected no state messages, got %d", len(states))
	}
}

func TestBridgeUnknownAddressIgnored(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	b.events.Publish(NewValueEvent(77, 0, CommandClassSwitchBinary, TokenValue(TokenOn)))
	time.Sleep(50 * time.Millisecond)

	for _, pub := range mqtt.GetPublished() {
		if strings.HasPrefix(pub.Topic, "meshwave/state/") {
			t.Errorf("unexpected state on %s", pub.Topic)
		}
	}
}

func TestBridgeNodeDiscoveredAnnouncement(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	// An unconfigured node appears on the mesh
	deps := HandlerDeps{Events: b.events, Requester: conn}
	node, _ := conn.Nodes().GetOrCreate(99)
	node.SetSupported([]CommandClassCode{CommandClassSwitchBinary}, deps)

	b.events.Publish(Event{
		Kind:      EventNodeDiscovered,
		Node:      99,
		Timestamp: time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)

	var discovery DiscoveryMessage
	found := false
	for _, pub := range mqtt.GetPublished() {
		if pub.Topic != "meshwave/discovery/zwave" {
			continue
		}
		if err := json.Unmarshal(pub.Payload, &discovery); err != nil {
			t.Fatalf("failed to unmarshal discovery: %v", err)
		}
		found = true
	}
	if !found {
		t.Fatal("no discovery message published")
	}

	if discovery.Bridge != "test-bridge" {
		t.Errorf("bridge = %q, want test-bridge", discovery.Bridge)
	}
	if len(discovery.Devices) != 1 {
		t.Fatalf("expected 1 discovered device, got %d", len(discovery.Devices))
	}
	dev := discovery.Devices[0]
	if dev.Protocol != "zwave" {
		t.Errorf("protocol = %q, want zwave", dev.Protocol)
	}
	if dev.Address != "99" {
		t.Errorf("address = %q, want 99", dev.Address)
	}
	if dev.SuggestedName != "zwave-node-99" {
		t.Errorf("suggested_name = %q, want zwave-node-99", dev.SuggestedName)
	}
	if len(dev.Capabilities) != 1 || dev.Capabilities[0] != "switch_binary" {
		t.Errorf("capabilities = %v, want [switch_binary]", dev.Capabilities)
	}
}

func TestBridgeConfiguredNodeNotAnnounced(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	// Node 12 is covered by a configured device
	b.events.Publish(Event{
		Kind:      EventNodeDiscovered,
		Node:      12,
		Timestamp: time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)

	for _, pub := range mqtt.GetPublished() {
		if pub.Topic == "meshwave/discovery/zwave" {
			t.Error("configured node should not be announced")
		}
	}
}

func TestBridgeRecorderIntegration(t *testing.T) {
	mqtt := NewMockMQTTClient()
	conn := NewMockConnector()
	events := NewNotifier()
	t.Cleanup(events.Close)
	recorder := &mockActivityRecorder{}

	b, err := NewBridge(BridgeOptions{
		Config:     createTestConfig(),
		MQTTClient: mqtt,
		Controller: conn,
		Events:     events,
		Recorder:   recorder,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)

	// Raw frame traffic is recorded for passive discovery
	conn.SimulateFrame(Frame{Node: 55, CommandClass: CommandClassBasic, Command: 0x03})

	activity := recorder.getActivity()
	if len(activity) != 1 || activity[0] != 55 {
		t.Errorf("recorded activity = %v, want [55]", activity)
	}

	// Node details are recorded even for configured nodes
	events.Publish(Event{
		Kind:      EventNodeDiscovered,
		Node:      12,
		Timestamp: time.Now().UTC(),
	})
	time.Sleep(50 * time.Millisecond)

	nodeInfo := recorder.getNodeInfo()
	if len(nodeInfo) != 1 || nodeInfo[0] != 12 {
		t.Errorf("recorded node info = %v, want [12]", nodeInfo)
	}
}

func TestBridgeRegistryIntegration(t *testing.T) {
	mqtt := NewMockMQTTClient()
	conn := NewMockConnector()
	events := NewNotifier()
	t.Cleanup(events.Close)
	registry := newMockRegistry()

	b, err := NewBridge(BridgeOptions{
		Config:     createTestConfig(),
		MQTTClient: mqtt,
		Controller: conn,
		Events:     events,
		Registry:   registry,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)

	// Startup seeds both configured devices
	seeds := registry.getSeeds()
	if len(seeds) != 2 {
		t.Fatalf("expected 2 registry seeds, got %d", len(seeds))
	}
	var dimmerSeed *DeviceSeed
	for i := range seeds {
		if seeds[i].ID == "living-room-dimmer" {
			dimmerSeed = &seeds[i]
		}
	}
	if dimmerSeed == nil {
		t.Fatal("dimmer seed not found")
	}
	if dimmerSeed.Protocol != "zwave" {
		t.Errorf("seed protocol = %q, want zwave", dimmerSeed.Protocol)
	}
	if dimmerSeed.GatewayID != "test-bridge" {
		t.Errorf("seed gateway = %q, want test-bridge", dimmerSeed.GatewayID)
	}
	if dimmerSeed.Address["node"] != "12" {
		t.Errorf("seed node = %q, want 12", dimmerSeed.Address["node"])
	}

	// State updates are mirrored into the registry
	events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(75)))
	time.Sleep(50 * time.Millisecond)

	state := registry.getState("living-room-dimmer")
	if state == nil {
		t.Fatal("registry state not updated")
	}
	if state["level"] != 75 {
		t.Errorf("registry level = %v, want 75", state["level"])
	}
	if registry.getHealth("living-room-dimmer") != "online" {
		t.Errorf("registry health = %q, want online", registry.getHealth("living-room-dimmer"))
	}
}

func TestBridgeClearStateCache(t *testing.T) {
	b, mqtt, _ := createTestBridge(t)

	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(60)))
	time.Sleep(50 * time.Millisecond)

	// Cached value suppresses the repeat
	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(60)))
	time.Sleep(50 * time.Millisecond)

	if states := statesOn(t, mqtt, "meshwave/state/zwave/12"); len(states) != 1 {
		t.Fatalf("expected 1 state message, got %d", len(states))
	}

	b.ClearStateCache()

	// Same value publishes again after the cache is cleared
	b.events.Publish(NewValueEvent(12, 0, CommandClassSwitchMultilevel, LevelValue(60)))
	time.Sleep(50 * time.Millisecond)

	if states := statesOn(t, mqtt, "meshwave/state/zwave/12"); len(states) != 2 {
		t.Fatalf("expected 2 state messages, got %d", len(states))
	}
}

func TestBridgePruneStateCache(t *testing.T) {
	b, _, _ := createTestBridge(t)

	b.stateCache["living-room-dimmer"] = map[string]Value{"switch": LevelValue(10)}
	b.stateCache["ghost-device"] = map[string]Value{"switch": LevelValue(20)}

	b.PruneStateCache()

	b.stateCacheMu.RLock()
	defer b.stateCacheMu.RUnlock()
	if _, ok := b.stateCache["living-room-dimmer"]; !ok {
		t.Error("configured device should survive pruning")
	}
	if _, ok := b.stateCache["ghost-device"]; ok {
		t.Error("unconfigured device should be pruned")
	}
}

func TestBridgeReloadConfig(t *testing.T) {
	b, mqtt, conn := createTestBridge(t)

	newCfg := createTestConfig()
	newCfg.Devices = []DeviceConfig{
		newCfg.Devices[0], // Keep the dimmer
		{
			DeviceID: "porch-light",
			Type:     "light_switch",
			Node:     50,
			Functions: map[string]string{
				"switch": "switch_binary",
			},
		},
	}

	b.ReloadConfig(newCfg)

	// The new device is commandable without a restart
	cmd := CommandMessage{
		ID:       "cmd-8",
		DeviceID: "porch-light",
		Command:  "on",
		Source:   "api",
	}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/50", payload)

	acks := acksOn(t, mqtt, "meshwave/ack/zwave/50")
	if len(acks) != 1 || acks[0].Status != AckAccepted {
		t.Fatalf("expected 1 accepted ack, got %+v", acks)
	}

	// Post-reload reads run in the background, so scan for the set frame
	found := false
	for _, f := range conn.GetSentFrames() {
		if f.Node == 50 && f.CommandClass == CommandClassSwitchBinary && f.Command == switchBinarySet {
			found = true
		}
	}
	if !found {
		t.Error("no set frame sent to node 50")
	}

	// The removed device is gone
	mqtt.ClearPublished()
	cmd.ID = "cmd-9"
	cmd.DeviceID = "hall-plug"
	payload, _ = json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/40", payload)

	acks = acksOn(t, mqtt, "meshwave/ack/zwave/")
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0].Error == nil || acks[0].Error.Code != ErrCodeNotConfigured {
		t.Errorf("ack error = %+v, want code %s", acks[0].Error, ErrCodeNotConfigured)
	}

	if got := b.GetMetrics().DevicesManaged; got != 2 {
		t.Errorf("DevicesManaged = %d, want 2", got)
	}
}

func TestBridgeGetMetrics(t *testing.T) {
	b, _, _ := createTestBridge(t)

	metrics := b.GetMetrics()
	if !metrics.Connected {
		t.Error("metrics should report connected")
	}
	if metrics.Status != "healthy" {
		t.Errorf("status = %q, want healthy", metrics.Status)
	}
	if metrics.DevicesManaged != 2 {
		t.Errorf("DevicesManaged = %d, want 2", metrics.DevicesManaged)
	}
	if metrics.NodesKnown != 2 {
		t.Errorf("NodesKnown = %d, want 2", metrics.NodesKnown)
	}

	// A sent frame shows up in the transmit count
	cmd := CommandMessage{ID: "cmd-10", DeviceID: "hall-plug", Command: "on", Source: "api"}
	payload, _ := json.Marshal(&cmd)
	b.handleMQTTMessage("meshwave/command/zwave/40", payload)

	if got := b.GetMetrics().FramesTx; got != 1 {
		t.Errorf("FramesTx = %d, want 1", got)
	}
}

func TestBridgeNodeSummaries(t *testing.T) {
	b, _, _ := createTestBridge(t)

	summaries := b.NodeSummaries()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].ID != 12 || summaries[1].ID != 40 {
		t.Errorf("summary ids = %d, %d, want 12, 40", summaries[0].ID, summaries[1].ID)
	}
}
