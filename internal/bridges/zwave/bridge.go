package zwave

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout is the timeout for sending commands to devices.
	commandTimeout = 5 * time.Second

	// readAllTimeout is the timeout for reading all device states.
	readAllTimeout = 30 * time.Second

	// interPollDelay is the delay between poll requests. Z-Wave is a
	// low-bandwidth mesh; back-to-back GETs starve command traffic.
	interPollDelay = 250 * time.Millisecond
)

// Bridge orchestrates bidirectional translation between the Z-Wave mesh
// and MQTT. It handles:
//   - Receiving commands from Core via MQTT and translating to Z-Wave frames
//   - Receiving decoded node events and publishing state updates to MQTT
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg        *Config
	mqtt       MQTTClient
	controller Connector
	events     *Notifier
	health     *HealthReporter
	registry   DeviceRegistry   // Optional device registry for state/health persistence
	recorder   ActivityRecorder // Optional node recorder for passive discovery

	// Device mappings (built from config)
	byAddress map[Address][]*DeviceBinding
	byID      map[string]*DeviceBinding
	mappingMu sync.RWMutex

	// State cache for change detection
	stateCache   map[string]map[string]Value
	stateCacheMu sync.RWMutex

	// Notifier subscription handle
	eventSub int

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// DeviceRegistry provides device state and health persistence.
// This interface is satisfied by *device.Registry (via adapter in main.go).
// It is optional - if nil, the bridge operates without registry integration.
type DeviceRegistry interface {
	// SetDeviceState updates the state of a device.
	SetDeviceState(ctx context.Context, id string, state map[string]any) error

	// SetDeviceHealth updates the health status of a device.
	SetDeviceHealth(ctx context.Context, id string, status string) error

	// CreateDeviceIfNotExists seeds a device record from bridge config.
	// No-op if the device already exists (preserves user modifications).
	CreateDeviceIfNotExists(ctx context.Context, seed DeviceSeed) error
}

// ActivityRecorder records node traffic seen on the mesh for passive
// discovery. This is optional - if nil, the bridge operates without
// recording.
type ActivityRecorder interface {
	// RecordActivity records that a node was heard from.
	RecordActivity(node NodeID)

	// RecordNodeInfo records protocol details learned during interrogation.
	RecordNodeInfo(node NodeID, class DeviceClass, listening bool)
}

// DeviceSeed holds device fields derivable from bridge config.
// Used to auto-populate the device registry on startup.
type DeviceSeed struct {
	ID           string
	Name         string
	Type         string
	Protocol     string
	GatewayID    string
	Capabilities []string
	Address      map[string]string
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Controller is the serial gateway connection.
	Controller Connector

	// Events is the notifier the controller publishes node events to.
	Events *Notifier

	// Logger is optional structured logger.
	Logger Logger

	// Registry is optional device registry for state/health persistence.
	// If nil, the bridge operates without registry integration.
	Registry DeviceRegistry

	// Recorder is optional node recorder for passive discovery.
	// If nil, the bridge operates without recording node activity.
	Recorder ActivityRecorder
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("event notifier is required")
	}

	// Create bridge-level context for command cancellation on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	byAddress, byID := opts.Config.BuildDeviceIndex()

	b := &Bridge{
		cfg:        opts.Config,
		mqtt:       opts.MQTTClient,
		controller: opts.Controller,
		events:     opts.Events,
		registry:   opts.Registry, // May be nil (optional)
		recorder:   opts.Recorder, // May be nil (optional)
		byAddress:  byAddress,
		byID:       byID,
		stateCache: make(map[string]map[string]Value),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	// Create health reporter
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   opts.Config.Bridge.ID,
		Version:    "1.0.0", // TODO: inject from build
		GatewayURL: opts.Config.Gateway.Connection,
		Interval:   opts.Config.GetHealthInterval(),
		Publisher:  opts.MQTTClient,
		Controller: opts.Controller,
	})
	b.health.SetDeviceCount(len(byID))
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This seeds the node table from config, subscribes to MQTT topics,
// wires the event and frame callbacks, and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	// Seed the node table so commands work before interrogation completes
	b.seedNodes()

	// Seed the device registry from config (no-op for existing devices)
	b.seedRegistry(ctx)

	// Publish starting status
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	// Record raw frame activity for passive discovery
	b.controller.SetOnFrame(b.handleFrame)

	// Subscribe to decoded node events
	b.eventSub = b.events.Subscribe(b.handleEvent)

	// Subscribe to command topics
	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	// Subscribe to request topics
	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	// Start health reporting
	b.health.Start(ctx)

	// Publish initial healthy status
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	// Start periodic polling if configured
	if interval := b.cfg.GetPollInterval(); interval > 0 {
		b.wg.Add(1)
		go b.pollLoop(interval)
	}

	b.mappingMu.RLock()
	deviceCount := len(b.byID)
	b.mappingMu.RUnlock()

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", deviceCount)

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		// Detach from the notifier
		b.events.Unsubscribe(b.eventSub)

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		// Wait for pending operations
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// seedNodes pre-populates the node table with the configured devices so
// commands resolve a handler before the gateway interrogation completes.
// Nodes already discovered keep their advertised class list, extended
// with any configured classes interrogation missed.
func (b *Bridge) seedNodes() {
	deps := HandlerDeps{
		Events:    b.events,
		Requester: b.controller,
		Logger:    &bridgeHandlerLogger{bridge: b},
	}

	b.mappingMu.RLock()
	classesByNode := make(map[NodeID][]CommandClassCode)
	for addr, bindings := range b.byAddress {
		for _, binding := range bindings {
			for _, code := range binding.Functions {
				classesByNode[addr.Node] = append(classesByNode[addr.Node], code)
			}
		}
	}
	b.mappingMu.RUnlock()

	seeded := 0
	for id, classes := range classesByNode {
		node, created := b.controller.Nodes().GetOrCreate(id)
		if created {
			node.SetSupported(classes, deps)
			seeded++
			continue
		}

		// Node already known: extend with configured classes it lacks
		missing := false
		for _, code := range classes {
			if _, ok := node.Handler(code); !ok {
				missing = true
				break
			}
		}
		if missing {
			merged := node.SupportedClasses()
			merged = append(merged, classes...)
			node.SetSupported(merged, deps)
		}
	}

	if seeded > 0 {
		b.logInfo("seeded node table from config", "nodes", seeded)
	}
}

// seedRegistry creates registry records for configured devices.
// Existing records are left untouched.
func (b *Bridge) seedRegistry(ctx context.Context) {
	if b.registry == nil {
		return
	}

	b.mappingMu.RLock()
	bindings := make([]*DeviceBinding, 0, len(b.byID))
	for _, binding := range b.byID {
		bindings = append(bindings, binding)
	}
	b.mappingMu.RUnlock()

	for _, binding := range bindings {
		functions := make([]string, 0, len(binding.Functions))
		for name := range binding.Functions {
			functions = append(functions, name)
		}

		seed := DeviceSeed{
			ID:           binding.DeviceID,
			Name:         binding.DeviceID,
			Type:         binding.Type,
			Protocol:     "zwave",
			GatewayID:    b.cfg.Bridge.ID,
			Capabilities: functions,
			Address: map[string]string{
				"node":     strconv.Itoa(int(binding.Address.Node)),
				"endpoint": strconv.Itoa(int(binding.Address.Endpoint)),
			},
		}

		if err := b.registry.CreateDeviceIfNotExists(ctx, seed); err != nil {
			b.logDebug("registry seed skipped",
				"device", binding.DeviceID,
				"reason", err.Error())
		}
	}
}

// ReloadConfig swaps the device mappings for a freshly loaded config.
// Call this after configuration changes so the bridge can control new
// devices without requiring a restart. After reloading, it sends read
// requests for all pollable devices to populate initial state.
func (b *Bridge) ReloadConfig(cfg *Config) {
	byAddress, byID := cfg.BuildDeviceIndex()

	b.mappingMu.Lock()
	b.cfg = cfg
	b.byAddress = byAddress
	b.byID = byID
	b.mappingMu.Unlock()

	b.seedNodes()
	b.seedRegistry(b.ctx)
	b.PruneStateCache()
	b.health.SetDeviceCount(len(byID))

	// Send read requests in background using the bridge's own context,
	// not the caller's (it may be an HTTP request context that gets cancelled).
	go b.readAllDevices(b.ctx)

	b.logInfo("device mappings reloaded", "devices", len(byID))
}

// readAllDevices requests current values for every configured device.
// Used after reload to populate initial state values.
func (b *Bridge) readAllDevices(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, readAllTimeout)
	defer cancel()

	b.mappingMu.RLock()
	bindings := make([]*DeviceBinding, 0, len(b.byID))
	for _, binding := range b.byID {
		bindings = append(bindings, binding)
	}
	b.mappingMu.RUnlock()

	readCount := 0
	for _, binding := range bindings {
		sent := b.requestDeviceValues(readCtx, binding, PriorityGet)
		readCount += sent
		if sent == 0 {
			continue
		}
		select {
		case <-readCtx.Done():
			b.logInfo("read-all interrupted", "reads_sent", readCount)
			return
		case <-time.After(interPollDelay):
		}
	}

	if readCount > 0 {
		b.logInfo("initial read-all complete", "reads_sent", readCount)
	}
}

// requestDeviceValues sends a GET for every bound command class of a
// device at the given priority. Returns the number of frames queued.
func (b *Bridge) requestDeviceValues(ctx context.Context, binding *DeviceBinding, priority Priority) int {
	sent := 0
	for funcName, code := range binding.Functions {
		frame, err := b.buildGet(binding, code)
		if err != nil {
			b.logDebug("skipping value request",
				"device", binding.DeviceID,
				"function", funcName,
				"reason", err.Error())
			continue
		}
		frame.Priority = priority

		if err := b.controller.Send(ctx, frame); err != nil {
			b.logError("value request failed",
				fmt.Errorf("device=%s func=%s: %w", binding.DeviceID, funcName, err))
			continue
		}
		sent++
	}
	return sent
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	// Parse topic to determine message type
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	messageType := parts[1] // command, request, etc.

	switch messageType {
	case "command":
		b.handleCommand(payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", messageType))
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(payload []byte) {
	// Parse command message
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	// Look up device configuration
	b.mappingMu.RLock()
	binding, ok := b.byID[cmd.DeviceID]
	b.mappingMu.RUnlock()

	if !ok {
		b.publishAckError(cmd, "", ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", cmd.DeviceID), 0)
		return
	}

	if err := b.executeCommand(cmd, binding); err != nil {
		// Error ack already sent by executeCommand
		b.logError("command execution failed", err)
	}
}

// executeCommand translates and sends a command to the Z-Wave mesh.
func (b *Bridge) executeCommand(cmd CommandMessage, binding *DeviceBinding) error {
	// Derive timeout from bridge context so commands are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case "on":
		return b.executeOnOff(ctx, cmd, binding, true)
	case "off":
		return b.executeOnOff(ctx, cmd, binding, false)
	case "dim", "set_level":
		return b.executeSetLevel(ctx, cmd, binding)
	case "increase":
		return b.executeStep(ctx, cmd, binding, true)
	case "decrease":
		return b.executeStep(ctx, cmd, binding, false)
	case "refresh":
		return b.executeRefresh(ctx, cmd, binding)
	default:
		b.publishAckError(cmd, binding.Address.String(), ErrCodeInvalidCommand,
			fmt.Sprintf("unknown command: %s", cmd.Command), 0)
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

// executeOnOff sends a switch on/off command.
func (b *Bridge) executeOnOff(ctx context.Context, cmd CommandMessage, binding *DeviceBinding, on bool) error {
	addr := binding.Address.String()

	handler, err := b.resolveFunctionHandler(binding, "switch")
	if err != nil {
		b.publishAckError(cmd, addr, ErrCodeNotConfigured, err.Error(), 0)
		return err
	}

	var frame Frame
	switch h := handler.(type) {
	case *SwitchMultilevelHandler:
		if on {
			frame = h.BuildSet(LevelMax)
		} else {
			frame = h.BuildSet(LevelMin)
		}
	case *SwitchBinaryHandler:
		frame = h.BuildSet(on)
	case *BasicHandler:
		if on {
			frame = h.BuildSet(LevelMax)
		} else {
			frame = h.BuildSet(LevelMin)
		}
	default:
		b.publishAckError(cmd, addr, ErrCodeInvalidCommand,
			"switch function does not support on/off", 0)
		return fmt.Errorf("handler %T cannot switch", handler)
	}
	frame.Endpoint = binding.Address.Endpoint

	// Publish accepted ack before sending
	b.publishAck(cmd, addr, AckAccepted)

	// Send to the mesh
	if err := b.controller.Send(ctx, frame); err != nil {
		b.publishAckError(cmd, addr, ErrCodeDeviceUnreachable,
			fmt.Sprintf("send failed: %v", err), 0)
		return err
	}

	return nil
}

// executeSetLevel sends a dim/level command.
// The MQTT level parameter is 0-100 percent; the mesh speaks 0-99.
func (b *Bridge) executeSetLevel(ctx context.Context, cmd CommandMessage, binding *DeviceBinding) error {
	addr := binding.Address.String()

	// Get level from parameters
	levelAny, ok := cmd.Parameters["level"]
	if !ok {
		b.publishAckError(cmd, addr, ErrCodeInvalidParameters,
			"missing 'level' parameter", 0)
		return fmt.Errorf("missing level parameter")
	}

	levelFloat, ok := levelAny.(float64)
	if !ok {
		b.publishAckError(cmd, addr, ErrCodeInvalidParameters,
			"'level' must be a number", 0)
		return fmt.Errorf("level must be a number")
	}

	// Validate range (0-100%)
	if levelFloat < 0 || levelFloat > 100 {
		b.publishAckError(cmd, addr, ErrCodeInvalidParameters,
			fmt.Sprintf("'level' must be 0-100, got %.2f", levelFloat), 0)
		return fmt.Errorf("level out of range: %.2f", levelFloat)
	}

	// Map percent onto the mesh scale (100% becomes the max level 99)
	level := int(levelFloat)
	if level > LevelMax {
		level = LevelMax
	}

	handler, err := b.resolveFunctionHandler(binding, "switch")
	if err != nil {
		b.publishAckError(cmd, addr, ErrCodeNotConfigured, err.Error(), 0)
		return err
	}

	var frame Frame
	switch h := handler.(type) {
	case *SwitchMultilevelHandler:
		frame = h.BuildSet(level)
	case *BasicHandler:
		frame = h.BuildSet(level)
	case *SwitchBinaryHandler:
		// Binary switches degrade dim commands to on/off
		frame = h.BuildSet(level > 0)
	default:
		b.publishAckError(cmd, addr, ErrCodeInvalidCommand,
			"switch function does not support levels", 0)
		return fmt.Errorf("handler %T cannot dim", handler)
	}
	frame.Endpoint = binding.Address.Endpoint

	// Publish accepted ack before sending
	b.publishAck(cmd, addr, AckAccepted)

	// Send to the mesh
	if err := b.controller.Send(ctx, frame); err != nil {
		b.publishAckError(cmd, addr, ErrCodeDeviceUnreachable,
			fmt.Sprintf("send failed: %v", err), 0)
		return err
	}

	return nil
}

// executeStep sends a relative level change (increase/decrease).
func (b *Bridge) executeStep(ctx context.Context, cmd CommandMessage, binding *DeviceBinding, up bool) error {
	addr := binding.Address.String()

	handler, err := b.resolveFunctionHandler(binding, "switch")
	if err != nil {
		b.publishAckError(cmd, addr, ErrCodeNotConfigured, err.Error(), 0)
		return err
	}

	ml, ok := handler.(*SwitchMultilevelHandler)
	if !ok {
		b.publishAckError(cmd, addr, ErrCodeInvalidCommand,
			"switch function does not support stepping", 0)
		return fmt.Errorf("handler %T cannot step", handler)
	}

	var frame Frame
	if up {
		frame = ml.BuildIncreaseLevel()
	} else {
		frame = ml.BuildDecreaseLevel()
	}
	frame.Endpoint = binding.Address.Endpoint

	// Publish accepted ack before sending
	b.publishAck(cmd, addr, AckAccepted)

	// Send to the mesh
	if err := b.controller.Send(ctx, frame); err != nil {
		b.publishAckError(cmd, addr, ErrCodeDeviceUnreachable,
			fmt.Sprintf("send failed: %v", err), 0)
		return err
	}

	return nil
}

// executeRefresh queries current values for every bound command class.
func (b *Bridge) executeRefresh(ctx context.Context, cmd CommandMessage, binding *DeviceBinding) error {
	addr := binding.Address.String()

	b.publishAck(cmd, addr, AckAccepted)

	if sent := b.requestDeviceValues(ctx, binding, PriorityGet); sent == 0 {
		b.publishAckError(cmd, addr, ErrCodeProtocolError,
			"no readable functions", 0)
		return fmt.Errorf("refresh sent no requests for %s", binding.DeviceID)
	}

	return nil
}

// resolveFunctionHandler finds the command class handler bound to a
// device function.
func (b *Bridge) resolveFunctionHandler(binding *DeviceBinding, function string) (Handler, error) {
	code, ok := binding.Functions[function]
	if !ok {
		return nil, fmt.Errorf("device %s has no %q function", binding.DeviceID, function)
	}

	node, ok := b.controller.Nodes().Get(binding.Address.Node)
	if !ok {
		return nil, fmt.Errorf("node %d not in node table", binding.Address.Node)
	}

	handler, ok := node.Handler(code)
	if !ok {
		return nil, fmt.Errorf("node %d has no %s handler", binding.Address.Node, code)
	}

	return handler, nil
}

// buildGet builds a GET frame for a bound command class.
func (b *Bridge) buildGet(binding *DeviceBinding, code CommandClassCode) (Frame, error) {
	node, ok := b.controller.Nodes().Get(binding.Address.Node)
	if !ok {
		return Frame{}, fmt.Errorf("node %d not in node table", binding.Address.Node)
	}

	handler, ok := node.Handler(code)
	if !ok {
		return Frame{}, fmt.Errorf("node %d has no %s handler", binding.Address.Node, code)
	}

	var frame Frame
	switch h := handler.(type) {
	case *SwitchMultilevelHandler:
		frame = h.BuildGet()
	case *SwitchBinaryHandler:
		frame = h.BuildGet()
	case *BasicHandler:
		frame = h.BuildGet()
	case *BatteryHandler:
		frame = h.BuildGet()
	default:
		return Frame{}, fmt.Errorf("%s handler has no value query", code)
	}
	frame.Endpoint = binding.Address.Endpoint

	return frame, nil
}

// publishAck publishes a command acknowledgment.
//
//nolint:unparam // status parameter will be used for AckQueued when queue support is added
func (b *Bridge) publishAck(cmd CommandMessage, address string, status AckStatus) {
	ack := NewAckMessage(cmd, status, address)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	topic := AckTopic(address)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
//
//nolint:unparam // retries parameter will be used when retry logic is implemented
func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string, retries int) {
	ack := NewAckError(cmd, address, code, message, retries)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack error", err)
		return
	}

	topic := AckTopic(address)
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish ack error", err)
	}

	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage

	switch req.Action {
	case "read_state":
		resp = b.handleReadState(req)
	case "read_all":
		resp = b.handleReadAll(req)
	case "node_info":
		resp = b.handleNodeInfo(req)
	default:
		resp = ResponseMessage{
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
			Success:   false,
			Error: &ResponseError{
				Code:    ErrCodeInvalidCommand,
				Message: fmt.Sprintf("unknown action: %s", req.Action),
			},
		}
	}

	// Publish response
	respPayload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}

	respTopic := ResponseTopic(req.RequestID)
	if err := b.mqtt.Publish(respTopic, respPayload, 1, false); err != nil {
		b.logError("failed to publish response", err)
	}
}

// handleReadState handles a read_state request.
func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return ResponseMessage{
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
			Success:   false,
			Error: &ResponseError{
				Code:    ErrCodeInvalidParameters,
				Message: "device_id is required",
			},
		}
	}

	// Look up device
	b.mappingMu.RLock()
	binding, ok := b.byID[req.DeviceID]
	b.mappingMu.RUnlock()

	if !ok {
		return ResponseMessage{
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
			Success:   false,
			Error: &ResponseError{
				Code:    ErrCodeNotConfigured,
				Message: fmt.Sprintf("device %s not configured", req.DeviceID),
			},
		}
	}

	// Derive timeout from bridge context so reads are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	sent := b.requestDeviceValues(ctx, binding, PriorityGet)

	// Actual state will come via the event callback
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"reads_sent": sent,
			"message":    "read requests sent, state updates will follow",
		},
	}
}

// handleReadAll handles a read_all request.
func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	// Derive timeout from bridge context so reads are cancelled on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, readAllTimeout)
	defer cancel()

	b.mappingMu.RLock()
	bindings := make([]*DeviceBinding, 0, len(b.byID))
	for _, binding := range b.byID {
		bindings = append(bindings, binding)
	}
	b.mappingMu.RUnlock()

	readCount := 0
	for _, binding := range bindings {
		readCount += b.requestDeviceValues(ctx, binding, PriorityGet)

		// Small delay between devices to avoid flooding the mesh
		select {
		case <-ctx.Done():
			return ResponseMessage{
				RequestID: req.RequestID,
				Timestamp: time.Now().UTC(),
				Success:   false,
				Error: &ResponseError{
					Code:    ErrCodeTimeout,
					Message: "read_all timed out",
				},
			}
		case <-time.After(interPollDelay):
		}
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"reads_sent": readCount,
			"message":    "read requests sent, state updates will follow",
		},
	}
}

// handleNodeInfo handles a node_info request, returning node table
// summaries. With a device_id it returns that device's node and asks the
// gateway to refresh its node information.
func (b *Bridge) handleNodeInfo(req RequestMessage) ResponseMessage {
	if req.DeviceID != "" {
		b.mappingMu.RLock()
		binding, ok := b.byID[req.DeviceID]
		b.mappingMu.RUnlock()

		if !ok {
			return ResponseMessage{
				RequestID: req.RequestID,
				Timestamp: time.Now().UTC(),
				Success:   false,
				Error: &ResponseError{
					Code:    ErrCodeNotConfigured,
					Message: fmt.Sprintf("device %s not configured", req.DeviceID),
				},
			}
		}

		node, ok := b.controller.Nodes().Get(binding.Address.Node)
		if !ok {
			return ResponseMessage{
				RequestID: req.RequestID,
				Timestamp: time.Now().UTC(),
				Success:   false,
				Error: &ResponseError{
					Code:    ErrCodeDeviceUnreachable,
					Message: fmt.Sprintf("node %d not in node table", binding.Address.Node),
				},
			}
		}

		// Refresh in the background; response carries the current snapshot
		if err := b.controller.RequestNodeInfo(node.ID()); err != nil {
			b.logDebug("node info refresh failed",
				"node", node.ID(),
				"reason", err.Error())
		}

		return ResponseMessage{
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
			Success:   true,
			Data: map[string]any{
				"node": node.Summary(),
			},
		}
	}

	nodes := b.controller.Nodes().List()
	summaries := make([]NodeSummary, 0, len(nodes))
	for _, node := range nodes {
		summaries = append(summaries, node.Summary())
	}

	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data: map[string]any{
			"nodes": summaries,
		},
	}
}

// handleFrame records raw frame activity for passive discovery.
// Decoded state flows through handleEvent instead.
func (b *Bridge) handleFrame(f Frame) {
	if b.recorder != nil {
		b.recorder.RecordActivity(f.Node)
	}
}

// handleEvent processes a decoded node event from the controller.
func (b *Bridge) handleEvent(e Event) {
	switch e.Kind {
	case EventValue:
		b.handleValueEvent(e)
	case EventNodeDiscovered:
		b.handleNodeDiscovered(e)
	case EventNodeRemoved:
		b.logInfo("node removed from table", "node", e.Node)
	case EventBatteryLow:
		b.handleBatteryLow(e)
	}
}

// handleValueEvent publishes state updates for a decoded value report.
func (b *Bridge) handleValueEvent(e Event) {
	addr := Address{Node: e.Node, Endpoint: e.Endpoint}

	// Look up device mappings (one address may map to multiple devices)
	b.mappingMu.RLock()
	bindings := b.byAddress[addr]
	b.mappingMu.RUnlock()

	if len(bindings) == 0 {
		// Unknown address, ignore (might be traffic we don't care about)
		return
	}

	// Update each device bound to this command class
	for _, binding := range bindings {
		function, ok := binding.Classes[e.CommandClass]
		if !ok {
			continue
		}

		if b.stateUnchanged(binding.DeviceID, function, e.Value) {
			continue // No change for this device, skip
		}

		state := b.buildStateUpdate(binding, e)
		b.publishState(binding, addr, state)
	}
}

// publishState publishes a retained state message and mirrors it into
// the device registry.
func (b *Bridge) publishState(binding *DeviceBinding, addr Address, state map[string]any) {
	msg := NewStateMessage(binding.DeviceID, addr.String(), state)

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	topic := StateTopic(addr.String())
	if err := b.mqtt.Publish(topic, payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
		return
	}

	// Update device registry (if configured)
	if b.registry != nil {
		if err := b.registry.SetDeviceState(b.ctx, binding.DeviceID, state); err != nil {
			b.logDebug("registry state update skipped",
				"device", binding.DeviceID,
				"reason", err.Error())
		} else {
			if healthErr := b.registry.SetDeviceHealth(b.ctx, binding.DeviceID, "online"); healthErr != nil {
				b.logDebug("registry health update skipped",
					"device", binding.DeviceID,
					"reason", healthErr.Error())
			}
		}
	}
}

// buildStateUpdate builds a state object from a decoded value event.
func (b *Bridge) buildStateUpdate(binding *DeviceBinding, e Event) map[string]any {
	state := make(map[string]any)

	if e.CommandClass == CommandClassBattery {
		if level, ok := e.Value.Level(); ok {
			state["battery"] = level
		}
		return state
	}

	if token, ok := e.Value.Token(); ok {
		on := token == TokenOn
		state["on"] = on
		// Multilevel tokens imply a level at the scale ends
		if e.CommandClass == CommandClassSwitchMultilevel || e.CommandClass == CommandClassBasic {
			if on {
				state["level"] = LevelMax
			} else {
				state["level"] = LevelMin
			}
		}
		return state
	}

	if level, ok := e.Value.Level(); ok {
		state["level"] = level
		state["on"] = level > 0
	}

	return state
}

// stateUnchanged checks if the new value matches the cached state.
// Returns true if unchanged (should skip publish).
func (b *Bridge) stateUnchanged(deviceID, function string, value Value) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	if b.stateCache[deviceID] == nil {
		b.stateCache[deviceID] = make(map[string]Value)
	}

	cached, seen := b.stateCache[deviceID][function]
	if seen && cached == value {
		return true // Unchanged
	}

	// Update cache
	b.stateCache[deviceID][function] = value
	return false
}

// handleNodeDiscovered records and announces a node the mesh reported.
// Nodes covered by configured devices are not announced.
func (b *Bridge) handleNodeDiscovered(e Event) {
	node, ok := b.controller.Nodes().Get(e.Node)
	if !ok {
		return
	}

	if b.recorder != nil {
		b.recorder.RecordNodeInfo(node.ID(), node.DeviceClass(), node.Listening())
	}

	if b.nodeConfigured(e.Node) {
		return
	}

	summary := node.Summary()
	discovery := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    b.cfg.Bridge.ID,
		Devices: []DiscoveredDevice{
			{
				Protocol:      "zwave",
				Address:       Address{Node: node.ID()}.String(),
				Type:          GenericTypeName(node.DeviceClass().Generic),
				Capabilities:  summary.Handlers,
				Listening:     summary.Listening,
				SuggestedName: fmt.Sprintf("zwave-node-%d", node.ID()),
			},
		},
	}

	payload, err := json.Marshal(discovery)
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}

	if err := b.mqtt.Publish(DiscoveryTopic(), payload, 1, false); err != nil {
		b.logError("failed to publish discovery", err)
		return
	}

	b.logInfo("announced discovered node", "node", node.ID())
}

// nodeConfigured reports whether any configured device binds the node.
func (b *Bridge) nodeConfigured(node NodeID) bool {
	b.mappingMu.RLock()
	defer b.mappingMu.RUnlock()

	for addr := range b.byAddress {
		if addr.Node == node {
			return true
		}
	}
	return false
}

// handleBatteryLow publishes a battery warning for affected devices.
func (b *Bridge) handleBatteryLow(e Event) {
	addr := Address{Node: e.Node, Endpoint: e.Endpoint}

	b.mappingMu.RLock()
	bindings := b.byAddress[addr]
	b.mappingMu.RUnlock()

	b.logWarn("node reports low battery", "node", e.Node)

	for _, binding := range bindings {
		if _, ok := binding.Classes[CommandClassBattery]; !ok {
			continue
		}
		b.publishState(binding, addr, map[string]any{
			"battery":     0,
			"battery_low": true,
		})
	}
}

// pollLoop periodically requests values for pollable devices.
// Polls queue at the lowest priority so they never delay commands.
func (b *Bridge) pollLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.pollDevices()
		}
	}
}

// pollDevices sends low-priority value requests for devices with
// polling enabled.
func (b *Bridge) pollDevices() {
	b.mappingMu.RLock()
	bindings := make([]*DeviceBinding, 0, len(b.byID))
	for _, binding := range b.byID {
		if binding.Poll {
			bindings = append(bindings, binding)
		}
	}
	b.mappingMu.RUnlock()

	if len(bindings) == 0 {
		return
	}

	polled := 0
	for _, binding := range bindings {
		polled += b.requestDeviceValues(b.ctx, binding, PriorityPoll)

		select {
		case <-b.done:
			return
		case <-time.After(interPollDelay):
		}
	}

	b.logDebug("poll cycle complete", "requests", polled)
}

// ClearStateCache removes all entries from the state cache.
// Call this when configuration is reloaded to prevent unbounded memory growth
// from stale device IDs accumulating over multi-decade deployments.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	// Replace with fresh map to allow GC of old entries
	b.stateCache = make(map[string]map[string]Value)
}

// PruneStateCache removes cache entries for devices not in the current config.
// This is a less disruptive alternative to ClearStateCache that preserves
// state for active devices while removing orphaned entries.
func (b *Bridge) PruneStateCache() {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	// Deep copy valid device IDs to avoid data race with concurrent config reload
	b.mappingMu.RLock()
	validIDs := make(map[string]struct{}, len(b.byID))
	for id := range b.byID {
		validIDs[id] = struct{}{}
	}
	b.mappingMu.RUnlock()

	// Remove entries for devices not in current config
	for deviceID := range b.stateCache {
		if _, exists := validIDs[deviceID]; !exists {
			delete(b.stateCache, deviceID)
		}
	}
}

// NodeSummaries returns snapshots of every node the controller knows.
// Used by the API nodes endpoint.
func (b *Bridge) NodeSummaries() []NodeSummary {
	nodes := b.controller.Nodes().List()
	summaries := make([]NodeSummary, 0, len(nodes))
	for _, node := range nodes {
		summaries = append(summaries, node.Summary())
	}
	return summaries
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// bridgeHandlerLogger forwards handler log calls to the bridge's
// current logger, so handlers created during node seeding pick up a
// logger set later.
type bridgeHandlerLogger struct {
	bridge *Bridge
}

func (l *bridgeHandlerLogger) Debug(msg string, keysAndValues ...any) {
	l.bridge.logDebug(msg, keysAndValues...)
}

func (l *bridgeHandlerLogger) Info(msg string, keysAndValues ...any) {
	l.bridge.logInfo(msg, keysAndValues...)
}

func (l *bridgeHandlerLogger) Warn(msg string, keysAndValues ...any) {
	l.bridge.logWarn(msg, keysAndValues...)
}

func (l *bridgeHandlerLogger) Error(msg string, keysAndValues ...any) {
	l.bridge.loggerMu.RLock()
	logger := l.bridge.logger
	l.bridge.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	Connected      bool
	Status         string
	FramesTx       uint64
	FramesRx       uint64
	DevicesManaged int
	NodesKnown     int
}

// GetMetrics returns current bridge metrics for the API metrics endpoint.
func (b *Bridge) GetMetrics() BridgeMetrics {
	b.mappingMu.RLock()
	deviceCount := len(b.byID)
	b.mappingMu.RUnlock()

	connected := false
	var stats ControllerStats
	status := "disconnected"

	if b.controller != nil {
		connected = b.controller.IsConnected()
		stats = b.controller.Stats()
		if connected {
			status = "healthy"
		}
	}

	return BridgeMetrics{
		Connected:      connected,
		Status:         status,
		FramesTx:       stats.FramesTx,
		FramesRx:       stats.FramesRx,
		DevicesManaged: deviceCount,
		NodesKnown:     stats.NodeCount,
	}
}
