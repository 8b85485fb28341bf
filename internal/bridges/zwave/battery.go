package zwave

import (
	"sync"
	"time"
)

// Battery commands.
const (
	batteryGet    byte = 0x02
	batteryReport byte = 0x03
)

// batteryLowWarning is the wire value a node sends instead of a
// percentage when its battery needs replacing.
const batteryLowWarning byte = 0xFF

// BatteryHandler processes the battery command class. Battery devices
// report a charge percentage, or a dedicated low-battery warning value
// when the cell is nearly flat.
//
// Thread Safety: all methods are safe for concurrent use.
type BatteryHandler struct {
	node NodeID
	deps HandlerDeps

	mu           sync.Mutex
	version      int
	percent      int
	percentKnown bool
}

func newBatteryHandler(node NodeID, deps HandlerDeps) Handler {
	return &BatteryHandler{node: node, deps: deps, version: 1}
}

// CommandClass returns the class this handler serves.
func (h *BatteryHandler) CommandClass() CommandClassCode {
	return CommandClassBattery
}

// Version returns the protocol version in effect for this node.
func (h *BatteryHandler) Version() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// SetVersion records the version the node reports, capped at 1.
func (h *BatteryHandler) SetVersion(version int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if version >= 1 {
		h.version = 1
	}
}

// Percent returns the stored battery percentage.
//
// Returns:
//   - int: Charge 0-100
//   - bool: False if nothing has been reported yet
func (h *BatteryHandler) Percent() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.percent, h.percentKnown
}

// HandleCommand processes one inbound battery command. A low-battery
// warning stores 0 and emits a battery-low event; a percentage report
// emits a value event.
func (h *BatteryHandler) HandleCommand(cmd byte, payload []byte, endpoint Endpoint) {
	switch cmd {
	case batteryReport:
		if len(payload) < 1 {
			logWarn(h.deps.Logger, "battery report missing value byte", "node", h.node)
			return
		}

		raw := payload[0]
		if raw == batteryLowWarning {
			h.mu.Lock()
			h.percent = 0
			h.percentKnown = true
			h.mu.Unlock()

			logWarn(h.deps.Logger, "battery low", "node", h.node)
			if h.deps.Events != nil {
				h.deps.Events.Publish(Event{
					Kind:         EventBatteryLow,
					Node:         h.node,
					Endpoint:     endpoint,
					CommandClass: CommandClassBattery,
					Timestamp:    time.Now(),
				})
			}
			return
		}

		if raw > 100 {
			logWarn(h.deps.Logger, "battery report out of range, dropped",
				"node", h.node, "value", raw)
			return
		}

		h.mu.Lock()
		h.percent = int(raw)
		h.percentKnown = true
		h.mu.Unlock()

		if h.deps.Events != nil {
			h.deps.Events.Publish(NewValueEvent(h.node, endpoint, CommandClassBattery, LevelValue(int(raw))))
		}

	case batteryGet:
		logWarn(h.deps.Logger, "battery command not implemented",
			"node", h.node, "command", cmd)

	default:
		logWarn(h.deps.Logger, "unknown battery command",
			"node", h.node, "command", cmd)
	}
}

// BuildGet creates a frame querying the battery level.
func (h *BatteryHandler) BuildGet() Frame {
	return NewRequestFrame(h.node, CommandClassBattery, batteryGet, nil, PriorityGet)
}
