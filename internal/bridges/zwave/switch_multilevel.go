package zwave

import "sync"

// Multilevel switch commands.
const (
	switchMultilevelSet              byte = 0x01
	switchMultilevelGet              byte = 0x02
	switchMultilevelReport           byte = 0x03
	switchMultilevelStartLevelChange byte = 0x04
	switchMultilevelStopLevelChange  byte = 0x05
	switchMultilevelSupportedGet     byte = 0x06
	switchMultilevelSupportedReport  byte = 0x07
)

// Level range and dimming step for multilevel switches.
const (
	// LevelMin is fully off.
	LevelMin = 0

	// LevelMax is fully on. 100-254 are not valid resting levels and
	// 255 is the device-side "restore previous level" sentinel; neither
	// is ever stored.
	LevelMax = 99

	// LevelStep is the increment used for relative dim commands.
	LevelStep = 5
)

// switchMultilevelMaxVersion is the highest protocol version this
// handler implements. Version 3 adds the supported-get/report pair.
const switchMultilevelMaxVersion = 3

// SwitchMultilevelHandler processes the multilevel switch command class
// for one node: dimmable lights, fans, blinds.
//
// The handler is stateful and optimistic: builders update the stored
// level before the frame is handed to the send queue, so local state
// reflects intent immediately rather than after device confirmation.
// The stored level starts unset and stays unset until the first report
// or builder call.
//
// Thread Safety: all methods are safe for concurrent use; inbound
// report processing and outbound builders serialise on one mutex so
// neither observes a partial update from the other.
type SwitchMultilevelHandler struct {
	node NodeID
	deps HandlerDeps

	mu         sync.Mutex
	version    int
	level      int
	levelKnown bool
}

func newSwitchMultilevelHandler(node NodeID, deps HandlerDeps) Handler {
	return &SwitchMultilevelHandler{node: node, deps: deps, version: 1}
}

// CommandClass returns the class this handler serves.
func (h *SwitchMultilevelHandler) CommandClass() CommandClassCode {
	return CommandClassSwitchMultilevel
}

// Version returns the protocol version in effect for this node.
func (h *SwitchMultilevelHandler) Version() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// SetVersion records the version the node reports, capped at 3.
func (h *SwitchMultilevelHandler) SetVersion(version int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if version < 1 {
		return
	}
	if version > switchMultilevelMaxVersion {
		version = switchMultilevelMaxVersion
	}
	h.version = version
}

// Level returns the stored level.
//
// Returns:
//   - int: Level 0-99
//   - bool: False if no report or builder has set a level yet
func (h *SwitchMultilevelHandler) Level() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level, h.levelKnown
}

// HandleCommand processes one inbound multilevel switch command.
//
// Reports update the stored level and emit a value event. A report
// above 99 (including the 255 restore sentinel) is untrustworthy: it is
// neither stored nor surfaced, and the true settled level is re-queried
// with a read-back instead. Stop-level-change also triggers a read-back
// since the settled level after a dim gesture is unknown.
func (h *SwitchMultilevelHandler) HandleCommand(cmd byte, payload []byte, endpoint Endpoint) {
	switch cmd {
	case switchMultilevelReport:
		h.handleReport(payload, endpoint)

	case switchMultilevelStartLevelChange:
		// Dimming transitions are not tracked incrementally; the final
		// level arrives via stop-level-change or a report.
		logDebug(h.deps.Logger, "start level change ignored",
			"node", h.node, "endpoint", endpoint)

	case switchMultilevelStopLevelChange:
		logDebug(h.deps.Logger, "stop level change, requesting settled level",
			"node", h.node, "endpoint", endpoint)
		h.requestReadback(endpoint)

	case switchMultilevelSet, switchMultilevelGet,
		switchMultilevelSupportedGet, switchMultilevelSupportedReport:
		logWarn(h.deps.Logger, "multilevel switch command not implemented",
			"node", h.node, "command", cmd)

	default:
		logWarn(h.deps.Logger, "unknown multilevel switch command",
			"node", h.node, "command", cmd)
	}
}

func (h *SwitchMultilevelHandler) handleReport(payload []byte, endpoint Endpoint) {
	if len(payload) < 1 {
		logWarn(h.deps.Logger, "multilevel switch report missing level byte", "node", h.node)
		return
	}

	v := int(payload[0])
	if v > LevelMax {
		logWarn(h.deps.Logger, "multilevel switch report out of range, requesting read-back",
			"node", h.node, "endpoint", endpoint, "value", v)
		h.requestReadback(endpoint)
		return
	}

	h.mu.Lock()
	h.level = v
	h.levelKnown = true
	h.mu.Unlock()

	var value Value
	switch v {
	case LevelMin:
		value = TokenValue(TokenOff)
	case LevelMax:
		value = TokenValue(TokenOn)
	default:
		value = LevelValue(v)
	}

	if h.deps.Events != nil {
		h.deps.Events.Publish(NewValueEvent(h.node, endpoint, CommandClassSwitchMultilevel, value))
	}
}

// requestReadback asks the transport to re-query the level. Fire and
// forget: the eventual report arrives as an ordinary inbound frame.
func (h *SwitchMultilevelHandler) requestReadback(endpoint Endpoint) {
	if h.deps.Requester != nil {
		h.deps.Requester.RequestValue(h.node, endpoint)
	}
}

// BuildGet creates a frame querying the current level.
func (h *SwitchMultilevelHandler) BuildGet() Frame {
	return NewRequestFrame(h.node, CommandClassSwitchMultilevel, switchMultilevelGet, nil, PriorityGet)
}

// BuildSet creates a frame setting the level and stores it
// immediately. The caller passes a value in [0, 99]; 0 and non-zero map
// to off and on on the device side, not interpreted here.
func (h *SwitchMultilevelHandler) BuildSet(level int) Frame {
	h.mu.Lock()
	h.level = level
	h.levelKnown = true
	h.mu.Unlock()

	return NewRequestFrame(h.node, CommandClassSwitchMultilevel, switchMultilevelSet,
		[]byte{byte(level)}, PrioritySet)
}

// BuildIncreaseLevel raises the stored level one step, clamped at 99,
// and creates the frame setting the new level. An unset level counts
// as 0.
func (h *SwitchMultilevelHandler) BuildIncreaseLevel() Frame {
	h.mu.Lock()
	level := h.level + LevelStep
	if level > LevelMax {
		level = LevelMax
	}
	h.level = level
	h.levelKnown = true
	h.mu.Unlock()

	return NewRequestFrame(h.node, CommandClassSwitchMultilevel, switchMultilevelSet,
		[]byte{byte(level)}, PrioritySet)
}

// BuildDecreaseLevel lowers the stored level one step and creates the
// frame setting the new level.
//
// From 99 the level snaps to the highest step boundary below full
// rather than stepping to 94; devices settle on step multiples and the
// straight subtraction would drift off them. Below one step the level
// floors at 0.
func (h *SwitchMultilevelHandler) BuildDecreaseLevel() Frame {
	h.mu.Lock()
	switch {
	case h.level >= LevelMax:
		h.level = ((LevelMax/LevelStep)+1)*LevelStep - LevelStep
	case h.level > 0:
		h.level -= LevelStep
		if h.level < 0 {
			h.level = 0
		}
	}
	h.levelKnown = true
	level := h.level
	h.mu.Unlock()

	// Decrease frames queue at get priority, ahead of plain sets, so a
	// held-down dim ramps without waiting behind queued writes.
	return NewRequestFrame(h.node, CommandClassSwitchMultilevel, switchMultilevelSet,
		[]byte{byte(level)}, PriorityGet)
}
