package zwave

import "sync"

// Binary switch commands.
const (
	switchBinarySet    byte = 0x01
	switchBinaryGet    byte = 0x02
	switchBinaryReport byte = 0x03
)

// switchBinaryOn is the wire value for on in a binary switch SET.
const switchBinaryOn byte = 0xFF

// SwitchBinaryHandler processes the binary switch command class:
// relays, plugs, anything strictly on/off.
//
// Thread Safety: all methods are safe for concurrent use.
type SwitchBinaryHandler struct {
	node NodeID
	deps HandlerDeps

	mu         sync.Mutex
	version    int
	on         bool
	stateKnown bool
}

func newSwitchBinaryHandler(node NodeID, deps HandlerDeps) Handler {
	return &SwitchBinaryHandler{node: node, deps: deps, version: 1}
}

// CommandClass returns the class this handler serves.
func (h *SwitchBinaryHandler) CommandClass() CommandClassCode {
	return CommandClassSwitchBinary
}

// Version returns the protocol version in effect for this node.
func (h *SwitchBinaryHandler) Version() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// SetVersion records the version the node reports, capped at 1.
func (h *SwitchBinaryHandler) SetVersion(version int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if version >= 1 {
		h.version = 1
	}
}

// On returns the stored switch state.
//
// Returns:
//   - bool: Whether the switch is on
//   - bool: False if nothing has been reported yet
func (h *SwitchBinaryHandler) On() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.on, h.stateKnown
}

// HandleCommand processes one inbound binary switch command. A report
// byte of zero is off, anything else on.
func (h *SwitchBinaryHandler) HandleCommand(cmd byte, payload []byte, endpoint Endpoint) {
	switch cmd {
	case switchBinaryReport:
		if len(payload) < 1 {
			logWarn(h.deps.Logger, "binary switch report missing value byte", "node", h.node)
			return
		}

		on := payload[0] != 0
		h.mu.Lock()
		h.on = on
		h.stateKnown = true
		h.mu.Unlock()

		value := TokenValue(TokenOff)
		if on {
			value = TokenValue(TokenOn)
		}
		if h.deps.Events != nil {
			h.deps.Events.Publish(NewValueEvent(h.node, endpoint, CommandClassSwitchBinary, value))
		}

	case switchBinarySet, switchBinaryGet:
		logWarn(h.deps.Logger, "binary switch command not implemented",
			"node", h.node, "command", cmd)

	default:
		logWarn(h.deps.Logger, "unknown binary switch command",
			"node", h.node, "command", cmd)
	}
}

// BuildGet creates a frame querying the current state.
func (h *SwitchBinaryHandler) BuildGet() Frame {
	return NewRequestFrame(h.node, CommandClassSwitchBinary, switchBinaryGet, nil, PriorityGet)
}

// BuildSet creates a frame switching the node on or off and stores the
// state immediately.
func (h *SwitchBinaryHandler) BuildSet(on bool) Frame {
	h.mu.Lock()
	h.on = on
	h.stateKnown = true
	h.mu.Unlock()

	value := byte(0x00)
	if on {
		value = switchBinaryOn
	}
	return NewRequestFrame(h.node, CommandClassSwitchBinary, switchBinarySet,
		[]byte{value}, PrioritySet)
}
