package zwave

import "sync"

// Basic commands.
const (
	basicSet    byte = 0x01
	basicGet    byte = 0x02
	basicReport byte = 0x03
)

// basicValueOn is the wire value for fully on. Levels 1-99 are
// intermediate; anything between 100 and 254 is not a valid report.
const basicValueOn byte = 0xFF

// BasicHandler processes the basic command class, the lowest common
// denominator every node supports. Devices that push unsolicited state
// often do it through a basic SET rather than a report, so inbound SET
// and REPORT are decoded identically.
//
// Thread Safety: all methods are safe for concurrent use.
type BasicHandler struct {
	node NodeID
	deps HandlerDeps

	mu         sync.Mutex
	version    int
	value      int
	valueKnown bool
}

func newBasicHandler(node NodeID, deps HandlerDeps) Handler {
	return &BasicHandler{node: node, deps: deps, version: 1}
}

// CommandClass returns the class this handler serves.
func (h *BasicHandler) CommandClass() CommandClassCode {
	return CommandClassBasic
}

// Version returns the protocol version in effect for this node.
func (h *BasicHandler) Version() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// SetVersion records the version the node reports, capped at 1.
func (h *BasicHandler) SetVersion(version int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if version >= 1 {
		h.version = 1
	}
}

// Value returns the stored value.
//
// Returns:
//   - int: Value 0-99
//   - bool: False if nothing has been reported yet
func (h *BasicHandler) Value() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.valueKnown
}

// HandleCommand processes one inbound basic command. SET and REPORT
// both carry a single value byte and are treated as state reports.
func (h *BasicHandler) HandleCommand(cmd byte, payload []byte, endpoint Endpoint) {
	switch cmd {
	case basicSet, basicReport:
		h.handleValue(cmd, payload, endpoint)

	case basicGet:
		logWarn(h.deps.Logger, "basic command not implemented",
			"node", h.node, "command", cmd)

	default:
		logWarn(h.deps.Logger, "unknown basic command",
			"node", h.node, "command", cmd)
	}
}

func (h *BasicHandler) handleValue(cmd byte, payload []byte, endpoint Endpoint) {
	if len(payload) < 1 {
		logWarn(h.deps.Logger, "basic value missing", "node", h.node, "command", cmd)
		return
	}

	raw := payload[0]

	var stored int
	var value Value
	switch {
	case raw == 0:
		stored = LevelMin
		value = TokenValue(TokenOff)
	case raw == basicValueOn:
		stored = LevelMax
		value = TokenValue(TokenOn)
	case int(raw) <= LevelMax:
		stored = int(raw)
		value = LevelValue(stored)
	default:
		logWarn(h.deps.Logger, "basic value out of range, dropped",
			"node", h.node, "value", raw)
		return
	}

	h.mu.Lock()
	h.value = stored
	h.valueKnown = true
	h.mu.Unlock()

	if h.deps.Events != nil {
		h.deps.Events.Publish(NewValueEvent(h.node, endpoint, CommandClassBasic, value))
	}
}

// BuildGet creates a frame querying the current value.
func (h *BasicHandler) BuildGet() Frame {
	return NewRequestFrame(h.node, CommandClassBasic, basicGet, nil, PriorityGet)
}

// BuildSet creates a frame setting the value and stores it
// immediately. The caller passes a value in [0, 99].
func (h *BasicHandler) BuildSet(value int) Frame {
	h.mu.Lock()
	h.value = value
	h.valueKnown = true
	h.mu.Unlock()

	return NewRequestFrame(h.node, CommandClassBasic, basicSet,
		[]byte{byte(value)}, PrioritySet)
}
