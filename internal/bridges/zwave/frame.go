package zwave

import (
	"fmt"
	"time"
)

// MessageClass identifies the serial API operation a frame travels in.
// It is transport metadata: the gateway needs it to route the frame, but
// it is not part of the command frame bytes themselves.
type MessageClass byte

// Serial API function identifiers used for command frames.
const (
	// MessageClassSendData carries an outgoing command to a node.
	MessageClassSendData MessageClass = 0x13

	// MessageClassApplicationCommand carries an incoming command from a node.
	MessageClassApplicationCommand MessageClass = 0x04
)

// MessageType distinguishes requests from responses on the serial API.
type MessageType byte

// Serial API message types.
const (
	MessageTypeRequest  MessageType = 0x00
	MessageTypeResponse MessageType = 0x01
)

// Priority orders frames in the controller's outgoing queue.
// Lower values are sent first. The command frame bytes never carry the
// priority; it only affects queue position.
type Priority int

// Send priorities, highest first.
const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityGet
	PrioritySet
	PriorityLow
	PriorityPoll
)

// String returns the priority name for logging.
func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityGet:
		return "get"
	case PrioritySet:
		return "set"
	case PriorityLow:
		return "low"
	case PriorityPoll:
		return "poll"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Frame size constraints.
const (
	// frameHeaderSize is nodeID + length + command class + command.
	frameHeaderSize = 4

	// frameLengthBase is what the length byte covers before payload:
	// the command class byte and the command byte.
	frameLengthBase = 2

	// maxFramePayload keeps the length byte representable: the length
	// field is one byte and covers class + command + payload.
	maxFramePayload = 0xFF - frameLengthBase
)

// Frame represents one command exchanged with a node.
//
// Wire layout:
//
//	Byte 0:  Target node ID
//	Byte 1:  Length of [command class, command, payload] = 2 + len(payload)
//	Byte 2:  Command class code
//	Byte 3:  Command code
//	Byte 4+: Command-specific payload
//
// The transport uses length-prefixed framing with no other delimiter, so
// encoder and decoder must agree on the length field exactly.
//
// Class, Type, Priority and Endpoint are transport metadata carried
// alongside the wire bytes, not encoded into them.
type Frame struct {
	// Node is the target (outgoing) or source (incoming) node.
	Node NodeID

	// CommandClass selects the handler family responsible for the frame.
	CommandClass CommandClassCode

	// Command is the command code within the command class.
	Command byte

	// Payload contains the command-specific bytes (may be empty).
	Payload []byte

	// Class is the serial API operation this frame travels in.
	Class MessageClass

	// Type distinguishes request from response at the serial API layer.
	Type MessageType

	// Priority orders the frame in the outgoing send queue.
	Priority Priority

	// Endpoint is the sub-channel within a multi-channel node.
	// Zero addresses the node's root device.
	Endpoint Endpoint

	// Timestamp records when the frame was received or created.
	Timestamp time.Time
}

// Encode serialises the frame to its wire layout.
//
// Returns:
//   - []byte: [nodeId, 2+len(payload), class, command, payload...]
func (f Frame) Encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	buf[0] = byte(f.Node)
	buf[1] = byte(frameLengthBase + len(f.Payload))
	buf[2] = byte(f.CommandClass)
	buf[3] = f.Command
	copy(buf[4:], f.Payload)
	return buf
}

// ParseFrame decodes a command frame from its wire layout.
//
// The declared length byte must equal the encoded length of
// [command class, command, payload]; anything shorter or longer is
// rejected. A rejected frame is dropped by callers, never fatal.
//
// Parameters:
//   - data: Raw frame bytes
//
// Returns:
//   - Frame: Parsed frame with timestamp set to now
//   - error: ErrInvalidFrame if validation fails
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < frameHeaderSize {
		return Frame{}, fmt.Errorf("%w: too short (%d bytes, need at least %d)",
			ErrInvalidFrame, len(data), frameHeaderSize)
	}

	node := data[0]
	if node == 0 || node > byte(MaxNodeID) {
		return Frame{}, fmt.Errorf("%w: node id %d out of range", ErrInvalidFrame, node)
	}

	// Length covers class + command + payload but not node or itself.
	declared := int(data[1])
	got := len(data) - 2
	if declared != got {
		return Frame{}, fmt.Errorf("%w: length mismatch (declared %d, got %d)",
			ErrInvalidFrame, declared, got)
	}
	if declared < frameLengthBase {
		return Frame{}, fmt.Errorf("%w: length %d below minimum %d",
			ErrInvalidFrame, declared, frameLengthBase)
	}

	var payload []byte
	if len(data) > frameHeaderSize {
		payload = make([]byte, len(data)-frameHeaderSize)
		copy(payload, data[frameHeaderSize:])
	}

	return Frame{
		Node:         NodeID(node),
		CommandClass: CommandClassCode(data[2]),
		Command:      data[3],
		Payload:      payload,
		Timestamp:    time.Now(),
	}, nil
}

// NewRequestFrame creates an outgoing SendData request frame.
//
// Parameters:
//   - node: Target node
//   - class: Command class code
//   - command: Command code within the class
//   - payload: Command-specific bytes (may be nil)
//   - priority: Send queue priority
//
// Returns:
//   - Frame: Ready to hand to the controller's send queue
func NewRequestFrame(node NodeID, class CommandClassCode, command byte, payload []byte, priority Priority) Frame {
	return Frame{
		Node:         node,
		CommandClass: class,
		Command:      command,
		Payload:      payload,
		Class:        MessageClassSendData,
		Type:         MessageTypeRequest,
		Priority:     priority,
		Timestamp:    time.Now(),
	}
}

// NewNoOpFrame creates a No Operation ping frame used for liveness checks.
// The node acknowledges it at the radio layer without any application
// side effects.
func NewNoOpFrame(node NodeID) Frame {
	return NewRequestFrame(node, CommandClassNoOperation, 0x00, nil, PriorityImmediate)
}

// String returns a human-readable representation of the frame.
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Node:%d, Class:%s, Cmd:0x%02X, Payload:%X}",
		f.Node, f.CommandClass, f.Command, f.Payload)
}
