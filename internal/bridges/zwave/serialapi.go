package zwave

import (
	"fmt"
)

// Serial API framing bytes. Single-byte tokens are exchanged on their
// own; everything else travels in an SOF-framed message with a trailing
// checksum.
const (
	// FrameSOF starts a data frame.
	FrameSOF byte = 0x01

	// FrameACK acknowledges a correctly received data frame.
	FrameACK byte = 0x06

	// FrameNAK rejects a corrupted data frame.
	FrameNAK byte = 0x15

	// FrameCAN cancels a frame sent while the gateway was transmitting.
	FrameCAN byte = 0x18
)

// Serial API function identifiers. Only the functions this bridge
// drives are listed; the gateway supports many more.
const (
	FuncSerialGetInitData         byte = 0x02
	FuncApplicationCommandHandler byte = 0x04
	FuncSendData                  byte = 0x13
	FuncGetVersion                byte = 0x15
	FuncMemoryGetID               byte = 0x20
	FuncGetNodeProtocolInfo       byte = 0x41
	FuncApplicationUpdate         byte = 0x49
	FuncRequestNodeInfo           byte = 0x60
)

// Transmit options attached to every SendData request.
const (
	TransmitOptionACK       byte = 0x01
	TransmitOptionAutoRoute byte = 0x04
	TransmitOptionExplore   byte = 0x20

	// DefaultTransmitOptions asks the gateway to require a radio ACK
	// and to route around dead spots.
	DefaultTransmitOptions = TransmitOptionACK | TransmitOptionAutoRoute | TransmitOptionExplore
)

// Transmit completion statuses reported in the SendData callback.
const (
	TransmitCompleteOK    byte = 0x00
	TransmitCompleteNoACK byte = 0x01
	TransmitCompleteFail  byte = 0x02
)

// Application update statuses reported by FuncApplicationUpdate.
const (
	ApplicationUpdateNodeInfoReceived byte = 0x84
	ApplicationUpdateNodeInfoFailed   byte = 0x81
)

// serialLengthBase is what the length byte covers besides data:
// message type, function ID and checksum.
const serialLengthBase = 3

// SerialMessage is one decoded SOF-framed message.
type SerialMessage struct {
	Type     MessageType
	Function byte
	Data     []byte
}

// serialChecksum computes the frame checksum: 0xFF XORed with every
// byte from the length field through the last data byte.
func serialChecksum(length byte, msgType MessageType, function byte, data []byte) byte {
	sum := byte(0xFF) ^ length ^ byte(msgType) ^ function
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// EncodeSerialMessage frames a serial API message for the wire.
//
// Wire layout:
//
//	Byte 0:   SOF (0x01)
//	Byte 1:   Length of [type, function, data, checksum]
//	Byte 2:   Message type (request/response)
//	Byte 3:   Function ID
//	Byte 4+:  Function-specific data
//	Last:     Checksum
//
// Parameters:
//   - msgType: Request or response
//   - function: Serial API function ID
//   - data: Function-specific bytes (may be nil)
//
// Returns:
//   - []byte: Complete frame ready to write to the gateway
func EncodeSerialMessage(msgType MessageType, function byte, data []byte) []byte {
	length := byte(serialLengthBase + len(data))
	buf := make([]byte, 0, 2+int(length))
	buf = append(buf, FrameSOF, length, byte(msgType), function)
	buf = append(buf, data...)
	buf = append(buf, serialChecksum(length, msgType, function, data))
	return buf
}

// ParseSerialMessage decodes an SOF-framed message and verifies its
// checksum.
//
// Parameters:
//   - data: Complete frame including SOF and checksum
//
// Returns:
//   - SerialMessage: Decoded message
//   - error: ErrInvalidSerialMessage on framing errors, ErrChecksum on
//     checksum mismatch
func ParseSerialMessage(data []byte) (SerialMessage, error) {
	// SOF + length + type + function + checksum.
	if len(data) < 5 {
		return SerialMessage{}, fmt.Errorf("%w: too short (%d bytes)",
			ErrInvalidSerialMessage, len(data))
	}
	if data[0] != FrameSOF {
		return SerialMessage{}, fmt.Errorf("%w: no SOF (got 0x%02X)",
			ErrInvalidSerialMessage, data[0])
	}

	declared := int(data[1])
	if declared != len(data)-2 {
		return SerialMessage{}, fmt.Errorf("%w: length mismatch (declared %d, got %d)",
			ErrInvalidSerialMessage, declared, len(data)-2)
	}

	msgType := MessageType(data[2])
	function := data[3]
	body := data[4 : len(data)-1]

	want := serialChecksum(data[1], msgType, function, body)
	got := data[len(data)-1]
	if want != got {
		return SerialMessage{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X",
			ErrChecksum, want, got)
	}

	msg := SerialMessage{Type: msgType, Function: function}
	if len(body) > 0 {
		msg.Data = make([]byte, len(body))
		copy(msg.Data, body)
	}
	return msg, nil
}

// EncodeSendData builds the data section of a SendData request from a
// command frame. The callback ID lets the gateway's transmit-complete
// callback be matched to this request.
//
// Layout: [nodeID, 2+len(payload), class, command, payload...,
// txOptions, callbackID] -- the leading bytes are frame.Encode().
func EncodeSendData(f Frame, callbackID byte) []byte {
	encoded := f.Encode()
	buf := make([]byte, 0, len(encoded)+2)
	buf = append(buf, encoded...)
	buf = append(buf, DefaultTransmitOptions, callbackID)
	return buf
}

// ParseApplicationCommand extracts the command frame from an
// ApplicationCommandHandler request. The data section is
// [rxStatus, nodeID, length, class, command, payload...]; everything
// after the status byte is a command frame in wire layout.
//
// Parameters:
//   - data: Data section of the serial message
//
// Returns:
//   - Frame: Parsed command frame with Class/Type metadata set
//   - error: ErrInvalidSerialMessage or ErrInvalidFrame
func ParseApplicationCommand(data []byte) (Frame, error) {
	if len(data) < 1 {
		return Frame{}, fmt.Errorf("%w: empty application command", ErrInvalidSerialMessage)
	}

	frame, err := ParseFrame(data[1:])
	if err != nil {
		return Frame{}, err
	}
	frame.Class = MessageClassApplicationCommand
	frame.Type = MessageTypeRequest
	return frame, nil
}

// VersionInfo is the gateway's self-reported firmware identity.
type VersionInfo struct {
	// Version is the firmware version string, e.g. "Z-Wave 3.95".
	Version string

	// LibraryType identifies the protocol library variant.
	LibraryType byte
}

// ParseVersionResponse decodes a GetVersion response: a fixed 12-byte
// NUL-terminated version string followed by the library type.
func ParseVersionResponse(data []byte) (VersionInfo, error) {
	if len(data) < 13 {
		return VersionInfo{}, fmt.Errorf("%w: version response too short (%d bytes)",
			ErrInvalidSerialMessage, len(data))
	}

	raw := data[:12]
	end := len(raw)
	for i, b := range raw {
		if b == 0x00 {
			end = i
			break
		}
	}

	return VersionInfo{
		Version:     string(raw[:end]),
		LibraryType: data[12],
	}, nil
}

// MemoryID is the gateway's network identity.
type MemoryID struct {
	// HomeID identifies the network all nodes share.
	HomeID uint32

	// OwnNodeID is the gateway's node ID within the network.
	OwnNodeID NodeID
}

// ParseMemoryGetIDResponse decodes a MemoryGetID response:
// the 4-byte home ID (big-endian) and the gateway's own node ID.
func ParseMemoryGetIDResponse(data []byte) (MemoryID, error) {
	if len(data) < 5 {
		return MemoryID{}, fmt.Errorf("%w: memory id response too short (%d bytes)",
			ErrInvalidSerialMessage, len(data))
	}
	return MemoryID{
		HomeID:    uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]),
		OwnNodeID: NodeID(data[4]),
	}, nil
}

// nodeBitmaskLength covers 232 nodes at one bit each.
const nodeBitmaskLength = 29

// ParseInitDataResponse decodes a SerialGetInitData response and
// returns the node IDs present in the gateway's node bitmask.
//
// Layout: [version, capabilities, 29, bitmask[29], chipType, chipVersion].
func ParseInitDataResponse(data []byte) ([]NodeID, error) {
	if len(data) < 3+nodeBitmaskLength {
		return nil, fmt.Errorf("%w: init data response too short (%d bytes)",
			ErrInvalidSerialMessage, len(data))
	}
	if data[2] != nodeBitmaskLength {
		return nil, fmt.Errorf("%w: unexpected bitmask length %d",
			ErrInvalidSerialMessage, data[2])
	}

	var nodes []NodeID
	bitmask := data[3 : 3+nodeBitmaskLength]
	for i, b := range bitmask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				nodes = append(nodes, NodeID(i*8+bit+1))
			}
		}
	}
	return nodes, nil
}

// NodeInfo is the capability summary a node broadcasts about itself.
type NodeInfo struct {
	Node NodeID

	// BasicClass, GenericClass and SpecificClass place the node in the
	// device class hierarchy.
	BasicClass    byte
	GenericClass  byte
	SpecificClass byte

	// CommandClasses lists the command classes the node supports.
	CommandClasses []CommandClassCode
}

// ParseApplicationUpdate decodes an ApplicationUpdate request. Only
// node-info-received updates carry a payload worth parsing; other
// statuses return ok=false and are logged by the caller.
//
// Layout: [status, nodeID, length, basic, generic, specific, classes...].
//
// Returns:
//   - NodeInfo: Decoded node information (valid only when ok)
//   - ok: Whether the update carried node info
//   - error: ErrInvalidSerialMessage on truncated data
func ParseApplicationUpdate(data []byte) (NodeInfo, bool, error) {
	if len(data) < 2 {
		return NodeInfo{}, false, fmt.Errorf("%w: application update too short (%d bytes)",
			ErrInvalidSerialMessage, len(data))
	}

	if data[0] != ApplicationUpdateNodeInfoReceived {
		return NodeInfo{}, false, nil
	}

	if len(data) < 6 {
		return NodeInfo{}, false, fmt.Errorf("%w: node info too short (%d bytes)",
			ErrInvalidSerialMessage, len(data))
	}

	length := int(data[2])
	// Length counts basic + generic + specific + command classes.
	if length < 3 || 3+length > len(data) {
		return NodeInfo{}, false, fmt.Errorf("%w: node info length %d exceeds data",
			ErrInvalidSerialMessage, length)
	}

	info := NodeInfo{
		Node:          NodeID(data[1]),
		BasicClass:    data[3],
		GenericClass:  data[4],
		SpecificClass: data[5],
	}
	for _, cc := range data[6 : 3+length] {
		info.CommandClasses = append(info.CommandClasses, CommandClassCode(cc))
	}
	return info, true, nil
}
