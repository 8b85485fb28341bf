package zwave

import "errors"

// Domain errors for the Z-Wave bridge package.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// but the client is not connected to the serial gateway.
	ErrNotConnected = errors.New("zwave: not connected to serial gateway")

	// ErrConnectionFailed is returned when the connection to the serial
	// gateway fails.
	ErrConnectionFailed = errors.New("zwave: connection to serial gateway failed")

	// ErrInvalidAddress is returned when a node address string cannot
	// be parsed.
	ErrInvalidAddress = errors.New("zwave: invalid node address")

	// ErrInvalidFrame is returned when a received command frame is
	// malformed (truncated or declared-length mismatch).
	ErrInvalidFrame = errors.New("zwave: invalid frame")

	// ErrInvalidSerialMessage is returned when a serial API message fails
	// structural or checksum validation.
	ErrInvalidSerialMessage = errors.New("zwave: invalid serial message")

	// ErrChecksum is returned when a serial API message checksum does
	// not match its contents.
	ErrChecksum = errors.New("zwave: checksum mismatch")

	// ErrUnknownNode is returned when an operation references a node the
	// controller has not discovered.
	ErrUnknownNode = errors.New("zwave: unknown node")

	// ErrUnsupportedCommandClass is returned when no handler exists for a
	// command class code.
	ErrUnsupportedCommandClass = errors.New("zwave: unsupported command class")

	// ErrSendFailed is returned when handing a frame to the gateway fails.
	ErrSendFailed = errors.New("zwave: frame send failed")

	// ErrQueueFull is returned when the outgoing send queue is at capacity.
	ErrQueueFull = errors.New("zwave: send queue full")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("zwave: operation timed out")
)
