package zwave

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID identifies a node within a single network. The controller
// itself occupies one of these IDs (usually 1).
type NodeID uint8

// Node ID range. ID 0 is reserved on the wire and never addresses a
// node; the protocol caps networks at 232 nodes.
const (
	MinNodeID NodeID = 1
	MaxNodeID NodeID = 232
)

// Valid reports whether the node ID is inside the addressable range.
func (n NodeID) Valid() bool {
	return n >= MinNodeID && n <= MaxNodeID
}

// Endpoint identifies a sub-channel within a multi-channel node.
// Endpoint 0 is the node's root device; real sub-channels start at 1.
type Endpoint uint8

// RootEndpoint addresses the node itself rather than a sub-channel.
const RootEndpoint Endpoint = 0

// Address identifies a command target: a node and optionally one of its
// endpoints. It is comparable and used directly as a map key in device
// lookup tables.
type Address struct {
	Node     NodeID
	Endpoint Endpoint
}

// ParseAddress parses a node address from its text form.
//
// Accepted formats:
//   - "12"    node 12, root endpoint
//   - "12/2"  node 12, endpoint 2
//
// Parameters:
//   - s: Address string
//
// Returns:
//   - Address: Parsed address
//   - error: ErrInvalidAddress if the format or range is wrong
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 1 || len(parts) > 2 {
		return Address{}, fmt.Errorf("%w: %q (expected \"node\" or \"node/endpoint\")",
			ErrInvalidAddress, s)
	}

	node, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 8)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad node in %q: %v", ErrInvalidAddress, s, err)
	}
	if !NodeID(node).Valid() {
		return Address{}, fmt.Errorf("%w: node %d out of range %d-%d",
			ErrInvalidAddress, node, MinNodeID, MaxNodeID)
	}

	addr := Address{Node: NodeID(node)}

	if len(parts) == 2 {
		ep, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 8)
		if err != nil {
			return Address{}, fmt.Errorf("%w: bad endpoint in %q: %v", ErrInvalidAddress, s, err)
		}
		addr.Endpoint = Endpoint(ep)
	}

	return addr, nil
}

// String returns the canonical text form: "12" for the root endpoint,
// "12/2" for a sub-channel.
func (a Address) String() string {
	if a.Endpoint == RootEndpoint {
		return strconv.Itoa(int(a.Node))
	}
	return fmt.Sprintf("%d/%d", a.Node, a.Endpoint)
}

// IsRoot reports whether the address targets the node's root device.
func (a Address) IsRoot() bool {
	return a.Endpoint == RootEndpoint
}
