package zwave

import (
	"sort"
	"sync"
	"time"
)

// Node is one device in the network as the bridge knows it: identity,
// device class, supported command classes, and the handlers created for
// the classes the bridge processes.
//
// Thread Safety: all methods are safe for concurrent use.
type Node struct {
	id NodeID

	mu           sync.RWMutex
	deviceClass  DeviceClass
	listening    bool
	interrogated bool
	supported    []CommandClassCode
	handlers     map[CommandClassCode]Handler
	lastSeen     time.Time
}

// NewNode creates an empty node entry. Device class and capabilities
// arrive later through interrogation.
func NewNode(id NodeID) *Node {
	return &Node{
		id:       id,
		handlers: make(map[CommandClassCode]Handler),
	}
}

// ID returns the node's network ID.
func (n *Node) ID() NodeID {
	return n.id
}

// DeviceClass returns the reported device class hierarchy.
func (n *Node) DeviceClass() DeviceClass {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.deviceClass
}

// SetDeviceClass records the class hierarchy from a node info frame.
func (n *Node) SetDeviceClass(dc DeviceClass) {
	n.mu.Lock()
	n.deviceClass = dc
	n.listening = dc.Basic != BasicTypeSlave
	n.mu.Unlock()
}

// Listening reports whether the node's radio is always on. Battery
// devices sleep and only receive around their own transmissions.
func (n *Node) Listening() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.listening
}

// Interrogated reports whether a node info frame has been processed.
func (n *Node) Interrogated() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.interrogated
}

// SetSupported records the node's command class list and creates
// handlers for the classes the bridge processes. Handlers for classes
// no longer advertised are dropped with their state.
//
// Parameters:
//   - classes: Command classes from the node info frame
//   - deps: Collaborators passed to each new handler
func (n *Node) SetSupported(classes []CommandClassCode, deps HandlerDeps) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.supported = append([]CommandClassCode(nil), classes...)
	n.interrogated = true

	seen := make(map[CommandClassCode]bool, len(classes))
	for _, code := range classes {
		seen[code] = true
		if _, exists := n.handlers[code]; exists {
			continue
		}
		handler, err := NewHandler(code, n.id, deps)
		if err != nil {
			// Known-but-unhandled and unknown classes have no factory.
			continue
		}
		n.handlers[code] = handler
	}

	for code := range n.handlers {
		if !seen[code] {
			delete(n.handlers, code)
		}
	}
}

// SupportedClasses returns a copy of the advertised command class list.
func (n *Node) SupportedClasses() []CommandClassCode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]CommandClassCode(nil), n.supported...)
}

// Handler returns the handler for a command class.
//
// Returns:
//   - Handler: The node's handler for the class
//   - bool: False if the node has no handler for it
func (n *Node) Handler(code CommandClassCode) (Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[code]
	return h, ok
}

// Handlers returns a snapshot of the node's handlers.
func (n *Node) Handlers() []Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]Handler, 0, len(n.handlers))
	for _, h := range n.handlers {
		out = append(out, h)
	}
	return out
}

// Touch records activity from the node.
func (n *Node) Touch() {
	n.mu.Lock()
	n.lastSeen = time.Now()
	n.mu.Unlock()
}

// LastSeen returns when the node was last heard from (zero if never).
func (n *Node) LastSeen() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastSeen
}

// NodeSummary is a point-in-time copy of a node's state for status
// endpoints and logs.
type NodeSummary struct {
	ID             NodeID    `json:"id"`
	DeviceClass    string    `json:"device_class"`
	Listening      bool      `json:"listening"`
	Interrogated   bool      `json:"interrogated"`
	CommandClasses []string  `json:"command_classes"`
	Handlers       []string  `json:"handlers"`
	LastSeen       time.Time `json:"last_seen"`
}

// Summary returns a snapshot of the node for reporting.
func (n *Node) Summary() NodeSummary {
	n.mu.RLock()
	defer n.mu.RUnlock()

	classes := make([]string, 0, len(n.supported))
	for _, code := range n.supported {
		classes = append(classes, code.String())
	}

	handlers := make([]string, 0, len(n.handlers))
	for code := range n.handlers {
		handlers = append(handlers, code.String())
	}
	sort.Strings(handlers)

	return NodeSummary{
		ID:             n.id,
		DeviceClass:    n.deviceClass.String(),
		Listening:      n.listening,
		Interrogated:   n.interrogated,
		CommandClasses: classes,
		Handlers:       handlers,
		LastSeen:       n.lastSeen,
	}
}

// NodeTable tracks the nodes known to the controller.
//
// Thread Safety: all methods are safe for concurrent use.
type NodeTable struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
}

// NewNodeTable creates an empty node table.
func NewNodeTable() *NodeTable {
	return &NodeTable{nodes: make(map[NodeID]*Node)}
}

// Get returns the node for an ID.
//
// Returns:
//   - *Node: The node
//   - bool: False if unknown
func (t *NodeTable) Get(id NodeID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[id]
	return node, ok
}

// GetOrCreate returns the node for an ID, creating it if absent.
//
// Returns:
//   - *Node: The node
//   - bool: True if the node was just created
func (t *NodeTable) GetOrCreate(id NodeID) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if node, ok := t.nodes[id]; ok {
		return node, false
	}
	node := NewNode(id)
	t.nodes[id] = node
	return node, true
}

// Remove drops a node and its handlers.
//
// Returns:
//   - bool: False if the node was not present
func (t *NodeTable) Remove(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[id]; !ok {
		return false
	}
	delete(t.nodes, id)
	return true
}

// List returns all nodes sorted by ID.
func (t *NodeTable) List() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Node, 0, len(t.nodes))
	for _, node := range t.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of known nodes.
func (t *NodeTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
