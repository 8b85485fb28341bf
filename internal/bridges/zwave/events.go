package zwave

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Switch state tokens. The token set is closed; anything that is not a
// token is a numeric level.
const (
	TokenOn  = "ON"
	TokenOff = "OFF"
)

// valueKind discriminates the two value variants.
type valueKind int

const (
	valueKindNone valueKind = iota
	valueKindToken
	valueKindLevel
)

// Value is the payload of a state event: either a switch token ("ON",
// "OFF") or a bounded integer (switch levels 0-99, battery percent up
// to 100). The zero Value is "no value" and never appears on value
// events.
//
// The variants are closed: consumers switch on IsToken/IsLevel and need
// no default case for hypothetical extra kinds.
type Value struct {
	kind  valueKind
	token string
	level int
}

// TokenValue creates a token value.
func TokenValue(token string) Value {
	return Value{kind: valueKindToken, token: token}
}

// LevelValue creates a numeric level value.
func LevelValue(level int) Value {
	return Value{kind: valueKindLevel, level: level}
}

// IsToken reports whether the value is a switch token.
func (v Value) IsToken() bool { return v.kind == valueKindToken }

// IsLevel reports whether the value is a numeric level.
func (v Value) IsLevel() bool { return v.kind == valueKindLevel }

// IsZero reports whether the value carries nothing.
func (v Value) IsZero() bool { return v.kind == valueKindNone }

// Token returns the token variant.
//
// Returns:
//   - string: Token ("ON" or "OFF")
//   - bool: False if the value is not a token
func (v Value) Token() (string, bool) {
	if v.kind != valueKindToken {
		return "", false
	}
	return v.token, true
}

// Level returns the numeric variant.
//
// Returns:
//   - int: Level 0-99
//   - bool: False if the value is not a level
func (v Value) Level() (int, bool) {
	if v.kind != valueKindLevel {
		return 0, false
	}
	return v.level, true
}

// String returns the value for logging: the token text, the level
// digits, or "<none>".
func (v Value) String() string {
	switch v.kind {
	case valueKindToken:
		return v.token
	case valueKindLevel:
		return fmt.Sprintf("%d", v.level)
	default:
		return "<none>"
	}
}

// MarshalJSON renders tokens as JSON strings and levels as JSON
// numbers, matching what state consumers expect: "ON" or 42.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case valueKindToken:
		return json.Marshal(v.token)
	case valueKindLevel:
		return json.Marshal(v.level)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts either form. Strings become tokens, numbers
// become levels.
func (v *Value) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err == nil {
		*v = TokenValue(token)
		return nil
	}
	var level int
	if err := json.Unmarshal(data, &level); err != nil {
		return fmt.Errorf("value must be a token string or a level number: %w", err)
	}
	*v = LevelValue(level)
	return nil
}

// EventKind classifies what an event reports.
type EventKind string

// Event kinds.
const (
	// EventValue reports a state value decoded from a node report.
	EventValue EventKind = "value"

	// EventNodeDiscovered reports a node added to the node table.
	EventNodeDiscovered EventKind = "node_discovered"

	// EventNodeRemoved reports a node dropped from the node table.
	EventNodeRemoved EventKind = "node_removed"

	// EventBatteryLow reports a low-battery warning from a node.
	EventBatteryLow EventKind = "battery_low"
)

// Event is one occurrence pushed to subscribers. Value events carry a
// Value; lifecycle events leave it zero.
type Event struct {
	Kind         EventKind
	Node         NodeID
	Endpoint     Endpoint
	CommandClass CommandClassCode
	Value        Value
	Timestamp    time.Time
}

// Address returns the node/endpoint the event concerns.
func (e Event) Address() Address {
	return Address{Node: e.Node, Endpoint: e.Endpoint}
}

// NewValueEvent creates a value event stamped now.
func NewValueEvent(node NodeID, endpoint Endpoint, class CommandClassCode, value Value) Event {
	return Event{
		Kind:         EventValue,
		Node:         node,
		Endpoint:     endpoint,
		CommandClass: class,
		Value:        value,
		Timestamp:    time.Now(),
	}
}

// eventQueueSize is the buffer size for the event delivery queue.
const eventQueueSize = 100

// NotifierStats holds delivery statistics.
type NotifierStats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64 // Events dropped due to full delivery queue
	Subscribers int
}

// Notifier fans events out to subscribers.
//
// Delivery runs on a single goroutine so subscribers observe events in
// publish order; a full queue drops the newest event rather than block
// the protocol path.
//
// Thread Safety: all methods are safe for concurrent use.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)

	queue chan Event

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewNotifier creates a notifier and starts its delivery goroutine.
func NewNotifier() *Notifier {
	n := &Notifier{
		subs:  make(map[int]func(Event)),
		queue: make(chan Event, eventQueueSize),
		done:  newCloseOnce(),
	}

	n.wg.Add(1)
	go n.deliverLoop()

	return n
}

// SetLogger sets an optional logger for drop warnings and subscriber
// panics.
func (n *Notifier) SetLogger(logger Logger) {
	n.loggerMu.Lock()
	n.logger = logger
	n.loggerMu.Unlock()
}

func (n *Notifier) getLogger() Logger {
	n.loggerMu.RLock()
	defer n.loggerMu.RUnlock()
	return n.logger
}

// Subscribe registers a callback for all events.
//
// Returns:
//   - int: Subscription ID for Unsubscribe
func (n *Notifier) Subscribe(fn func(Event)) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (n *Notifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, id)
}

// Publish queues an event for delivery. Never blocks: if the queue is
// full the event is dropped and counted.
func (n *Notifier) Publish(ev Event) {
	select {
	case <-n.done.Done():
		return
	default:
	}

	n.published.Add(1)

	select {
	case n.queue <- ev:
	default:
		dropped := n.dropped.Add(1)
		if logger := n.getLogger(); logger != nil {
			logger.Warn("event queue full, dropping event",
				"kind", ev.Kind,
				"node", ev.Node,
				"dropped_total", dropped,
			)
		}
	}
}

// deliverLoop drains the queue and invokes subscribers in order.
func (n *Notifier) deliverLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done.Done():
			// Drain remaining events so publishers never block on shutdown.
			for {
				select {
				case ev := <-n.queue:
					n.deliver(ev)
				default:
					return
				}
			}
		case ev := <-n.queue:
			n.deliver(ev)
		}
	}
}

func (n *Notifier) deliver(ev Event) {
	n.mu.RLock()
	subs := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if logger := n.getLogger(); logger != nil {
						logger.Error("event subscriber panic", "panic", r, "kind", ev.Kind)
					}
				}
			}()
			fn(ev)
		}()
	}

	n.delivered.Add(1)
}

// Stats returns delivery statistics.
func (n *Notifier) Stats() NotifierStats {
	n.mu.RLock()
	subscribers := len(n.subs)
	n.mu.RUnlock()

	return NotifierStats{
		Published:   n.published.Load(),
		Delivered:   n.delivered.Load(),
		Dropped:     n.dropped.Load(),
		Subscribers: subscribers,
	}
}

// Close stops the delivery goroutine after draining queued events.
// Safe to call multiple times.
func (n *Notifier) Close() {
	n.done.Close()
	n.wg.Wait()
}
