// Package zwave implements the Z-Wave protocol engine for Meshwave.
//
// This package provides connectivity to a Z-Wave mesh network via a serial
// gateway (ser2net exposing the USB controller stick over TCP or a Unix
// socket). It encodes and decodes the binary command frames exchanged with
// nodes, dispatches incoming application commands to per-capability command
// class handlers, and converts raw byte payloads into typed device events.
//
// # Architecture
//
// The bridge operates as a translator between two buses:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│    Meshwave     │   MQTT   │  Z-Wave Bridge  │  serial gateway
//	│      Core       │◄────────►│   (this pkg)    │◄───────────────► RF mesh
//	└─────────────────┘          └─────────────────┘
//
// Inside the bridge, the layering is:
//
//	Bridge        MQTT commands in, state/ack/health out
//	Controller    gateway connection, send queue, node table
//	Handlers      one per (node, command class), hold protocol state
//	Frame codec   [nodeId][length][class][command][payload]
//	Serial API    SOF/ACK framing and checksums on the wire
//
// # Command Classes
//
// Z-Wave groups related commands into command classes (dimmable switching,
// binary switching, battery reporting, ...). Each node advertises the
// classes it supports during interrogation; the controller instantiates one
// handler per supported class per node. Handlers are stateful: the last
// known dimmer level lives on the handler instance, not in a shared store.
//
// Classes the controller has no handler for are logged and dropped, never
// treated as errors. Progressive protocol coverage is a valid steady state.
//
// # Events
//
// Handlers never talk to MQTT directly. They publish typed events (an
// ON/OFF token or a bounded level) through a Notifier, and the bridge
// translates those into retained state messages.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Handler state is guarded per instance, so frames for different nodes are
// processed fully in parallel.
//
// # References
//
//   - Z-Wave Serial API: Silicon Labs INS12350
//   - ser2net: https://github.com/cminyard/ser2net
package zwave
