// Package api implements the HTTP REST API and WebSocket server for
// Meshwave Core.
//
// This package provides:
//   - REST endpoints for device CRUD, state commands, and history
//   - Mesh network endpoints: node listing, node ping, network status
//   - WebSocket hub for real-time state change broadcasts
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, rate limit)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server sits between operator tooling and the device registry +
// MQTT bus. Commands flow from the API to the Z-Wave bridge via MQTT,
// and state changes flow back via MQTT subscriptions which are broadcast
// to WebSocket clients.
//
// # Security
//
// Clients exchange the configured shared secret for a short-lived HS256
// session token (POST /api/v1/auth/token), then send it as a Bearer
// token. WebSocket connections use single-use tickets so the token never
// appears in a URL.
//
// # Graceful Degradation
//
// The server operates without MQTT: reads and WebSocket connections
// work, only device commands fail. This enables testing and partial
// operation.
package api
