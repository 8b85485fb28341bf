package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/meshwave-core/internal/bridges/zwave"
	"github.com/nerrad567/meshwave-core/internal/device"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/config"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/logging"
	"github.com/nerrad567/meshwave-core/internal/infrastructure/mqtt"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event names broadcast over the stream.
const (
	WSEventDeviceState = "device.state_changed"
)

const (
	// wsSendBufferSize is the per-client outbound queue. A client that
	// falls this far behind starts dropping events.
	wsSendBufferSize = 256

	wsWriteTimeout = 10 * time.Second

	defaultMaxMessageSize = 1024
	defaultPingInterval   = 30
	defaultPongTimeout    = 60
)

// WSMessage is the envelope for all WebSocket traffic in both directions.
type WSMessage struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Data    any             `json:"data,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSSubscribePayload lists the event names a client wants.
type WSSubscribePayload struct {
	Events []string `json:"events"`
}

// Hub tracks connected WebSocket clients and fans events out to them.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]bool

	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan WSMessage
}

// NewHub creates a hub. Run must be called for it to process clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan WSMessage, wsSendBufferSize),
	}
}

// Run processes client registration and event fan-out until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "client_id", client.id, "total", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "client_id", client.id, "total", count)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("failed to marshal websocket event", "error", err)
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				if client.isSubscribed(msg.Event) {
					client.trySend(data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for all subscribed clients. Non-blocking:
// if the hub's queue is full the event is dropped, since state events
// supersede each other anyway.
func (h *Hub) Broadcast(event string, data any) {
	msg := WSMessage{Type: WSTypeEvent, Event: event, Data: data}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast queue full, dropping event", "event", event)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client during shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// WSClient is one connected WebSocket session.
type WSClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// subscribe replaces the client's event subscriptions.
func (c *WSClient) subscribe(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = make(map[string]bool, len(events))
	for _, e := range events {
		c.subscriptions[e] = true
	}
}

// unsubscribe removes specific events from the client's subscriptions.
func (c *WSClient) unsubscribe(events []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range events {
		delete(c.subscriptions, e)
	}
}

// isSubscribed reports whether the client wants this event.
// A client with no explicit subscriptions receives everything.
func (c *WSClient) isSubscribed(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[event] || c.subscriptions["*"]
}

// trySend queues a message without blocking. Slow clients lose events
// rather than stalling the hub.
func (c *WSClient) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// handleWebSocket upgrades the connection after validating the ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeUnavailable(w, "event stream is not running")
		return
	}

	ticket := r.URL.Query().Get("ticket")
	if ticket == "" || !s.validateTicket(ticket) {
		writeUnauthorized(w, "valid ticket required")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:            uuid.NewString(),
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]bool),
	}

	s.hub.register <- client

	go client.writePump(s.hub.cfg)
	go client.readPump(s)
}

// readPump reads client messages until the connection drops.
// It owns the read side of the connection.
func (c *WSClient) readPump(s *Server) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	maxSize := c.hub.cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	pongWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultPongTimeout * time.Second
	}

	c.conn.SetReadLimit(int64(maxSize))
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}
		s.handleWSMessage(c, raw)
	}
}

// writePump sends queued messages and periodic pings.
// It owns the write side of the connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval * time.Second
	}

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWSMessage processes one inbound client message.
func (s *Server) handleWSMessage(c *WSClient, raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendWSError(c, "invalid message format")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		var payload WSSubscribePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				s.sendWSError(c, "invalid subscribe payload")
				return
			}
		}
		c.subscribe(payload.Events)
		s.sendWSResponse(c, map[string]any{"subscribed": payload.Events})

	case WSTypeUnsubscribe:
		var payload WSSubscribePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				s.sendWSError(c, "invalid unsubscribe payload")
				return
			}
		}
		c.unsubscribe(payload.Events)
		s.sendWSResponse(c, map[string]any{"unsubscribed": payload.Events})

	default:
		s.sendWSError(c, "unknown message type")
	}
}

func (s *Server) sendWSResponse(c *WSClient, data any) {
	raw, err := json.Marshal(WSMessage{Type: WSTypeResponse, Data: data})
	if err != nil {
		return
	}
	c.trySend(raw)
}

func (s *Server) sendWSError(c *WSClient, message string) {
	raw, err := json.Marshal(WSMessage{Type: WSTypeError, Error: message})
	if err != nil {
		return
	}
	c.trySend(raw)
}

// subscribeStateUpdates wires bridge state topics into the core: each state
// message is broadcast to WebSocket clients, mirrored into the registry,
// recorded in state history, and written to the time-series database.
func (s *Server) subscribeStateUpdates(ctx context.Context) error {
	if s.mqtt == nil {
		return nil
	}

	topic := mqtt.Topics{}.AllBridgeStates()
	return s.mqtt.Subscribe(topic, 1, func(_ string, payload []byte) error {
		var msg zwave.StateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		if msg.DeviceID == "" || msg.State == nil {
			return nil
		}

		s.hub.Broadcast(WSEventDeviceState, map[string]any{
			"device_id": msg.DeviceID,
			"protocol":  msg.Protocol,
			"address":   msg.Address,
			"state":     msg.State,
			"timestamp": msg.Timestamp,
		})

		// A state for a device the registry doesn't know is not an error;
		// retained messages can outlive deleted devices.
		if err := s.registry.SetDeviceState(ctx, msg.DeviceID, msg.State); err != nil {
			if !errors.Is(err, device.ErrDeviceNotFound) {
				s.logger.Warn("failed to mirror state into registry",
					"device_id", msg.DeviceID, "error", err)
			}
			return nil
		}

		if s.history != nil {
			if err := s.history.RecordStateChange(ctx, msg.DeviceID, msg.State, device.StateHistorySourceMQTT); err != nil {
				s.logger.Warn("failed to record state history",
					"device_id", msg.DeviceID, "error", err)
			}
		}

		if s.influx != nil {
			writeStateMetrics(s.influx, msg.DeviceID, msg.State)
		}

		return nil
	})
}

// metricWriter is the slice of the time-series client this file needs.
type metricWriter interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
}

// writeStateMetrics extracts numeric and boolean fields from a state map
// and writes each as a time-series point.
func writeStateMetrics(w metricWriter, deviceID string, state map[string]any) {
	for field, raw := range state {
		switch v := raw.(type) {
		case float64:
			w.WriteDeviceMetric(deviceID, field, v)
		case int:
			w.WriteDeviceMetric(deviceID, field, float64(v))
		case bool:
			val := 0.0
			if v {
				val = 1.0
			}
			w.WriteDeviceMetric(deviceID, field, val)
		}
	}
}
