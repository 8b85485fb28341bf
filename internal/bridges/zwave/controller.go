package zwave

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for gateway communication.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is the timeout for individual read operations.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// defaultAckTimeout is how long to wait for the gateway to ACK a
	// transmitted message before retrying.
	defaultAckTimeout = 1 * time.Second

	// transmitAttempts is how many times a message is written before
	// being dropped (initial attempt plus retries).
	transmitAttempts = 3

	// retransmitDelay is the pause after a NAK or CAN before
	// retransmitting.
	retransmitDelay = 100 * time.Millisecond

	// defaultResponseTimeout is how long an interrogation call waits
	// for the gateway's response message.
	defaultResponseTimeout = 5 * time.Second

	// defaultSendQueueSize is the capacity of the prioritised send queue.
	defaultSendQueueSize = 64

	// callbackQueueSize is the buffer size for the frame callback queue.
	callbackQueueSize = 100

	// callbackWorkerCount is the number of concurrent callback workers.
	callbackWorkerCount = 4
)

// ControllerConfig holds gateway connection configuration.
type ControllerConfig struct {
	// Connection is the gateway connection URL. The serial stick is
	// exposed raw over a socket (ser2net or similar).
	// Supported formats:
	//   - "tcp://localhost:3333" (TCP)
	//   - "unix:///run/zwgate" (Unix socket)
	Connection string

	// ConnectTimeout is the maximum time to wait for connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the timeout for read operations.
	// Default: 30 seconds.
	ReadTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// AckTimeout is how long to wait for a gateway ACK per transmit.
	// Default: 1 second.
	AckTimeout time.Duration

	// SendQueueSize caps the prioritised send queue. Default: 64.
	SendQueueSize int
}

// ControllerStats holds operational statistics.
type ControllerStats struct {
	FramesTx        uint64
	FramesRx        uint64
	FramesDropped   uint64 // Frames dropped due to full queues
	FramesFailed    uint64 // Frames dropped after exhausting transmit attempts
	FramesRetried   uint64 // Retransmissions after NAK/CAN/timeout
	ErrorsTotal     uint64
	ReconnectsTotal uint64 // Successful reconnections
	QueueDepth      int
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool // True if currently attempting to reconnect
	HomeID          uint32
	OwnNodeID       NodeID
	NodeCount       int
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector interface for testability.
// This allows mocking the gateway client in tests.
type Connector interface {
	Send(ctx context.Context, f Frame) error
	RequestValue(node NodeID, endpoint Endpoint)
	RequestNodeInfo(node NodeID) error
	SetOnFrame(callback func(Frame))
	Nodes() *NodeTable
	IsConnected() bool
	Stats() ControllerStats
	Close() error
}

// Ensure Controller implements Connector.
var _ Connector = (*Controller)(nil)

// Ensure Controller can serve handler read-backs.
var _ ValueRequester = (*Controller)(nil)

// Controller drives the network gateway: it owns the serial API
// conversation, the prioritised send queue, and the node table.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Frame callbacks are invoked from a bounded worker pool.
//
// Auto-Reconnection:
//   - When the connection is lost, the controller automatically attempts
//     to reconnect with exponential backoff (initial ReconnectInterval,
//     capped at 2 minutes). The node table survives reconnection.
type Controller struct {
	cfg  ControllerConfig
	conn net.Conn

	// Connection state
	connMu    sync.RWMutex
	connected bool

	// Reconnection state
	reconnecting   atomic.Bool  // True while reconnection is in progress
	reconnectCount atomic.Int32 // Number of consecutive reconnection attempts

	// Frame handler callback (recorder, diagnostics)
	onFrame    func(Frame)
	callbackMu sync.RWMutex

	// Callback worker pool (bounded goroutine spawning)
	callbackQueue chan Frame

	// Prioritised send queue
	queueMu        sync.Mutex
	queue          frameHeap
	queueSeq       uint64
	nextCallbackID byte
	queueWake      chan struct{}

	// ACK/NAK/CAN tokens forwarded from the receive loop
	ackCh chan byte

	// Pending interrogation responses keyed by function ID
	pendingMu sync.Mutex
	pending   map[byte]chan []byte

	// Transmit-complete waiters keyed by callback ID
	txMu      sync.Mutex
	txWaiters map[byte]chan byte

	// Network identity learned during interrogation
	infoMu     sync.RWMutex
	apiVersion VersionInfo
	homeID     uint32
	ownNode    NodeID

	nodes  *NodeTable
	events *Notifier

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	framesDropped   atomic.Uint64
	framesFailed    atomic.Uint64
	framesRetried   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// controllerLogger forwards handler logging to the controller's current
// logger, so handlers created before SetLogger still log afterwards.
type controllerLogger struct {
	c *Controller
}

func (l controllerLogger) Debug(msg string, keysAndValues ...any) {
	if logger := l.c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (l controllerLogger) Info(msg string, keysAndValues ...any) {
	if logger := l.c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l controllerLogger) Warn(msg string, keysAndValues ...any) {
	if logger := l.c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (l controllerLogger) Error(msg string, keysAndValues ...any) {
	if logger := l.c.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}

// Connect establishes the connection to the gateway.
//
// The connection URL determines the transport:
//   - "tcp://localhost:3333" → TCP socket
//   - "unix:///run/zwgate" → Unix socket
//
// After connecting it verifies the gateway with a version query, then
// interrogates the network in the background: home ID, node bitmask,
// and a node info request per node. Nodes and their handlers appear in
// the node table as the answers arrive.
//
// Parameters:
//   - ctx: Context for cancellation (used for initial connection)
//   - cfg: Connection configuration
//   - events: Notifier that receives node and value events (may be nil)
//
// Returns:
//   - *Controller: Connected controller ready for use
//   - error: If connection or the version handshake fails
func Connect(ctx context.Context, cfg ControllerConfig, events *Notifier) (*Controller, error) {
	// Apply defaults
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	// Parse connection URL
	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// Create connection with timeout
	connectCtx := ctx
	if connectCtx == nil {
		connectCtx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(connectCtx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	c := &Controller{
		cfg:           cfg,
		conn:          conn,
		done:          newCloseOnce(),
		callbackQueue: make(chan Frame, callbackQueueSize),
		queueWake:     make(chan struct{}, 1),
		ackCh:         make(chan byte, 4),
		pending:       make(map[byte]chan []byte),
		txWaiters:     make(map[byte]chan byte),
		nodes:         NewNodeTable(),
		events:        events,
	}
	c.lastActivity.Store(time.Now().Unix())

	// Mark as connected before starting loops; the handshake below
	// needs the receive loop to route the version response.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	// Start callback worker pool (bounded goroutine count)
	for i := 0; i < callbackWorkerCount; i++ {
		c.wg.Add(1)
		go c.callbackWorker()
	}

	// Start receive and send loops
	c.wg.Add(2)
	go c.receiveLoop()
	go c.sendLoop()

	// Verify we are talking to a real gateway (respects context deadline)
	if err := c.handshake(connectCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: handshake failed: %w", ErrConnectionFailed, err)
	}

	// Interrogate the network in the background; results arrive
	// incrementally and failures are logged, not fatal.
	c.wg.Add(1)
	go c.interrogate()

	return c, nil
}

// parseConnectionURL parses a gateway connection URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:3333"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// handshake queries the gateway's version to confirm the socket really
// fronts a serial API gateway and records the result.
func (c *Controller) handshake(ctx context.Context) error {
	data, err := c.call(ctx, FuncGetVersion, nil)
	if err != nil {
		return fmt.Errorf("version query: %w", err)
	}

	info, err := ParseVersionResponse(data)
	if err != nil {
		return fmt.Errorf("version response: %w", err)
	}

	c.infoMu.Lock()
	c.apiVersion = info
	c.infoMu.Unlock()

	c.logInfo("gateway identified", "version", info.Version, "library", info.LibraryType)
	return nil
}

// interrogate learns the network: home ID, node list, then a node info
// request per node. Node info answers arrive asynchronously as
// application updates.
func (c *Controller) interrogate() {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	memData, err := c.call(ctx, FuncMemoryGetID, nil)
	if err != nil {
		c.logError("interrogation: memory id query failed", err)
		return
	}
	mem, err := ParseMemoryGetIDResponse(memData)
	if err != nil {
		c.logError("interrogation: memory id response invalid", err)
		return
	}

	c.infoMu.Lock()
	c.homeID = mem.HomeID
	c.ownNode = mem.OwnNodeID
	c.infoMu.Unlock()

	c.logInfo("network identity",
		"home_id", fmt.Sprintf("0x%08X", mem.HomeID),
		"own_node", mem.OwnNodeID,
	)

	initData, err := c.call(ctx, FuncSerialGetInitData, nil)
	if err != nil {
		c.logError("interrogation: init data query failed", err)
		return
	}
	nodeIDs, err := ParseInitDataResponse(initData)
	if err != nil {
		c.logError("interrogation: init data response invalid", err)
		return
	}

	c.logInfo("node bitmask received", "nodes", len(nodeIDs))

	for _, id := range nodeIDs {
		if c.isClosed() {
			return
		}

		node, created := c.nodes.GetOrCreate(id)
		if created {
			c.publishNodeEvent(EventNodeDiscovered, node.ID())
		}

		// The gateway does not answer node info requests about itself.
		if id == mem.OwnNodeID {
			continue
		}

		if err := c.RequestNodeInfo(id); err != nil {
			c.logError("interrogation: node info request failed", err, "node", id)
		}
	}
}

// publishNodeEvent emits a node lifecycle event if a notifier is set.
func (c *Controller) publishNodeEvent(kind EventKind, node NodeID) {
	if c.events == nil {
		return
	}
	c.events.Publish(Event{
		Kind:      kind,
		Node:      node,
		Timestamp: time.Now(),
	})
}

// handlerDeps builds the collaborator set for new handlers.
func (c *Controller) handlerDeps() HandlerDeps {
	return HandlerDeps{
		Events:    c.events,
		Requester: c,
		Logger:    controllerLogger{c: c},
	}
}

// receiveLoop continuously reads from the gateway. Single-byte tokens
// (ACK/NAK/CAN) are forwarded to the send loop; SOF frames are parsed,
// acknowledged on the wire, and dispatched.
// On connection loss, it automatically attempts reconnection with
// exponential backoff.
func (c *Controller) receiveLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		err := c.readAndDispatch()
		if err != nil {
			if c.handleReadError(err) {
				// Fatal error - attempt reconnection
				if c.isClosed() {
					return // Shutdown requested, exit cleanly
				}

				// Try to reconnect
				if !c.reconnect() {
					return // Shutdown during reconnection, exit cleanly
				}

				// Reconnection successful, continue receive loop
				continue
			}
			continue // Recoverable error, retry
		}
	}
}

// readAndDispatch reads one token or one complete SOF frame.
func (c *Controller) readAndDispatch() error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	var first [1]byte
	if _, err := io.ReadFull(conn, first[:]); err != nil {
		return fmt.Errorf("read: %w", err)
	}

	switch first[0] {
	case FrameACK, FrameNAK, FrameCAN:
		c.deliverToken(first[0])
		return nil

	case FrameSOF:
		return c.readFrame(conn)

	default:
		// Stray byte between frames: skip it and resynchronise on the
		// next SOF.
		c.errorsTotal.Add(1)
		c.logDebug("discarding stray byte", "byte", fmt.Sprintf("0x%02X", first[0]))
		return nil
	}
}

// readFrame reads the remainder of an SOF frame, verifies it, answers
// ACK or NAK on the wire, and dispatches the message.
func (c *Controller) readFrame(conn net.Conn) error {
	var lengthByte [1]byte
	if _, err := io.ReadFull(conn, lengthByte[:]); err != nil {
		return fmt.Errorf("read length: %w", err)
	}

	length := int(lengthByte[0])
	if length < serialLengthBase {
		c.errorsTotal.Add(1)
		c.writeToken(FrameNAK)
		c.logError("frame length below minimum", fmt.Errorf("length %d", length))
		return nil // Recoverable: next read resynchronises on SOF
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	raw := make([]byte, 0, 2+length)
	raw = append(raw, FrameSOF, lengthByte[0])
	raw = append(raw, body...)

	msg, err := ParseSerialMessage(raw)
	if err != nil {
		c.errorsTotal.Add(1)
		c.writeToken(FrameNAK)
		c.logError("invalid frame received", err)
		return nil // Recoverable
	}

	// Acknowledge receipt before processing.
	c.writeToken(FrameACK)
	c.lastActivity.Store(time.Now().Unix())

	c.dispatchMessage(msg)
	return nil
}

// deliverToken hands an ACK/NAK/CAN to the send loop. Tokens arriving
// with no transmit in flight are stale and dropped.
func (c *Controller) deliverToken(token byte) {
	select {
	case c.ackCh <- token:
	default:
		c.logDebug("unexpected token with no transmit in flight",
			"token", fmt.Sprintf("0x%02X", token))
	}
}

// writeToken writes a single framing byte (ACK or NAK).
func (c *Controller) writeToken(token byte) {
	conn := c.currentConn()
	if conn == nil {
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return
	}
	if _, err := conn.Write([]byte{token}); err != nil {
		c.errorsTotal.Add(1)
	}
}

// dispatchMessage routes one parsed serial message.
func (c *Controller) dispatchMessage(msg SerialMessage) {
	if msg.Type == MessageTypeResponse {
		if c.completePending(msg.Function, msg.Data) {
			return
		}

		// Unclaimed SendData response: the gateway telling us whether
		// the frame was accepted into its transmit queue.
		if msg.Function == FuncSendData {
			if len(msg.Data) >= 1 && msg.Data[0] == 0x00 {
				c.errorsTotal.Add(1)
				c.logWarn("gateway rejected send")
			}
			return
		}

		c.logDebug("unclaimed response", "function", fmt.Sprintf("0x%02X", msg.Function))
		return
	}

	switch msg.Function {
	case FuncApplicationCommandHandler:
		c.handleApplicationCommand(msg.Data)

	case FuncSendData:
		// Transmit-complete callback: [callbackID, txStatus].
		if len(msg.Data) >= 2 {
			c.deliverTxStatus(msg.Data[0], msg.Data[1])
			if msg.Data[1] != TransmitCompleteOK {
				c.errorsTotal.Add(1)
				c.logWarn("transmit failed at radio layer",
					"callback_id", msg.Data[0], "status", msg.Data[1])
			}
		}

	case FuncApplicationUpdate:
		c.handleApplicationUpdate(msg.Data)

	default:
		c.logDebug("unhandled serial function", "function", fmt.Sprintf("0x%02X", msg.Function))
	}
}

// completePending delivers a response to a waiting interrogation call.
func (c *Controller) completePending(function byte, data []byte) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[function]
	if ok {
		delete(c.pending, function)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}

	select {
	case ch <- data:
	default:
	}
	return true
}

// handleApplicationCommand processes an inbound command from a node.
func (c *Controller) handleApplicationCommand(data []byte) {
	frame, err := ParseApplicationCommand(data)
	if err != nil {
		c.logError("parse application command failed", err)
		c.errorsTotal.Add(1)
		return
	}

	c.framesRx.Add(1)

	// Queue frame for bounded worker pool (non-blocking with drop on overflow)
	select {
	case c.callbackQueue <- frame:
		// Queued successfully
	default:
		// Queue full, drop frame to prevent memory exhaustion
		c.logError("callback queue full, dropping frame", nil)
		c.framesDropped.Add(1)
		c.errorsTotal.Add(1)
	}
}

// handleApplicationUpdate processes a node info broadcast: device class
// and command class list, from which the node's handlers are created.
func (c *Controller) handleApplicationUpdate(data []byte) {
	info, ok, err := ParseApplicationUpdate(data)
	if err != nil {
		c.logError("parse application update failed", err)
		c.errorsTotal.Add(1)
		return
	}
	if !ok {
		if len(data) >= 1 && data[0] == ApplicationUpdateNodeInfoFailed {
			c.logWarn("node info request failed, node did not answer")
		}
		return
	}

	node, created := c.nodes.GetOrCreate(info.Node)
	node.SetDeviceClass(DeviceClass{
		Basic:    info.BasicClass,
		Generic:  info.GenericClass,
		Specific: info.SpecificClass,
	})
	node.SetSupported(info.CommandClasses, c.handlerDeps())
	node.Touch()

	if created {
		c.publishNodeEvent(EventNodeDiscovered, node.ID())
	}

	c.logInfo("node interrogated",
		"node", info.Node,
		"device_class", node.DeviceClass().String(),
		"command_classes", len(info.CommandClasses),
	)
}

// callbackWorker processes frames from the callback queue.
// Runs in a bounded worker pool to prevent goroutine explosion.
func (c *Controller) callbackWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			// Drain any remaining items (best-effort, non-blocking)
			c.drainCallbackQueue()
			return
		case frame := <-c.callbackQueue:
			c.processFrame(frame)
		}
	}
}

// processFrame runs the observer callback and routes the frame to the
// owning node's handler.
func (c *Controller) processFrame(frame Frame) {
	c.callbackMu.RLock()
	callback := c.onFrame
	c.callbackMu.RUnlock()

	if callback != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logError("frame callback panic", fmt.Errorf("%v", r))
				}
			}()
			callback(frame)
		}()
	}

	node, created := c.nodes.GetOrCreate(frame.Node)
	node.Touch()
	if created {
		// A node we never saw in the bitmask is talking to us: track it
		// and ask who it is.
		c.logInfo("frame from unknown node, requesting node info", "node", frame.Node)
		c.publishNodeEvent(EventNodeDiscovered, frame.Node)
		if err := c.RequestNodeInfo(frame.Node); err != nil {
			c.logError("node info request failed", err, "node", frame.Node)
		}
	}

	handler, ok := node.Handler(frame.CommandClass)
	if !ok {
		if frame.CommandClass.Known() {
			c.logDebug("command class known but not handled, dropping frame",
				"node", frame.Node, "command_class", frame.CommandClass.String())
		} else {
			c.logWarn("unsupported command class, dropping frame",
				"node", frame.Node, "command_class", frame.CommandClass.String())
		}
		return
	}

	handler.HandleCommand(frame.Command, frame.Payload, frame.Endpoint)
}

// handleReadError processes a read error and returns true if the loop should stop.
func (c *Controller) handleReadError(err error) bool {
	if err == nil {
		return false // No error, continue
	}

	if c.isClosed() {
		return true // Clean shutdown
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false // Timeout is normal, continue
	}

	if errors.Is(err, ErrNotConnected) {
		return true // No connection, reconnect
	}

	c.logError("read failed", err)
	c.errorsTotal.Add(1)
	c.handleDisconnect()
	return true // Fatal error, stop
}

// handleDisconnect handles connection loss and triggers reconnection.
func (c *Controller) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection")
	}
}

// reconnect attempts to re-establish the gateway connection with
// exponential backoff.
// Returns true if reconnection succeeded, false if shutdown was signalled.
func (c *Controller) reconnect() bool {
	// Prevent multiple concurrent reconnection attempts
	if !c.reconnecting.CompareAndSwap(false, true) {
		return c.waitForReconnection()
	}
	defer c.reconnecting.Store(false)

	// Parse connection URL once
	network, address, err := parseConnectionURL(c.cfg.Connection)
	if err != nil {
		c.logError("reconnect: invalid connection URL", err)
		return false
	}

	backoff := c.cfg.ReconnectInterval
	if backoff == 0 {
		backoff = defaultReconnectInterval
	}

	for {
		if c.isClosed() {
			return false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		c.closeOldConnection()

		conn, err := c.dialWithTimeout(network, address)
		if err != nil {
			backoff = c.handleReconnectFailure("dial failed", err, backoff)
			if backoff == 0 {
				return false // Shutdown signalled
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connected = true
		c.connMu.Unlock()

		c.finalizeReconnection()
		return true
	}
}

// waitForReconnection waits for another goroutine to complete reconnection.
func (c *Controller) waitForReconnection() bool {
	for c.reconnecting.Load() && !c.isClosed() {
		time.Sleep(100 * time.Millisecond)
	}
	return !c.isClosed() && c.IsConnected()
}

// closeOldConnection closes the existing connection if any.
func (c *Controller) closeOldConnection() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// dialWithTimeout attempts to dial the network address with timeout.
func (c *Controller) dialWithTimeout(network, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s: %w", network, address, err)
	}
	return conn, nil
}

// handleReconnectFailure handles a failed reconnection attempt.
// Returns the new backoff duration, or 0 if shutdown was signalled.
func (c *Controller) handleReconnectFailure(reason string, err error, backoff time.Duration) time.Duration {
	c.logError("reconnect: "+reason, err)
	c.errorsTotal.Add(1)

	select {
	case <-c.done.Done():
		return 0 // Signal shutdown
	case <-time.After(backoff):
	}

	// Exponential backoff with cap
	newBackoff := time.Duration(float64(backoff) * 1.5)
	if newBackoff > maxReconnectInterval {
		newBackoff = maxReconnectInterval
	}
	return newBackoff
}

// finalizeReconnection marks the connection as established and updates stats.
func (c *Controller) finalizeReconnection() {
	c.reconnectCount.Store(0)
	c.reconnectsTotal.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
}

// drainCallbackQueue removes and discards any remaining items from the callback queue.
// Called during shutdown to prevent goroutines from blocking on send.
func (c *Controller) drainCallbackQueue() {
	for {
		select {
		case <-c.callbackQueue:
			// Discard item
		default:
			return // Queue is empty
		}
	}
}

// isClosed returns true if the controller has been closed.
func (c *Controller) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// currentConn returns the live connection, or nil while disconnected.
func (c *Controller) currentConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if !c.connected {
		return nil
	}
	return c.conn
}

// Close gracefully shuts the controller down.
//
// It signals all loops to stop and closes the underlying network
// connection. Safe to call multiple times (uses sync.Once).
//
// Returns:
//   - error: nil (closing is best-effort)
func (c *Controller) Close() error {
	// Signal shutdown (safe to call multiple times via sync.Once)
	c.done.Close()

	// Mark disconnected
	c.connMu.Lock()
	c.connected = false
	conn := c.conn
	c.connMu.Unlock()

	// Close connection (this will unblock any pending reads)
	if conn != nil {
		conn.Close()
	}

	// Wait for all goroutines to finish
	c.wg.Wait()

	c.logInfo("controller closed")
	return nil
}

// Send queues a command frame for transmission.
//
// The frame is ordered by its priority; frames of equal priority leave
// in submission order. Delivery is asynchronous: a nil return means
// queued, not transmitted.
//
// Parameters:
//   - ctx: Context for cancellation (checked at submission)
//   - f: Frame to send
//
// Returns:
//   - error: ErrNotConnected, ErrQueueFull, ErrInvalidAddress,
//     ErrInvalidFrame, or a context error
func (c *Controller) Send(ctx context.Context, f Frame) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if !f.Node.Valid() {
		return fmt.Errorf("%w: node %d", ErrInvalidAddress, f.Node)
	}
	if len(f.Payload) > maxFramePayload {
		return fmt.Errorf("%w: payload %d bytes exceeds %d",
			ErrInvalidFrame, len(f.Payload), maxFramePayload)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	c.queueMu.Lock()
	if len(c.queue) >= c.cfg.SendQueueSize {
		c.queueMu.Unlock()
		c.framesDropped.Add(1)
		return fmt.Errorf("%w: %d frames queued", ErrQueueFull, c.cfg.SendQueueSize)
	}

	callbackID := c.nextCallbackIDLocked()
	c.queueSeq++
	item := &sendItem{
		seq:      c.queueSeq,
		priority: f.Priority,
		message:  EncodeSerialMessage(MessageTypeRequest, FuncSendData, EncodeSendData(f, callbackID)),
		desc:     fmt.Sprintf("node %d %s cmd 0x%02X", f.Node, f.CommandClass, f.Command),
	}
	heap.Push(&c.queue, item)
	c.queueMu.Unlock()

	c.wakeSendLoop()
	return nil
}

// nextCallbackIDLocked returns the next rolling callback ID, skipping
// zero. Caller holds queueMu.
func (c *Controller) nextCallbackIDLocked() byte {
	c.nextCallbackID++
	if c.nextCallbackID == 0 {
		c.nextCallbackID = 1
	}
	return c.nextCallbackID
}

// enqueueControl queues a bare serial API request (no SendData wrapper)
// at immediate priority. Control messages bypass the queue size cap so
// interrogation cannot be starved by a full frame queue.
func (c *Controller) enqueueControl(function byte, data []byte, desc string) {
	c.queueMu.Lock()
	c.queueSeq++
	item := &sendItem{
		seq:      c.queueSeq,
		priority: PriorityImmediate,
		message:  EncodeSerialMessage(MessageTypeRequest, function, data),
		desc:     desc,
	}
	heap.Push(&c.queue, item)
	c.queueMu.Unlock()

	c.wakeSendLoop()
}

// wakeSendLoop nudges the send loop without blocking.
func (c *Controller) wakeSendLoop() {
	select {
	case c.queueWake <- struct{}{}:
	default:
	}
}

// call sends a serial API request and waits for the matching response.
// Used by the interrogation sequence; one call per function may be in
// flight at a time.
func (c *Controller) call(ctx context.Context, function byte, data []byte) ([]byte, error) {
	respCh := make(chan []byte, 1)

	c.pendingMu.Lock()
	if _, exists := c.pending[function]; exists {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: call already in flight for function 0x%02X",
			ErrSendFailed, function)
	}
	c.pending[function] = respCh
	c.pendingMu.Unlock()

	c.enqueueControl(function, data, fmt.Sprintf("control 0x%02X", function))

	timer := time.NewTimer(defaultResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.cancelPending(function)
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-timer.C:
		c.cancelPending(function)
		return nil, fmt.Errorf("%w: no response for function 0x%02X", ErrTimeout, function)
	case <-c.done.Done():
		c.cancelPending(function)
		return nil, ErrNotConnected
	}
}

// cancelPending removes a response registration after timeout.
func (c *Controller) cancelPending(function byte) {
	c.pendingMu.Lock()
	delete(c.pending, function)
	c.pendingMu.Unlock()
}

// sendLoop transmits queued messages one at a time, waiting for the
// gateway's ACK after each write and retrying on NAK, CAN or timeout.
func (c *Controller) sendLoop() {
	defer c.wg.Done()

	for {
		item := c.popItem()
		if item == nil {
			select {
			case <-c.done.Done():
				return
			case <-c.queueWake:
				continue
			}
		}

		c.transmit(item)
	}
}

// popItem removes the highest-priority item, or nil if the queue is empty.
func (c *Controller) popItem() *sendItem {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) == 0 {
		return nil
	}
	return heap.Pop(&c.queue).(*sendItem)
}

// transmit writes one message and waits for the gateway ACK, retrying
// a bounded number of times.
func (c *Controller) transmit(item *sendItem) {
	for attempt := 1; attempt <= transmitAttempts; attempt++ {
		if c.isClosed() {
			return
		}

		conn := c.currentConn()
		if conn == nil {
			// Disconnected mid-queue: drop, the device state will be
			// re-polled after reconnection.
			c.framesFailed.Add(1)
			c.logWarn("dropping queued message, not connected", "message", item.desc)
			return
		}

		c.drainTokens()

		if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
			c.errorsTotal.Add(1)
			continue
		}
		if _, err := conn.Write(item.message); err != nil {
			c.errorsTotal.Add(1)
			c.logError("write failed", err, "message", item.desc)
			c.handleDisconnect()
			return
		}

		switch c.awaitToken() {
		case FrameACK:
			c.framesTx.Add(1)
			c.lastActivity.Store(time.Now().Unix())
			return

		case FrameNAK, FrameCAN:
			c.framesRetried.Add(1)
			c.logWarn("gateway refused message, retrying",
				"message", item.desc, "attempt", attempt)
			time.Sleep(retransmitDelay)

		default: // timeout
			c.framesRetried.Add(1)
			c.logWarn("no gateway ACK, retrying", "message", item.desc, "attempt", attempt)
		}
	}

	c.framesFailed.Add(1)
	c.errorsTotal.Add(1)
	c.logError("message dropped after repeated transmit failures", nil, "message", item.desc)
}

// drainTokens discards stale tokens left over from a previous exchange.
func (c *Controller) drainTokens() {
	for {
		select {
		case <-c.ackCh:
			// Discard stale token
		default:
			return
		}
	}
}

// awaitToken waits for an ACK/NAK/CAN token, returning 0 on timeout.
func (c *Controller) awaitToken() byte {
	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case token := <-c.ackCh:
		return token
	case <-timer.C:
		return 0
	case <-c.done.Done():
		return 0
	}
}

// RequestValue asks a node for its current value, preferring the most
// specific handler the node has. Fire and forget: the answer arrives as
// an ordinary report frame.
//
// Used for read-backs after untrustworthy reports and for polling.
func (c *Controller) RequestValue(node NodeID, endpoint Endpoint) {
	n, ok := c.nodes.Get(node)
	if !ok {
		c.logWarn("value request for unknown node", "node", node)
		return
	}

	var frame Frame
	if h, ok := n.Handler(CommandClassSwitchMultilevel); ok {
		frame = h.(*SwitchMultilevelHandler).BuildGet()
	} else if h, ok := n.Handler(CommandClassSwitchBinary); ok {
		frame = h.(*SwitchBinaryHandler).BuildGet()
	} else if h, ok := n.Handler(CommandClassBasic); ok {
		frame = h.(*BasicHandler).BuildGet()
	} else {
		frame = NewRequestFrame(node, CommandClassBasic, basicGet, nil, PriorityGet)
	}
	frame.Endpoint = endpoint

	if err := c.Send(context.Background(), frame); err != nil {
		c.logError("value request failed", err, "node", node)
	}
}

// RequestNodeInfo asks a node to broadcast its capability summary. The
// answer arrives asynchronously as an application update.
func (c *Controller) RequestNodeInfo(node NodeID) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if !node.Valid() {
		return fmt.Errorf("%w: node %d", ErrInvalidAddress, node)
	}

	c.enqueueControl(FuncRequestNodeInfo, []byte{byte(node)},
		fmt.Sprintf("node info request for %d", node))
	return nil
}

// SetOnFrame sets the observer callback for received command frames.
//
// The callback runs before handler dispatch on the worker pool; panics
// are recovered and logged.
func (c *Controller) SetOnFrame(callback func(Frame)) {
	c.callbackMu.Lock()
	c.onFrame = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this controller.
func (c *Controller) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Nodes returns the controller's node table.
func (c *Controller) Nodes() *NodeTable {
	return c.nodes
}

// Version returns the gateway's self-reported firmware identity.
func (c *Controller) Version() VersionInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.apiVersion
}

// HomeID returns the network's home ID (zero until interrogated).
func (c *Controller) HomeID() uint32 {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.homeID
}

// OwnNodeID returns the gateway's node ID (zero until interrogated).
func (c *Controller) OwnNodeID() NodeID {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.ownNode
}

// IsConnected returns true if connected to the gateway.
func (c *Controller) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Controller) Stats() ControllerStats {
	c.queueMu.Lock()
	depth := len(c.queue)
	c.queueMu.Unlock()

	c.infoMu.RLock()
	homeID := c.homeID
	ownNode := c.ownNode
	c.infoMu.RUnlock()

	return ControllerStats{
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		FramesDropped:   c.framesDropped.Load(),
		FramesFailed:    c.framesFailed.Load(),
		FramesRetried:   c.framesRetried.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		QueueDepth:      depth,
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
		HomeID:          homeID,
		OwnNodeID:       ownNode,
		NodeCount:       c.nodes.Count(),
	}
}

// HealthCheck verifies the connection is alive.
//
// Note: this only checks connection state. For active verification use
// PingNode, which exercises the full path out to a mesh node.
func (c *Controller) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// PingNode sends a no-operation frame to a node and waits for the
// radio-layer transmit callback. A nil return means the node
// acknowledged the frame, which proves the serial link, the stick's
// radio and the mesh route to that node are all working.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - node: Target node ID
//
// Returns:
//   - error: ErrNotConnected, ErrInvalidAddress, ErrQueueFull,
//     ErrSendFailed if the radio reports no acknowledgement, or
//     ErrTimeout wrapping the context error
func (c *Controller) PingNode(ctx context.Context, node NodeID) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if !node.Valid() {
		return fmt.Errorf("%w: node %d", ErrInvalidAddress, node)
	}

	f := NewNoOpFrame(node)

	// Queue the frame manually so the callback ID is known before the
	// send loop can transmit it.
	c.queueMu.Lock()
	if len(c.queue) >= c.cfg.SendQueueSize {
		c.queueMu.Unlock()
		c.framesDropped.Add(1)
		return fmt.Errorf("%w: %d frames queued", ErrQueueFull, c.cfg.SendQueueSize)
	}

	callbackID := c.nextCallbackIDLocked()
	statusCh := c.registerTxWaiter(callbackID)

	c.queueSeq++
	item := &sendItem{
		seq:      c.queueSeq,
		priority: f.Priority,
		message:  EncodeSerialMessage(MessageTypeRequest, FuncSendData, EncodeSendData(f, callbackID)),
		desc:     fmt.Sprintf("ping node %d", node),
	}
	heap.Push(&c.queue, item)
	c.queueMu.Unlock()

	c.wakeSendLoop()
	defer c.releaseTxWaiter(callbackID)

	select {
	case status := <-statusCh:
		if status != TransmitCompleteOK {
			return fmt.Errorf("%w: node %d transmit status 0x%02X",
				ErrSendFailed, node, status)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-c.done.Done():
		return ErrNotConnected
	}
}

// registerTxWaiter creates a transmit-status channel for a callback ID.
func (c *Controller) registerTxWaiter(callbackID byte) chan byte {
	ch := make(chan byte, 1)
	c.txMu.Lock()
	c.txWaiters[callbackID] = ch
	c.txMu.Unlock()
	return ch
}

// releaseTxWaiter removes a transmit-status registration.
func (c *Controller) releaseTxWaiter(callbackID byte) {
	c.txMu.Lock()
	delete(c.txWaiters, callbackID)
	c.txMu.Unlock()
}

// deliverTxStatus hands a transmit-complete status to its waiter, if
// one is registered for the callback ID.
func (c *Controller) deliverTxStatus(callbackID, status byte) {
	c.txMu.Lock()
	ch, ok := c.txWaiters[callbackID]
	c.txMu.Unlock()

	if !ok {
		return
	}
	select {
	case ch <- status:
	default:
	}
}

// logDebug logs a debug message if logger is set.
func (c *Controller) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if logger is set.
func (c *Controller) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (c *Controller) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Controller) logError(msg string, err error, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		kv := append([]any{"error", err}, keysAndValues...)
		logger.Error(msg, kv...)
	}
}

func (c *Controller) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// sendItem is one queued message with its ordering keys.
type sendItem struct {
	seq      uint64
	priority Priority
	message  []byte
	desc     string
}

// frameHeap orders send items by priority, then submission order.
type frameHeap []*sendItem

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) {
	*h = append(*h, x.(*sendItem))
}

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
