package zwave

import (
	"container/heap"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{
			name:        "unix socket",
			url:         "unix:///run/zwgate",
			wantNetwork: "unix",
			wantAddress: "/run/zwgate",
		},
		{
			name:        "unix socket with var run",
			url:         "unix:///var/run/zwgate",
			wantNetwork: "unix",
			wantAddress: "/var/run/zwgate",
		},
		{
			name:        "tcp with host and port",
			url:         "tcp://localhost:3333",
			wantNetwork: "tcp",
			wantAddress: "localhost:3333",
		},
		{
			name:        "tcp with IP",
			url:         "tcp://192.168.1.100:3333",
			wantNetwork: "tcp",
			wantAddress: "192.168.1.100:3333",
		},
		{
			name:        "tcp without host defaults",
			url:         "tcp://",
			wantNetwork: "tcp",
			wantAddress: "localhost:3333",
		},
		{
			name:    "unsupported scheme",
			url:     "http://localhost:3333",
			wantErr: true,
		},
		{
			name:    "invalid URL",
			url:     "://invalid",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, address, err := parseConnectionURL(tt.url)

			if tt.wantErr {
				if err == nil {
					t.Error("parseConnectionURL() expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Errorf("parseConnectionURL() unexpected error: %v", err)
				return
			}

			if network != tt.wantNetwork {
				t.Errorf("network = %q, want %q", network, tt.wantNetwork)
			}
			if address != tt.wantAddress {
				t.Errorf("address = %q, want %q", address, tt.wantAddress)
			}
		})
	}
}

func TestControllerConfigDefaults(t *testing.T) {
	// Defaults are applied inside Connect; verify the constants they
	// come from.
	if defaultConnectTimeout != 10*time.Second {
		t.Errorf("defaultConnectTimeout = %v, want 10s", defaultConnectTimeout)
	}
	if defaultReadTimeout != 30*time.Second {
		t.Errorf("defaultReadTimeout = %v, want 30s", defaultReadTimeout)
	}
	if defaultReconnectInterval != 5*time.Second {
		t.Errorf("defaultReconnectInterval = %v, want 5s", defaultReconnectInterval)
	}
	if defaultAckTimeout != 1*time.Second {
		t.Errorf("defaultAckTimeout = %v, want 1s", defaultAckTimeout)
	}
	if defaultSendQueueSize != 64 {
		t.Errorf("defaultSendQueueSize = %d, want 64", defaultSendQueueSize)
	}
	if transmitAttempts != 3 {
		t.Errorf("transmitAttempts = %d, want 3", transmitAttempts)
	}
}

func TestControllerStats(t *testing.T) {
	// Create a controller without connecting to test stats
	c := &Controller{
		done:  newCloseOnce(),
		nodes: NewNodeTable(),
	}
	c.lastActivity.Store(time.Now().Unix())

	// Initial stats should be zero
	stats := c.Stats()
	if stats.FramesTx != 0 {
		t.Errorf("FramesTx = %d, want 0", stats.FramesTx)
	}
	if stats.FramesRx != 0 {
		t.Errorf("FramesRx = %d, want 0", stats.FramesRx)
	}
	if stats.ErrorsTotal != 0 {
		t.Errorf("ErrorsTotal = %d, want 0", stats.ErrorsTotal)
	}
	if stats.QueueDepth != 0 {
		t.Errorf("QueueDepth = %d, want 0", stats.QueueDepth)
	}
	if stats.NodeCount != 0 {
		t.Errorf("NodeCount = %d, want 0", stats.NodeCount)
	}
	if stats.Connected {
		t.Error("Connected = true, want false")
	}

	// Simulate activity
	c.framesTx.Add(5)
	c.framesRx.Add(10)
	c.errorsTotal.Add(2)
	c.nodes.GetOrCreate(12)
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	stats = c.Stats()
	if stats.FramesTx != 5 {
		t.Errorf("FramesTx = %d, want 5", stats.FramesTx)
	}
	if stats.FramesRx != 10 {
		t.Errorf("FramesRx = %d, want 10", stats.FramesRx)
	}
	if stats.ErrorsTotal != 2 {
		t.Errorf("ErrorsTotal = %d, want 2", stats.ErrorsTotal)
	}
	if stats.NodeCount != 1 {
		t.Errorf("NodeCount = %d, want 1", stats.NodeCount)
	}
	if !stats.Connected {
		t.Error("Connected = false, want true")
	}
}

func TestControllerIsConnected(t *testing.T) {
	c := &Controller{
		done: newCloseOnce(),
	}

	if c.IsConnected() {
		t.Error("IsConnected() = true, want false (initial)")
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	if !c.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if c.IsConnected() {
		t.Error("IsConnected() = true, want false (after disconnect)")
	}
}

func TestControllerSetOnFrame(t *testing.T) {
	c := &Controller{
		done: newCloseOnce(),
	}

	callback := func(_ Frame) {
		// Callback set for testing
	}

	c.SetOnFrame(callback)

	c.callbackMu.RLock()
	if c.onFrame == nil {
		t.Error("onFrame callback not set")
	}
	c.callbackMu.RUnlock()
}

func TestControllerHealthCheck(t *testing.T) {
	c := &Controller{
		done: newCloseOnce(),
	}

	// Not connected should return error
	err := c.HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}

	// Mark connected
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	err = c.HealthCheck(context.Background())
	if err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}
}

func TestControllerSendNotConnected(t *testing.T) {
	c := &Controller{
		done: newCloseOnce(),
	}

	f := NewRequestFrame(12, CommandClassBasic, basicSet, []byte{0xFF}, PrioritySet)
	err := c.Send(context.Background(), f)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}

	err = c.RequestNodeInfo(12)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("RequestNodeInfo() = %v, want ErrNotConnected", err)
	}
}

func TestControllerSendValidation(t *testing.T) {
	c := &Controller{
		done:      newCloseOnce(),
		nodes:     NewNodeTable(),
		queueWake: make(chan struct{}, 1),
		cfg:       ControllerConfig{SendQueueSize: 2},
	}
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	// Node zero is never a valid destination.
	bad := Frame{Node: 0, CommandClass: CommandClassBasic, Command: basicSet}
	if err := c.Send(context.Background(), bad); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Send(node 0) = %v, want ErrInvalidAddress", err)
	}

	// A payload the length byte cannot describe is rejected.
	oversize := NewRequestFrame(12, CommandClassBasic, basicSet, make([]byte, 254), PrioritySet)
	if err := c.Send(context.Background(), oversize); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Send(oversize payload) = %v, want ErrInvalidFrame", err)
	}

	// A cancelled context is rejected at submission.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewRequestFrame(12, CommandClassBasic, basicSet, []byte{0xFF}, PrioritySet)
	if err := c.Send(ctx, f); !errors.Is(err, ErrSendFailed) {
		t.Errorf("Send(cancelled ctx) = %v, want ErrSendFailed", err)
	}

	if err := c.RequestNodeInfo(0); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("RequestNodeInfo(0) = %v, want ErrInvalidAddress", err)
	}

	// No send loop is running, so accepted frames stay queued and the
	// cap kicks in.
	for i := 0; i < 2; i++ {
		if err := c.Send(context.Background(), f); err != nil {
			t.Fatalf("Send() #%d error: %v", i+1, err)
		}
	}
	if err := c.Send(context.Background(), f); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Send(full queue) = %v, want ErrQueueFull", err)
	}

	stats := c.Stats()
	if stats.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", stats.QueueDepth)
	}
	if stats.FramesDropped != 1 {
		t.Errorf("FramesDropped = %d, want 1", stats.FramesDropped)
	}
}

func TestFrameHeapOrdering(t *testing.T) {
	var h frameHeap

	push := func(seq uint64, priority Priority) {
		heap.Push(&h, &sendItem{seq: seq, priority: priority})
	}

	push(1, PriorityPoll)
	push(2, PrioritySet)
	push(3, PriorityImmediate)
	push(4, PrioritySet)
	push(5, PriorityGet)

	// Highest priority first; equal priorities keep submission order.
	wantSeq := []uint64{3, 5, 2, 4, 1}
	for i, want := range wantSeq {
		item := heap.Pop(&h).(*sendItem)
		if item.seq != want {
			t.Errorf("pop #%d: seq = %d, want %d", i, item.seq, want)
		}
	}
	if h.Len() != 0 {
		t.Errorf("heap not empty after pops: %d items", h.Len())
	}
}

func TestNextCallbackIDSkipsZero(t *testing.T) {
	c := &Controller{
		done: newCloseOnce(),
	}

	if got := c.nextCallbackIDLocked(); got != 1 {
		t.Errorf("first callback ID = %d, want 1", got)
	}

	// Run past the rollover and verify zero is never issued.
	seen := make(map[byte]bool)
	for i := 0; i < 510; i++ {
		id := c.nextCallbackIDLocked()
		if id == 0 {
			t.Fatal("callback ID rolled to zero")
		}
		seen[id] = true
	}
	if len(seen) != 255 {
		t.Errorf("distinct callback IDs = %d, want 255", len(seen))
	}
}

func TestCloseOnceIdempotent(t *testing.T) {
	co := newCloseOnce()

	select {
	case <-co.Done():
		t.Fatal("Done() closed before Close()")
	default:
	}

	co.Close()
	co.Close() // Second close must not panic

	select {
	case <-co.Done():
	default:
		t.Error("Done() not closed after Close()")
	}
}

// MockGatewayServer simulates a serial API gateway behind a TCP socket.
// It ACKs every well-formed frame, answers the version handshake and
// the interrogation queries, and reports nodes 1 (itself), 12 and 40
// in its node bitmask.
type MockGatewayServer struct {
	listener net.Listener
	conn     net.Conn
	received []SerialMessage
	mute     bool
	txStatus byte
	mu       sync.Mutex
	writeMu  sync.Mutex
	done     chan struct{}
}

// NewMockGatewayServer creates a mock gateway listening on loopback.
func NewMockGatewayServer(t *testing.T) *MockGatewayServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	server := &MockGatewayServer{
		listener: listener,
		txStatus: TransmitCompleteOK,
		done:     make(chan struct{}),
	}

	go server.acceptLoop(t)
	return server
}

func (s *MockGatewayServer) acceptLoop(t *testing.T) {
	conn, err := s.listener.Accept()
	if err != nil {
		select {
		case <-s.done:
			return
		default:
			t.Logf("Accept error: %v", err)
		}
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.serve(t, conn)
}

// serve reads tokens and SOF frames from the client, recording and
// answering each frame.
func (s *MockGatewayServer) serve(t *testing.T, conn net.Conn) {
	var first [1]byte
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, err := io.ReadFull(conn, first[:]); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		switch first[0] {
		case FrameACK, FrameNAK, FrameCAN:
			// The client acknowledging one of our frames.
			continue
		case FrameSOF:
		default:
			continue
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var lengthByte [1]byte
		if _, err := io.ReadFull(conn, lengthByte[:]); err != nil {
			return
		}
		body := make([]byte, lengthByte[0])
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		raw := append([]byte{FrameSOF, lengthByte[0]}, body...)
		msg, err := ParseSerialMessage(raw)
		if err != nil {
			t.Logf("mock gateway: bad frame: %v", err)
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		mute := s.mute
		s.mu.Unlock()

		s.write([]byte{FrameACK})
		if !mute {
			s.respond(msg)
		}
	}
}

// respond answers one client request the way a real gateway would.
func (s *MockGatewayServer) respond(msg SerialMessage) {
	if msg.Type != MessageTypeRequest {
		return
	}

	switch msg.Function {
	case FuncGetVersion:
		version := make([]byte, 12)
		copy(version, "Z-Wave 3.95")
		s.write(EncodeSerialMessage(MessageTypeResponse, FuncGetVersion, append(version, 0x01)))

	case FuncMemoryGetID:
		// Home ID 0x016A2EBF, own node 1.
		s.write(EncodeSerialMessage(MessageTypeResponse, FuncMemoryGetID,
			[]byte{0x01, 0x6A, 0x2E, 0xBF, 0x01}))

	case FuncSerialGetInitData:
		data := make([]byte, 3+nodeBitmaskLength+2)
		data[0] = 0x05
		data[2] = nodeBitmaskLength
		data[3] = 0x01 // node 1
		data[4] = 0x08 // node 12
		data[7] = 0x80 // node 40
		data[3+nodeBitmaskLength] = 0x05
		s.write(EncodeSerialMessage(MessageTypeResponse, FuncSerialGetInitData, data))

	case FuncSendData:
		// Accepted into the transmit queue, then the radio callback.
		s.write(EncodeSerialMessage(MessageTypeResponse, FuncSendData, []byte{0x01}))
		if n := len(msg.Data); n >= 2 {
			s.mu.Lock()
			status := s.txStatus
			s.mu.Unlock()
			s.write(EncodeSerialMessage(MessageTypeRequest, FuncSendData,
				[]byte{msg.Data[n-1], status}))
		}

	case FuncRequestNodeInfo:
		s.write(EncodeSerialMessage(MessageTypeResponse, FuncRequestNodeInfo, []byte{0x01}))
	}
}

// write serialises writes to the client connection.
func (s *MockGatewayServer) write(b []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.Write(b)
}

func (s *MockGatewayServer) Address() string {
	return s.listener.Addr().String()
}

func (s *MockGatewayServer) Close() {
	close(s.done)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.listener.Close()
}

// SetMute controls whether the server answers requests. A muted server
// still ACKs frames, imitating a gateway that went unresponsive.
func (s *MockGatewayServer) SetMute(mute bool) {
	s.mu.Lock()
	s.mute = mute
	s.mu.Unlock()
}

// SetTxStatus sets the radio transmit status reported in SendData
// callbacks, imitating a node that stopped acknowledging.
func (s *MockGatewayServer) SetTxStatus(status byte) {
	s.mu.Lock()
	s.txStatus = status
	s.mu.Unlock()
}

// Received returns a copy of all frames received so far.
func (s *MockGatewayServer) Received() []SerialMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SerialMessage, len(s.received))
	copy(out, s.received)
	return out
}

// ReceivedFunc returns received requests for one function.
func (s *MockGatewayServer) ReceivedFunc(function byte) []SerialMessage {
	var out []SerialMessage
	for _, msg := range s.Received() {
		if msg.Function == function && msg.Type == MessageTypeRequest {
			out = append(out, msg)
		}
	}
	return out
}

// WaitFor polls until a request for the given function arrives.
func (s *MockGatewayServer) WaitFor(t *testing.T, function byte, timeout time.Duration) SerialMessage {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msgs := s.ReceivedFunc(function)
		if len(msgs) > 0 {
			return msgs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for function 0x%02X", function)
	return SerialMessage{}
}

// SendCommandFrame delivers an inbound command frame to the client.
func (s *MockGatewayServer) SendCommandFrame(t *testing.T, f Frame) {
	t.Helper()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("No connection to send frame")
	}

	data := append([]byte{0x00}, f.Encode()...)
	s.write(EncodeSerialMessage(MessageTypeRequest, FuncApplicationCommandHandler, data))
}

// SendNodeInfo delivers a node info broadcast to the client.
func (s *MockGatewayServer) SendNodeInfo(t *testing.T, node NodeID, basic, generic, specific byte, classes []CommandClassCode) {
	t.Helper()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("No connection to send node info")
	}

	data := []byte{ApplicationUpdateNodeInfoReceived, byte(node), byte(3 + len(classes)), basic, generic, specific}
	for _, cc := range classes {
		data = append(data, byte(cc))
	}
	s.write(EncodeSerialMessage(MessageTypeRequest, FuncApplicationUpdate, data))
}

func testGatewayConfig(server *MockGatewayServer) ControllerConfig {
	return ControllerConfig{
		Connection:     "tcp://" + server.Address(),
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    1 * time.Second,
		AckTimeout:     500 * time.Millisecond,
	}
}

func TestControllerConnectAndSend(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	client, err := Connect(ctx, testGatewayConfig(server), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}

	// The handshake captured the gateway's identity.
	version := client.Version()
	if version.Version != "Z-Wave 3.95" {
		t.Errorf("Version = %q, want %q", version.Version, "Z-Wave 3.95")
	}
	if version.LibraryType != 0x01 {
		t.Errorf("LibraryType = 0x%02X, want 0x01", version.LibraryType)
	}

	// Send a command frame
	f := NewRequestFrame(12, CommandClassSwitchMultilevel, switchMultilevelSet, []byte{50}, PrioritySet)
	if err := client.Send(ctx, f); err != nil {
		t.Errorf("Send() error: %v", err)
	}

	msg := server.WaitFor(t, FuncSendData, 2*time.Second)
	want := []byte{12, 3, byte(CommandClassSwitchMultilevel), switchMultilevelSet, 50}
	if len(msg.Data) != len(want)+2 {
		t.Fatalf("SendData payload = %d bytes, want %d", len(msg.Data), len(want)+2)
	}
	for i, b := range want {
		if msg.Data[i] != b {
			t.Errorf("SendData byte %d = 0x%02X, want 0x%02X", i, msg.Data[i], b)
		}
	}
	if msg.Data[len(want)] != DefaultTransmitOptions {
		t.Errorf("transmit options = 0x%02X, want 0x%02X",
			msg.Data[len(want)], DefaultTransmitOptions)
	}
	if msg.Data[len(want)+1] == 0 {
		t.Error("callback ID = 0, want non-zero")
	}

	if stats := client.Stats(); stats.FramesTx < 1 {
		t.Errorf("FramesTx = %d, want at least 1", stats.FramesTx)
	}
}

func TestControllerReceiveFrame(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	client, err := Connect(context.Background(), testGatewayConfig(server), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	// Set up callback
	received := make(chan Frame, 1)
	client.SetOnFrame(func(f Frame) {
		received <- f
	})

	// Give time for receive loop to start
	time.Sleep(50 * time.Millisecond)

	inbound := Frame{
		Node:         40,
		CommandClass: CommandClassSwitchBinary,
		Command:      switchBinaryReport,
		Payload:      []byte{0xFF},
	}
	server.SendCommandFrame(t, inbound)

	select {
	case got := <-received:
		if got.Node != 40 {
			t.Errorf("Node = %d, want 40", got.Node)
		}
		if got.CommandClass != CommandClassSwitchBinary {
			t.Errorf("CommandClass = %v, want switch_binary", got.CommandClass)
		}
		if got.Command != switchBinaryReport {
			t.Errorf("Command = 0x%02X, want 0x%02X", got.Command, switchBinaryReport)
		}
		if len(got.Payload) != 1 || got.Payload[0] != 0xFF {
			t.Errorf("Payload = %v, want [0xFF]", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("Timeout waiting for frame callback")
	}

	if stats := client.Stats(); stats.FramesRx != 1 {
		t.Errorf("FramesRx = %d, want 1", stats.FramesRx)
	}
}

func TestControllerInterrogation(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	events, eventCh := captureEvents(t)
	client, err := Connect(context.Background(), testGatewayConfig(server), events)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	// Interrogation runs in the background; wait for the node table to
	// fill from the bitmask.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.HomeID() != 0 && client.Nodes().Count() >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := client.HomeID(); got != 0x016A2EBF {
		t.Errorf("HomeID = 0x%08X, want 0x016A2EBF", got)
	}
	if got := client.OwnNodeID(); got != 1 {
		t.Errorf("OwnNodeID = %d, want 1", got)
	}
	if got := client.Nodes().Count(); got != 3 {
		t.Errorf("node count = %d, want 3", got)
	}

	// Every bitmask node is announced as discovered.
	discovered := make(map[NodeID]bool)
	for i := 0; i < 3; i++ {
		e := waitEvent(t, eventCh)
		if e.Kind != EventNodeDiscovered {
			t.Errorf("event kind = %v, want node discovered", e.Kind)
		}
		discovered[e.Node] = true
	}
	for _, id := range []NodeID{1, 12, 40} {
		if !discovered[id] {
			t.Errorf("node %d not announced as discovered", id)
		}
	}

	// Node info is requested for every node except the gateway itself.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.ReceivedFunc(FuncRequestNodeInfo)) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	asked := make(map[byte]bool)
	for _, msg := range server.ReceivedFunc(FuncRequestNodeInfo) {
		if len(msg.Data) > 0 {
			asked[msg.Data[0]] = true
		}
	}
	if !asked[12] || !asked[40] {
		t.Errorf("node info requests = %v, want nodes 12 and 40", asked)
	}
	if asked[1] {
		t.Error("node info requested for the gateway's own node")
	}
}

func TestControllerNodeInfoUpdatesTable(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	events, _ := captureEvents(t)
	client, err := Connect(context.Background(), testGatewayConfig(server), events)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	// Wait for the bitmask nodes to appear.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.Nodes().Count() >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A node info broadcast fills in device class and handlers.
	server.SendNodeInfo(t, 12, 0x04, 0x11, 0x01,
		[]CommandClassCode{CommandClassSwitchMultilevel, CommandClassBattery})

	var node *Node
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, ok := client.Nodes().Get(12)
		if ok {
			if _, handled := n.Handler(CommandClassSwitchMultilevel); handled {
				node = n
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if node == nil {
		t.Fatal("node 12 never gained a multilevel handler")
	}

	dc := node.DeviceClass()
	if dc.Basic != 0x04 || dc.Generic != 0x11 || dc.Specific != 0x01 {
		t.Errorf("device class = %02X/%02X/%02X, want 04/11/01",
			dc.Basic, dc.Generic, dc.Specific)
	}
	if _, ok := node.Handler(CommandClassBattery); !ok {
		t.Error("battery handler not created from node info")
	}
}

func TestControllerClose(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	cfg := testGatewayConfig(server)
	cfg.ReadTimeout = 500 * time.Millisecond

	client, err := Connect(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	// Second close is a no-op
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestControllerConnectFailure(t *testing.T) {
	// Try to connect to non-existent server
	cfg := ControllerConfig{
		Connection:     "tcp://127.0.0.1:19999", // Non-existent port
		ConnectTimeout: 500 * time.Millisecond,
	}

	_, err := Connect(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Connect() expected error for non-existent server")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() = %v, want ErrConnectionFailed", err)
	}
}

func TestControllerHandshakeTimeout(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	// The server ACKs frames but never answers, so the version query
	// runs into the connect deadline.
	server.SetMute(true)

	time.Sleep(50 * time.Millisecond)

	cfg := testGatewayConfig(server)
	cfg.ConnectTimeout = 600 * time.Millisecond

	_, err := Connect(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Connect() expected error for mute gateway")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() = %v, want ErrConnectionFailed", err)
	}
}

func TestControllerPingNode(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	client, err := Connect(ctx, testGatewayConfig(server), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.PingNode(pingCtx, 12); err != nil {
		t.Fatalf("PingNode() error: %v", err)
	}

	// The wire carried a no-operation frame for node 12.
	msg := server.WaitFor(t, FuncSendData, 2*time.Second)
	if len(msg.Data) < 4 {
		t.Fatalf("SendData payload = %d bytes, want at least 4", len(msg.Data))
	}
	if msg.Data[0] != 12 {
		t.Errorf("ping target = node %d, want 12", msg.Data[0])
	}
	if msg.Data[2] != byte(CommandClassNoOperation) {
		t.Errorf("ping command class = 0x%02X, want 0x%02X",
			msg.Data[2], byte(CommandClassNoOperation))
	}
}

func TestControllerPingNodeTransmitFailure(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	client, err := Connect(ctx, testGatewayConfig(server), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	// The radio reports the node never acknowledged.
	server.SetTxStatus(TransmitCompleteNoACK)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = client.PingNode(pingCtx, 12)
	if err == nil {
		t.Fatal("PingNode() expected error for unacknowledged transmit")
	}
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("PingNode() = %v, want ErrSendFailed", err)
	}
}

func TestControllerPingNodeTimeout(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	client, err := Connect(ctx, testGatewayConfig(server), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	// A muted server still ACKs the serial frame but never delivers
	// the radio callback, so the ping waits out its deadline.
	server.SetMute(true)

	pingCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	err = client.PingNode(pingCtx, 12)
	if err == nil {
		t.Fatal("PingNode() expected error for missing radio callback")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("PingNode() = %v, want ErrTimeout", err)
	}
}

func TestControllerPingNodeValidation(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	client, err := Connect(ctx, testGatewayConfig(server), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := client.PingNode(ctx, 0); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("PingNode(0) = %v, want ErrInvalidAddress", err)
	}

	client.Close()

	if err := client.PingNode(ctx, 12); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PingNode() after Close = %v, want ErrNotConnected", err)
	}
}
