package serialgw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nerrad567/meshwave-core/internal/process"
)

// Timeouts and intervals for serial gateway management.
const (
	// readyTimeout is how long to wait for the gateway to answer a serial
	// API probe after starting.
	readyTimeout = 30 * time.Second

	// readyPollInterval is how often to try connecting during readiness check.
	readyPollInterval = 100 * time.Millisecond

	// dialTimeout is the timeout for individual TCP connection attempts.
	dialTimeout = 500 * time.Millisecond

	// probeTimeout bounds the startup version probe on an established
	// connection.
	probeTimeout = 2 * time.Second

	// healthCheckNodeLimit is how many candidate nodes to try per mesh
	// health check.
	healthCheckNodeLimit = 5

	// pidFilePath is the default location for the ser2net PID file.
	// This prevents multiple instances from running simultaneously.
	pidFilePath = "/var/run/meshwave-ser2net.pid"

	// pidFileMode is the permission mode for the PID file.
	pidFileMode = 0600

	// pidFileFallbackPath is used if we can't write to /var/run
	pidFileFallbackPath = "/tmp/meshwave-ser2net.pid"

	// commNameLimit is the kernel's truncation length for /proc/PID/comm.
	commNameLimit = 15
)

// Serial API framing bytes for the startup probe.
const (
	probeSOF            byte = 0x01
	probeACK            byte = 0x06
	probeRequestType    byte = 0x00
	probeFuncGetVersion byte = 0x15
)

// HealthError represents a health check failure with recoverability information.
// This allows the process manager to decide whether restarting will help.
type HealthError struct {
	// Layer is which health check layer failed (0-3)
	Layer int
	// Recoverable indicates if restarting the process might fix the issue
	Recoverable bool
	// Err is the underlying error
	Err error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("health check layer %d failed: %v", e.Layer, e.Err)
}

func (e *HealthError) Unwrap() error {
	return e.Err
}

// IsRecoverable implements the process.RecoverableError interface.
func (e *HealthError) IsRecoverable() bool {
	return e.Recoverable
}

// newHealthError creates a health check error for a specific layer.
func newHealthError(layer int, recoverable bool, err error) *HealthError {
	return &HealthError{
		Layer:       layer,
		Recoverable: recoverable,
		Err:         err,
	}
}

// Logger defines the logging interface for the serial gateway manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NodeProvider supplies mesh node IDs for Layer 3 health checks.
// This is typically implemented by the node recorder which learns nodes
// passively from mesh traffic.
type NodeProvider interface {
	// GetHealthCheckNodes returns node IDs for health checks.
	// Returns up to 'limit' nodes, cycling through them to spread load
	// across the mesh over time.
	GetHealthCheckNodes(ctx context.Context, limit int) ([]uint8, error)

	// MarkHealthCheckUsed records that a node was just used for a health
	// check. This enables cycling through nodes instead of always
	// pinging the same one.
	MarkHealthCheckUsed(ctx context.Context, node uint8) error
}

// NodePinger sends a liveness probe to a mesh node. Raw ser2net ports
// accept a single client, so pings must ride the controller's existing
// connection rather than a fresh dial; the controller implements this.
type NodePinger interface {
	// PingNode sends a no-operation frame to the node and waits for its
	// radio-layer acknowledgement.
	PingNode(ctx context.Context, node uint8) error
}

// Manager manages the ser2net serial gateway process.
type Manager struct {
	config       Config
	process      *process.Manager
	logger       Logger
	nodeProvider NodeProvider // For Layer 3 health checks
	nodePinger   NodePinger   // For Layer 3 health checks

	// dStateCount tracks consecutive health checks where ser2net is in D
	// (uninterruptible sleep) state. Reset to 0 when it returns to a
	// healthy state. Uses atomic.Int32 for thread-safe access from the
	// health check goroutine.
	dStateCount atomic.Int32

	// activePIDFilePath stores the path used when acquiring the PID file.
	// This ensures removePIDFile() removes the same file that was acquired,
	// even if /var/run permissions change at runtime.
	activePIDFilePath string
}

// NewManager creates a new serial gateway manager.
func NewManager(cfg Config) (*Manager, error) {
	// Apply defaults for zero values
	if cfg.Binary == "" {
		cfg.Binary = "/usr/sbin/ser2net"
	}
	if cfg.Device == "" {
		cfg.Device = "/dev/ttyUSB0"
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.TCPPort == 0 {
		cfg.TCPPort = 3333
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartAttempts == 0 {
		cfg.MaxRestartAttempts = 10
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.HealthCheckNodeTimeout == 0 {
		cfg.HealthCheckNodeTimeout = 3 * time.Second
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid serial gateway config: %w", err)
	}

	m := &Manager{
		config: cfg,
		logger: noopLogger{},
	}

	return m, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetNodeProvider sets the node provider for Layer 3 health checks.
// The provider supplies node IDs learned from mesh traffic.
func (m *Manager) SetNodeProvider(provider NodeProvider) {
	m.nodeProvider = provider
}

// SetNodePinger sets the pinger used to probe nodes during Layer 3
// health checks.
func (m *Manager) SetNodePinger(pinger NodePinger) {
	m.nodePinger = pinger
}

// Start launches the ser2net gateway.
// It will block until the gateway stick answers a serial API probe.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Managed {
		m.logger.Info("serial gateway management disabled, expecting external gateway")
		return nil
	}

	args := m.config.BuildArgs()

	m.logger.Info("starting serial gateway",
		"binary", m.config.Binary,
		"args", args,
		"device", m.config.Device,
	)

	// Create the process manager
	name := filepath.Base(m.config.Binary)
	procConfig := process.Config{
		Name:               name,
		Binary:             m.config.Binary,
		Args:               args,
		RestartOnFailure:   m.config.RestartOnFailure,
		RestartDelay:       m.config.RestartDelay,
		MaxRestartAttempts: m.config.MaxRestartAttempts,
		GracefulTimeout:    m.config.GracefulTimeout,
		OnStart: func() {
			m.logger.Info("serial gateway process started", "pid", m.process.PID())
		},
		OnStop: func(err error) {
			if err != nil {
				m.logger.Warn("serial gateway process stopped", "error", err)
			} else {
				m.logger.Info("serial gateway process stopped")
			}
		},
		OnRestart: func(attempt int) {
			m.logger.Info("serial gateway restarting", "attempt", attempt)
			// Reset the stick before restart if configured
			if m.config.USBResetOnFailure {
				if err := m.resetUSBDevice(); err != nil {
					m.logger.Warn("USB reset failed before restart", "error", err)
				}
			}
		},
		// Watchdog: periodic health check to detect hung gateway
		HealthCheckInterval: m.config.HealthCheckInterval,
		HealthCheckFunc: func(ctx context.Context) error {
			return m.HealthCheck(ctx)
		},
	}

	m.process = process.NewManager(procConfig)
	m.process.SetLogger(m.logger)

	// Start the process
	if err := m.process.Start(ctx); err != nil {
		return fmt.Errorf("starting serial gateway: %w", err)
	}

	// Wait for the stick behind the socket to answer a version probe
	if err := m.waitForReady(ctx); err != nil {
		// Stop the process if it didn't become ready
		if stopErr := m.process.Stop(); stopErr != nil {
			m.logger.Warn("error stopping serial gateway after failed readiness check", "error", stopErr)
		}
		return fmt.Errorf("serial gateway failed to become ready: %w", err)
	}

	// Atomically acquire PID file to prevent duplicate instances
	// This is done AFTER ser2net starts so we have the real PID
	pid := m.process.PID()
	if pid > 0 {
		if err := m.acquirePIDFile(pid); err != nil {
			// Another instance started between our check - stop this one
			m.logger.Error("failed to acquire PID file, stopping duplicate instance", "error", err)
			_ = m.process.Stop() //nolint:errcheck // Error ignored - we're already handling a fatal error
			return fmt.Errorf("cannot start: %w", err)
		}
	}

	m.logger.Info("serial gateway ready",
		"connection_url", m.config.ConnectionURL(),
		"device", m.config.Device,
	)

	return nil
}

// waitForReady waits for the gateway stick to answer a serial API probe.
//
// ser2net accepting a TCP connection only proves its listener is up; the
// probe verifies the serial device behind it is a live gateway. Raw
// ports accept a single client, so the probe connection is closed before
// returning, leaving the port free for the controller.
func (m *Manager) waitForReady(ctx context.Context) error {
	addr := fmt.Sprintf("localhost:%d", m.config.TCPPort)
	deadline := time.Now().Add(readyTimeout)

	m.logger.Debug("waiting for serial gateway to be ready", "address", addr)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for serial gateway: %w", ctx.Err())
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for serial gateway on %s after %v", addr, readyTimeout)
		}

		// Check if process is still running
		if !m.process.IsRunning() {
			lastErr := m.process.LastError()
			if lastErr != nil {
				return fmt.Errorf("serial gateway process exited: %w", lastErr)
			}
			return errors.New("serial gateway process exited unexpectedly")
		}

		// Try to connect and probe the stick
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err == nil {
			probeErr := m.probeSerialAPI(conn)
			conn.Close()
			if probeErr == nil {
				return nil
			}
			m.logger.Debug("gateway stick not answering yet", "error", probeErr)
		}

		time.Sleep(readyPollInterval)
	}
}

// probeFrame builds the serial API version request used to verify a live
// gateway sits behind the socket. The checksum is XOR of every byte
// between the start marker and the checksum itself, seeded with 0xFF.
func probeFrame() []byte {
	frame := []byte{probeSOF, 0x03, probeRequestType, probeFuncGetVersion, 0x00}
	csum := byte(0xFF)
	for _, b := range frame[1 : len(frame)-1] {
		csum ^= b
	}
	frame[len(frame)-1] = csum
	return frame
}

// probeSerialAPI writes a version request and waits for the stick's ACK.
// An ACK proves the full path works: TCP socket, serial line, and a
// gateway firmware that parses frames.
func (m *Manager) probeSerialAPI(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(probeFrame()); err != nil {
		return fmt.Errorf("write version request: %w", err)
	}

	var token [1]byte
	if _, err := io.ReadFull(conn, token[:]); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if token[0] != probeACK {
		return fmt.Errorf("unexpected token 0x%02X, want ACK", token[0])
	}

	// Drain and acknowledge the version response so the stick does not
	// retransmit it into the controller's future connection. Best
	// effort: the ACK above already proves the stick is answering.
	var sof [1]byte
	if _, err := io.ReadFull(conn, sof[:]); err != nil || sof[0] != probeSOF {
		return nil
	}
	var length [1]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil
	}
	body := make([]byte, length[0])
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil
	}
	_, _ = conn.Write([]byte{probeACK}) //nolint:errcheck // Best effort drain

	return nil
}

// Stop gracefully stops the ser2net gateway.
func (m *Manager) Stop() error {
	if !m.config.Managed || m.process == nil {
		return nil
	}

	m.logger.Info("stopping serial gateway")

	// Stop the process first, then remove PID file.
	// This prevents a race where a new instance could start before the old one
	// has fully released resources (TCP port, serial device).
	err := m.process.Stop()

	// Remove PID file after process has stopped
	m.removePIDFile()

	return err
}

// IsRunning returns true if the gateway is currently running.
func (m *Manager) IsRunning() bool {
	if !m.config.Managed {
		// If not managed, assume the external gateway is running
		return true
	}
	if m.process == nil {
		return false
	}
	return m.process.IsRunning()
}

// IsManaged returns true if this manager is controlling ser2net.
func (m *Manager) IsManaged() bool {
	return m.config.Managed
}

// ConnectionURL returns the URL for connecting to the serial gateway.
func (m *Manager) ConnectionURL() string {
	return m.config.ConnectionURL()
}

// Stats returns current statistics for the serial gateway.
func (m *Manager) Stats() Stats {
	stats := Stats{
		Managed:       m.config.Managed,
		Device:        m.config.Device,
		ConnectionURL: m.config.ConnectionURL(),
	}

	if m.process != nil {
		procStats := m.process.Stats()
		stats.Status = string(procStats.Status)
		stats.PID = procStats.PID
		stats.Uptime = procStats.Uptime
		stats.RestartCount = procStats.RestartCount
		stats.LastError = procStats.LastError
	} else if !m.config.Managed {
		stats.Status = "external"
	} else {
		stats.Status = "stopped"
	}

	return stats
}

// Stats holds statistics about the serial gateway.
type Stats struct {
	Managed       bool          `json:"managed"`
	Status        string        `json:"status"`
	Device        string        `json:"device"`
	ConnectionURL string        `json:"connection_url"`
	PID           int           `json:"pid,omitempty"`
	Uptime        time.Duration `json:"uptime,omitempty"`
	RestartCount  int           `json:"restart_count"`
	LastError     string        `json:"last_error,omitempty"`
}

// HealthCheck verifies ser2net and the mesh are healthy.
//
// Layers:
//
// Layer 0: USB device presence check (lsusb)
//   - Detects: stick disconnection, hardware failure
//   - Speed: ~5ms
//   - NOT RECOVERABLE: if hardware is missing, restarting won't help
//
// Layer 1: Process state check (/proc/PID/stat)
//   - Detects: SIGSTOP (T), zombie (Z), dead (X) states
//   - Speed: ~0.1ms
//
// Layer 3: Mesh ping (no-operation frame to a known node)
//   - Detects: stick hang, radio failure, broken serial path
//   - Speed: ~100-1000ms depending on mesh routing
//   - Uses node IDs learned passively from mesh traffic
//
// There is no socket probe layer at runtime: raw ser2net ports accept a
// single client and the controller owns that connection, so the socket
// is verified once during startup readiness instead. Mesh pings ride the
// controller's connection through the NodePinger.
func (m *Manager) HealthCheck(ctx context.Context) error {
	// Layer 0: USB device presence check
	// This is the fastest check and catches hardware disconnection immediately
	// NOT RECOVERABLE: if the stick is gone, restarting ser2net won't help
	if err := m.checkUSBDevicePresent(ctx); err != nil {
		return newHealthError(0, false, err) // Layer 0, NOT recoverable
	}

	// Layer 1: Verify process state via /proc (fast, catches SIGSTOP/zombie)
	// RECOVERABLE: Restarting will fix zombie/stopped states
	if m.config.Managed && m.process != nil {
		pid := m.process.PID()
		if pid > 0 {
			if err := m.checkProcessState(pid); err != nil {
				return newHealthError(1, true, err) // Layer 1, recoverable
			}
		}
	}

	// Layer 3: Mesh health check by pinging a known node
	// Uses node IDs learned passively from mesh traffic
	if m.nodeProvider != nil && m.nodePinger != nil {
		nodes, err := m.nodeProvider.GetHealthCheckNodes(ctx, healthCheckNodeLimit)
		if err != nil {
			m.logger.Debug("failed to get health check nodes", "error", err)
		} else if len(nodes) > 0 {
			usedNode, err := m.checkMeshHealthWithNodes(ctx, nodes)
			if err != nil {
				// Mesh health check failed
				// Attempt a USB reset before reporting failure if configured
				if m.config.USBResetOnFailure {
					m.logger.Warn("mesh health check failed, attempting USB reset",
						"error", err,
						"device", fmt.Sprintf("%s:%s", m.config.USBVendorID, m.config.USBProductID),
					)
					if resetErr := m.resetUSBDeviceWithContext(ctx); resetErr != nil {
						m.logger.Warn("USB reset failed", "error", resetErr)
					}
				}
				return newHealthError(3, true, err)
			}
			// Mark the node as used so we cycle to a different one next time
			if usedNode != 0 {
				if markErr := m.nodeProvider.MarkHealthCheckUsed(ctx, usedNode); markErr != nil {
					m.logger.Debug("failed to mark health check node as used", "node", usedNode, "error", markErr)
				}
			}
			return nil // Layer 3 succeeded
		}
	}

	// No nodes discovered yet - mesh still in discovery mode
	return nil
}

// checkUSBDevicePresent verifies the gateway stick is physically connected.
// This is Layer 0 of the health check - the fastest possible check.
// It uses lsusb to check if the device with the configured vendor:product ID exists.
// The parent context is respected to allow clean shutdown during health checks.
func (m *Manager) checkUSBDevicePresent(ctx context.Context) error {
	vendorID := m.config.USBVendorID
	productID := m.config.USBProductID

	// If USB IDs aren't configured, skip this check
	if vendorID == "" || productID == "" {
		return nil
	}

	// Use lsusb to check if device is present
	// Format: lsusb -d vendor:product
	// Apply timeout to prevent hanging if USB subsystem is unresponsive
	const usbCheckTimeout = 5 * time.Second
	checkCtx, cancel := context.WithTimeout(ctx, usbCheckTimeout)
	defer cancel()

	deviceID := fmt.Sprintf("%s:%s", vendorID, productID)
	cmd := exec.CommandContext(checkCtx, "lsusb", "-d", deviceID)
	output, err := cmd.CombinedOutput()

	if err != nil {
		if checkCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("USB device check timed out after %v", usbCheckTimeout)
		}
		// Check if parent context was cancelled (shutdown in progress)
		if ctx.Err() != nil {
			return fmt.Errorf("USB device check cancelled: %w", ctx.Err())
		}
		// lsusb returns exit code 1 if device not found
		return fmt.Errorf("USB gateway stick not detected (device %s): %w", deviceID, err)
	}

	// Verify we actually got output (device found)
	if len(output) == 0 {
		return fmt.Errorf("USB gateway stick not detected (device %s): no lsusb output", deviceID)
	}

	m.logger.Debug("USB device present", "device", deviceID, "info", strings.TrimSpace(string(output)))
	return nil
}

// checkMeshHealthWithNodes verifies mesh health by pinging one of the
// passively-learned nodes.
//
// Returns the node that answered (for cycling), or an error if all failed.
func (m *Manager) checkMeshHealthWithNodes(ctx context.Context, nodes []uint8) (uint8, error) {
	if len(nodes) == 0 {
		return 0, nil // No nodes to check
	}

	// Try each node until one answers
	var lastErr error
	for _, node := range nodes {
		err := m.checkNodePing(ctx, node)
		if err == nil {
			return node, nil // Success - return which node answered
		}
		lastErr = err
		m.logger.Debug("node ping check failed", "node", node, "error", err)
	}

	return 0, fmt.Errorf("layer 3 health check failed: all %d nodes unresponsive: %w", len(nodes), lastErr)
}

// checkNodePing pings a single node and waits for the radio-layer
// acknowledgement.
func (m *Manager) checkNodePing(ctx context.Context, node uint8) error {
	timeout := m.config.HealthCheckNodeTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return m.nodePinger.PingNode(checkCtx, node)
}

// checkProcessState reads /proc/PID/stat to verify the process is in a healthy state.
// Returns an error if the process is stopped (T), traced (t), zombie (Z), or dead (X/x).
func (m *Manager) checkProcessState(pid int) error {
	// Read /proc/PID/stat which contains process state as the 3rd field
	// Format: pid (comm) state ...
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(statPath)
	if err != nil {
		// Process might have just exited
		return fmt.Errorf("cannot read process state: %w", err)
	}

	// Parse the stat file. The state is the 3rd field, after "(comm)"
	// We need to find the closing ) of the comm field first
	statStr := string(data)
	closeParenIdx := strings.LastIndex(statStr, ")")
	if closeParenIdx == -1 || closeParenIdx+2 >= len(statStr) {
		return fmt.Errorf("invalid /proc/stat format")
	}

	// Fields after ) are space-separated, state is the first one
	fields := strings.Fields(statStr[closeParenIdx+2:])
	if len(fields) < 1 {
		return fmt.Errorf("invalid /proc/stat format: no state field")
	}

	state := fields[0]

	// Process states (from proc(5) man page):
	// R = running, S = sleeping, D = disk sleep (uninterruptible)
	// T = stopped (SIGSTOP), t = tracing stop
	// Z = zombie, X/x = dead
	// W = paging (not used since 2.6.xx), I = idle
	switch state {
	case "T", "t":
		return fmt.Errorf("ser2net process is stopped (state=%s)", state)
	case "Z":
		return fmt.Errorf("ser2net process is zombie (state=%s)", state)
	case "X", "x":
		return fmt.Errorf("ser2net process is dead (state=%s)", state)
	case "D":
		// D (uninterruptible sleep) is usually temporary (disk/USB I/O).
		// However, if ser2net is stuck in D-state for multiple health
		// checks, the USB serial interface is likely hung and needs recovery.
		count := m.dStateCount.Add(1)
		if count >= 3 {
			return fmt.Errorf("ser2net process stuck in uninterruptible sleep (state=D, count=%d)", count)
		}
		m.logger.Debug("ser2net process in uninterruptible sleep (state=D)", "count", count)
		return nil
	default:
		// R, S, I are all healthy states - reset D-state counter
		m.dStateCount.Store(0)
		return nil
	}
}

// resetUSBDeviceWithContext resets the gateway stick using the usbreset utility.
// This helps recover from LIBUSB_ERROR_BUSY conditions and hung serial
// adapters without requiring root privileges, as long as proper udev
// rules are in place.
//
// The usbreset utility uses the USBDEVFS_RESET ioctl, which only requires
// write access to the USB device (granted via udev rules).
//
// Required udev rule (e.g., /etc/udev/rules.d/90-zwave-usb.rules):
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="0658", ATTR{idProduct}=="0200", MODE="0666"
//
// The parent context is respected to allow clean shutdown during reset operations.
func (m *Manager) resetUSBDeviceWithContext(ctx context.Context) error {
	vendorID := m.config.USBVendorID
	productID := m.config.USBProductID

	if vendorID == "" || productID == "" {
		m.logger.Debug("USB reset skipped: vendor/product ID not configured")
		return nil
	}

	deviceID := fmt.Sprintf("%s:%s", vendorID, productID)
	m.logger.Info("resetting USB device", "device", deviceID)

	// Use usbreset utility (standard on most Linux systems with usbutils)
	// Format: usbreset <vendor>:<product>
	// Apply timeout to prevent hanging if USB hardware is unresponsive
	const usbResetTimeout = 10 * time.Second
	resetCtx, cancel := context.WithTimeout(ctx, usbResetTimeout)
	defer cancel()

	cmd := exec.CommandContext(resetCtx, "usbreset", deviceID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if resetCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("usbreset timed out after %v", usbResetTimeout)
		}
		// Check if parent context was cancelled (shutdown in progress)
		if ctx.Err() != nil {
			return fmt.Errorf("usbreset cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("usbreset failed: %w (output: %s)", err, string(output))
	}

	m.logger.Info("USB device reset successful", "device", deviceID)

	// Brief delay to allow the device to fully reinitialise
	time.Sleep(500 * time.Millisecond)

	return nil
}

// resetUSBDevice resets the USB device without a context (uses background context).
// Used by OnRestart callback which doesn't have access to a context.
func (m *Manager) resetUSBDevice() error {
	return m.resetUSBDeviceWithContext(context.Background())
}

// ResetUSBDevice is the public method to manually reset the USB device.
// This can be called externally when USB issues are detected.
func (m *Manager) ResetUSBDevice() error {
	return m.resetUSBDevice()
}

// getPIDFilePath returns the path for the PID file, preferring /var/run but
// falling back to /tmp if that's not writable.
func (m *Manager) getPIDFilePath() string {
	// Try /var/run first (standard location for daemon PID files)
	if f, err := os.OpenFile(pidFilePath, os.O_CREATE|os.O_WRONLY, pidFileMode); err == nil {
		f.Close()
		os.Remove(pidFilePath) // Remove the test file
		return pidFilePath
	}
	// Fall back to /tmp
	return pidFileFallbackPath
}

// acquirePIDFile atomically creates the PID file and writes our PID.
// This uses O_EXCL to ensure no race condition between checking for existing
// instances and claiming the PID file.
//
// Returns nil on success (PID file created with our PID).
// Returns an error if another instance is already running.
func (m *Manager) acquirePIDFile(pid int) error {
	return m.acquirePIDFileWithRetry(pid, 0)
}

// maxPIDFileRetries limits recursion depth for PID file acquisition.
const maxPIDFileRetries = 3

// acquirePIDFileWithRetry implements PID file acquisition with bounded retries.
func (m *Manager) acquirePIDFileWithRetry(pid int, attempt int) error {
	if attempt >= maxPIDFileRetries {
		return fmt.Errorf("failed to acquire PID file after %d attempts", maxPIDFileRetries)
	}

	// Determine path once on first attempt and store it.
	// This ensures removePIDFile() uses the same path even if /var/run permissions change.
	if attempt == 0 {
		m.activePIDFilePath = m.getPIDFilePath()
	}
	pidFile := m.activePIDFilePath
	content := fmt.Sprintf("%d\n", pid)

	// Try atomic exclusive create - fails if file already exists
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, pidFileMode)
	if err == nil {
		// Success - we got the lock, write our PID
		defer f.Close()
		if _, writeErr := f.WriteString(content); writeErr != nil {
			os.Remove(pidFile)
			return fmt.Errorf("writing PID file: %w", writeErr)
		}
		m.logger.Debug("acquired PID file", "path", pidFile, "pid", pid)
		return nil
	}

	// File exists - check if it's stale
	if !os.IsExist(err) {
		return fmt.Errorf("creating PID file %s: %w", pidFile, err)
	}

	// Read existing PID
	data, readErr := os.ReadFile(pidFile)
	if readErr != nil {
		// Can't read it, try to remove and retry
		os.Remove(pidFile)
		return m.acquirePIDFileWithRetry(pid, attempt+1)
	}

	pidStr := strings.TrimSpace(string(data))
	existingPID, parseErr := strconv.Atoi(pidStr)
	if parseErr != nil {
		// Invalid PID file, remove and retry
		m.logger.Warn("removing invalid PID file", "path", pidFile, "content", pidStr)
		os.Remove(pidFile)
		return m.acquirePIDFileWithRetry(pid, attempt+1)
	}

	// Check if the existing PID is still alive
	if !m.isGatewayProcessAlive(existingPID) {
		// Stale PID file, remove and retry
		m.logger.Info("removing stale PID file", "path", pidFile, "stale_pid", existingPID)
		os.Remove(pidFile)
		return m.acquirePIDFileWithRetry(pid, attempt+1)
	}

	// Another gateway instance is actually running
	return fmt.Errorf("another serial gateway instance is already running (PID %d, file %s)", existingPID, pidFile)
}

// isGatewayProcessAlive checks if a process with the given PID is running
// and is the configured gateway binary.
func (m *Manager) isGatewayProcessAlive(pid int) bool {
	// Check if process exists and we can signal it
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds - send signal 0 to check if alive
	if signalErr := proc.Signal(syscall.Signal(0)); signalErr != nil {
		return false // Process is dead
	}

	// Process is alive - verify it's actually our gateway binary.
	// The kernel truncates comm names, so truncate ours to match.
	commPath := fmt.Sprintf("/proc/%d/comm", pid)
	commData, err := os.ReadFile(commPath)
	if err != nil {
		// Can't verify identity, assume it's not our gateway
		return false
	}

	want := filepath.Base(m.config.Binary)
	if len(want) > commNameLimit {
		want = want[:commNameLimit]
	}

	comm := strings.TrimSpace(string(commData))
	return comm == want
}

// removePIDFile removes the PID file if it exists.
func (m *Manager) removePIDFile() {
	// Use the stored path from acquisition, not a fresh determination.
	// This ensures we remove the same file we created, even if /var/run permissions changed.
	pidFile := m.activePIDFilePath
	if pidFile == "" {
		return // Never acquired a PID file
	}
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove PID file", "path", pidFile, "error", err)
	} else if err == nil {
		m.logger.Debug("removed PID file", "path", pidFile)
	}
	m.activePIDFilePath = "" // Clear after removal
}
