package serialgw

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds the configuration for the ser2net serial gateway.
type Config struct {
	// Managed indicates whether Meshwave should manage the ser2net
	// lifecycle. If false, a serial gateway is expected to be running
	// externally.
	Managed bool `yaml:"managed"`

	// Binary is the path to the ser2net executable.
	// Default: "/usr/sbin/ser2net"
	Binary string `yaml:"binary"`

	// Device is the serial device node of the controller stick.
	// Example: "/dev/ttyUSB0" or "/dev/serial/by-id/usb-0658_0200-if00"
	Device string `yaml:"device"`

	// BaudRate is the serial line speed. Z-Wave sticks run at 115200.
	// Default: 115200
	BaudRate int `yaml:"baud"`

	// TCPPort is the local port ser2net exposes the serial device on.
	// Default: 3333
	TCPPort int `yaml:"tcp_port"`

	// USBVendorID is the vendor ID for hardware presence checks and
	// USB reset operations.
	// Format: "0658" (hex without 0x prefix)
	// If empty, presence checks are disabled.
	USBVendorID string `yaml:"usb_vendor_id,omitempty"`

	// USBProductID is the product ID for hardware presence checks and
	// USB reset operations.
	// Format: "0200" (hex without 0x prefix)
	USBProductID string `yaml:"usb_product_id,omitempty"`

	// USBResetOnFailure enables resetting the stick before restart
	// attempts and when mesh-level health checks fail.
	// Requires usbreset utility and proper udev rules.
	USBResetOnFailure bool `yaml:"usb_reset_on_failure,omitempty"`

	// RestartOnFailure enables automatic restart if ser2net crashes.
	// Default: true
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelay is the base delay before restarting.
	// Default: 5s
	RestartDelay time.Duration `yaml:"restart_delay"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	// Default: 10
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// GracefulTimeout is how long to wait for graceful shutdown.
	// Default: 10s
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// HealthCheckInterval is how often to run watchdog health checks.
	// If ser2net hangs (stops responding), it will be killed and
	// restarted after 3 consecutive health check failures.
	// Default: 30s
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// HealthCheckNodeTimeout is how long to wait for a mesh node to
	// answer a health check ping. Should be longer than a typical
	// mesh round trip including routed hops.
	// Default: 3s
	HealthCheckNodeTimeout time.Duration `yaml:"health_check_node_timeout,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for a USB stick.
func DefaultConfig() Config {
	return Config{
		Managed:            true,
		Binary:             "/usr/sbin/ser2net",
		Device:             "/dev/ttyUSB0",
		BaudRate:           115200,
		TCPPort:            3333,
		RestartOnFailure:   true,
		RestartDelay:       5 * time.Second,
		MaxRestartAttempts: 10,
		GracefulTimeout:    10 * time.Second,
	}
}

// validBaudRates are the line speeds accepted for raw serial ports.
var validBaudRates = map[int]bool{
	9600:   true,
	19200:  true,
	38400:  true,
	57600:  true,
	115200: true,
	230400: true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("ser2net binary path is required")
	}
	if err := validateSafePathComponent(c.Binary, "binary"); err != nil {
		return err
	}

	if c.Device == "" {
		return fmt.Errorf("serial device is required")
	}
	if err := validateSafePathComponent(c.Device, "device"); err != nil {
		return err
	}

	if !validBaudRates[c.BaudRate] {
		return fmt.Errorf("unsupported baud rate %d (use: 9600, 19200, 38400, 57600, 115200, 230400)", c.BaudRate)
	}

	if c.TCPPort < 1 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535")
	}

	// Validate USB IDs if specified (hex format, 4 chars)
	if c.USBVendorID != "" {
		if err := validateUSBID(c.USBVendorID, "usb_vendor_id"); err != nil {
			return err
		}
	}
	if c.USBProductID != "" {
		if err := validateUSBID(c.USBProductID, "usb_product_id"); err != nil {
			return err
		}
	}

	// USB reset needs both IDs to identify the device
	if c.USBResetOnFailure && (c.USBVendorID == "" || c.USBProductID == "") {
		return fmt.Errorf("usb_reset_on_failure requires both usb_vendor_id and usb_product_id")
	}

	return nil
}

// BuildArgs constructs the command-line arguments for ser2net.
//
// The -n flag keeps ser2net in the foreground so the process manager
// can supervise it. The connection line maps the TCP port straight
// onto the serial device in raw mode with no idle timeout.
func (c *Config) BuildArgs() []string {
	connLine := fmt.Sprintf("%d:raw:0:%s:%d 8DATABITS NONE 1STOPBIT",
		c.TCPPort, c.Device, c.BaudRate)

	return []string{"-n", "-C", connLine}
}

// ConnectionURL returns the URL for connecting to the serial gateway.
// This is used by the Z-Wave bridge to know where to connect.
func (c *Config) ConnectionURL() string {
	return fmt.Sprintf("tcp://localhost:%d", c.TCPPort)
}

// USB ID validation pattern: 4-character hex string
var usbIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)

// validateUSBID ensures a USB vendor/product ID is a valid 4-character hex string.
func validateUSBID(id, fieldName string) error {
	if !usbIDPattern.MatchString(id) {
		return fmt.Errorf("%s must be a 4-character hex string (e.g., 0658)", fieldName)
	}
	return nil
}

// safePathPattern allows alphanumeric, dot, hyphen, underscore, forward
// slash, and colon. Dots appear in /dev/serial/by-path device names.
// This prevents shell metacharacters that could enable command injection.
var safePathPattern = regexp.MustCompile(`^[a-zA-Z0-9._\-/:]+$`)

// validateSafePathComponent ensures a string doesn't contain shell metacharacters.
// This prevents command injection when the value is passed to subprocess arguments.
func validateSafePathComponent(value, fieldName string) error {
	if !safePathPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (allowed: alphanumeric, dot, hyphen, underscore, slash, colon)", fieldName)
	}
	// Additionally reject common shell metacharacters explicitly
	for _, c := range []string{";", "|", "&", "$", "`", "(", ")", "{", "}", "<", ">", "!", "\\", "'", "\""} {
		if strings.Contains(value, c) {
			return fmt.Errorf("%s contains forbidden character %q", fieldName, c)
		}
	}
	return nil
}
