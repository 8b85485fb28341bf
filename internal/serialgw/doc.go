// Package serialgw provides management of the ser2net serial gateway process.
//
// ser2net exposes the Z-Wave controller stick's serial port on a TCP
// socket, which is how Meshwave reaches the mesh. This package manages
// ser2net as a subprocess of Meshwave, providing:
//
//   - Configuration-driven startup (no manual /etc/ser2net.conf editing)
//   - Automatic restart on failure
//   - Layered health monitoring, from USB presence down to mesh pings
//   - Graceful shutdown coordination
//
// The ser2net process is started with a connection line derived from
// Meshwave's YAML configuration, eliminating the need for engineers
// to manually edit system configuration files.
//
// Example configuration (in config.yaml):
//
//	protocols:
//	  zwave:
//	    enabled: true
//	    ser2net:
//	      managed: true
//	      binary: "/usr/sbin/ser2net"
//	      device: "/dev/ttyUSB0"
//	      baud: 115200
//	      tcp_port: 3333
//
// When the Meshwave core starts, it will spawn ser2net with the
// appropriate arguments and monitor it throughout the application
// lifecycle.
package serialgw
