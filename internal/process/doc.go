// Package process provides generic subprocess lifecycle management.
//
// This package is designed for managing long-running child processes
// like serial gateways (ser2net, socat, etc.) that Meshwave depends on.
//
// Features:
//   - Start/stop subprocess with graceful shutdown
//   - Automatic restart on failure with exponential backoff
//   - Health monitoring and status reporting
//   - Log capture from subprocess stdout/stderr
//   - Context-based cancellation for clean shutdown
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:              "ser2net",
//	    Binary:            "/usr/sbin/ser2net",
//	    Args:              []string{"-n", "-C", "3333:raw:0:/dev/ttyUSB0:115200"},
//	    RestartOnFailure:  true,
//	    RestartDelay:      5 * time.Second,
//	    MaxRestartAttempts: 10,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
package process
