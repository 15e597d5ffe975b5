package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the tunnels file, and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalAddress is where tunnel listeners bind.  Local only:
	// anything that can reach the port can use the tunnel.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultConnTimeout bounds the TCP dial plus WebSocket upgrade, and
	// the SSH gateway connection.
	DefaultConnTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds the wait for the server's ready
	// message.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is how often a session pings the server.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultStartTimeout is how long starting a tunnel waits for its
	// listener.
	DefaultStartTimeout = 2 * time.Second

	// DefaultStopTimeout is how long stopping a tunnel waits for its
	// accept loop to exit.
	DefaultStopTimeout = 5 * time.Second

	// DefaultGracePeriod is how long shutdown waits for sessions to end.
	DefaultGracePeriod = 5 * time.Second

	// DefaultStatusInterval is how often the CLI reports tunnel status.
	DefaultStatusInterval = 10 * time.Second
)
