// Package config defines the runtime configuration for nxtunnel and
// provides helpers for parsing gateway and address strings.
package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	nxerr "nxtunnel/internal/errors"
	"nxtunnel/internal/transport"
	"nxtunnel/tunnel"
)

// Config holds every tuneable for one nxtunnel process.
type Config struct {
	// ── Tunnel (from flags) ──────────────────────────────────────────
	ID         string
	ServerURL  string
	Token      string
	EntryID    int64
	IdentityID int64
	RemoteHost string
	RemotePort int
	LocalPort  int // -p: 0 picks a free port

	TunnelsFile string // -f: YAML file with several tunnels

	// ── Listener and sessions ────────────────────────────────────────
	BindAddress        string
	ConnectTimeout     time.Duration
	HandshakeTimeout   time.Duration
	IdleTimeout        time.Duration
	HeartbeatInterval  time.Duration
	KillSessionsOnStop bool
	Insecure           bool // skip TLS verification for wss://

	// ── SSH gateway ──────────────────────────────────────────────────
	GatewaySpec    string // raw user@host[:port] from --gateway
	GatewayEnabled bool
	GatewayUser    string
	GatewayHost    string
	GatewayPort    int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose        int
	Timestamps     bool
	StatusInterval time.Duration
	DryRun         bool
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		BindAddress:       DefaultLocalAddress,
		ConnectTimeout:    DefaultConnTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		StatusInterval:    DefaultStatusInterval,
		GatewayPort:       DefaultSSHPort,
	}
}

// ── Address parsers ──────────────────────────────────────────────────

// gatewayRe matches [user@]host[:port].
var gatewayRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseGatewaySpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseGatewaySpec(spec string) (user, host string, port int, err error) {
	m := gatewayRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = ParsePort(m[3])
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ParsePort parses a port number in 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ParseHostPort splits "host:port" (or "[v6]:port").
func ParseHostPort(s string) (string, int, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q – expected host:port", s)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid address %q – host is required", s)
	}
	port, err := ParsePort(p)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Each file tunnel is validated separately by [LoadTunnelsFile].
func (c *Config) Validate() error {
	if c.TunnelsFile == "" {
		if c.ServerURL == "" {
			return &nxerr.ConfigError{
				Field:   "server",
				Message: "required",
				Hint:    "pass --server https://nexterm.example.com or set NXTUNNEL_SERVER",
			}
		}
		if c.RemoteHost == "" {
			return &nxerr.ConfigError{
				Field:   "remote-host",
				Message: "required",
				Hint:    "usage: nxtunnel [options] <remote-host> <remote-port>",
			}
		}
		if c.RemotePort < 1 || c.RemotePort > 65535 {
			return &nxerr.ConfigError{Field: "remote-port", Value: c.RemotePort, Message: "out of range 1-65535"}
		}
	}

	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &nxerr.ConfigError{Field: "port", Value: c.LocalPort, Message: "out of range 0-65535"}
	}
	if c.TunnelsFile != "" && c.LocalPort != 0 {
		return &nxerr.ConfigError{
			Field:   "port",
			Value:   c.LocalPort,
			Message: "cannot be combined with -f",
			Hint:    "set local_port per tunnel in the file",
		}
	}

	durations := []struct {
		field string
		d     time.Duration
	}{
		{"connect-timeout", c.ConnectTimeout},
		{"handshake-timeout", c.HandshakeTimeout},
		{"idle-timeout", c.IdleTimeout},
		{"heartbeat", c.HeartbeatInterval},
		{"status-interval", c.StatusInterval},
	}
	for _, d := range durations {
		if d.d < 0 {
			return &nxerr.ConfigError{Field: d.field, Value: d.d, Message: "must not be negative"}
		}
	}

	if c.GatewayEnabled && c.GatewayHost == "" {
		return &nxerr.ConfigError{Field: "gateway", Value: c.GatewaySpec, Message: "gateway host is required"}
	}
	return nil
}

// ── Derived settings ─────────────────────────────────────────────────

// Tunnels returns the tunnels to start: those of the tunnels file when
// one is set, otherwise the single tunnel described by the flags.
func (c *Config) Tunnels() ([]tunnel.TunnelConfig, error) {
	if c.TunnelsFile != "" {
		f, err := LoadTunnelsFile(c.TunnelsFile, c)
		if err != nil {
			return nil, err
		}
		return f.Tunnels, nil
	}

	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	tc := tunnel.TunnelConfig{
		ID:         id,
		ServerURL:  c.ServerURL,
		Token:      c.Token,
		EntryID:    c.EntryID,
		IdentityID: c.IdentityID,
		RemoteHost: c.RemoteHost,
		RemotePort: c.RemotePort,
		LocalPort:  c.LocalPort,
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return []tunnel.TunnelConfig{tc}, nil
}

// ManagerConfig returns the manager settings.  Dialer and Logger are
// left for the caller.
func (c *Config) ManagerConfig() tunnel.ManagerConfig {
	mc := tunnel.ManagerConfig{
		BindAddress:        c.BindAddress,
		ConnectTimeout:     c.ConnectTimeout,
		HandshakeTimeout:   c.HandshakeTimeout,
		IdleTimeout:        c.IdleTimeout,
		HeartbeatInterval:  c.HeartbeatInterval,
		StartTimeout:       DefaultStartTimeout,
		StopTimeout:        DefaultStopTimeout,
		GracePeriod:        DefaultGracePeriod,
		KillSessionsOnStop: c.KillSessionsOnStop,
	}
	if c.Insecure {
		//nolint:gosec // user asked for it with --insecure
		mc.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return mc
}

// SSHConfig returns the gateway settings, or nil when no gateway is set.
func (c *Config) SSHConfig() *transport.SSHConfig {
	if !c.GatewayEnabled {
		return nil
	}
	return &transport.SSHConfig{
		User:          c.GatewayUser,
		Host:          c.GatewayHost,
		Port:          c.GatewayPort,
		KeyPath:       c.SSHKeyPath,
		PromptPass:    c.SSHPassword,
		UseAgent:      c.UseSSHAgent,
		StrictHostKey: c.StrictHostKey,
		KnownHosts:    c.KnownHostsPath,
		ConnTimeout:   c.ConnectTimeout,
	}
}

// ApplyGateway parses GatewaySpec into the Gateway* fields.  An empty
// user falls back to $USER.
func (c *Config) ApplyGateway(currentUser string) error {
	if c.GatewaySpec == "" {
		return nil
	}
	user, host, port, err := ParseGatewaySpec(c.GatewaySpec)
	if err != nil {
		return err
	}
	if user == "" {
		user = currentUser
	}
	c.GatewayEnabled = true
	c.GatewayUser = strings.TrimSpace(user)
	c.GatewayHost = host
	c.GatewayPort = port
	return nil
}
