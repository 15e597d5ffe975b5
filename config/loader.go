package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the NXTUNNEL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("90s", "2m") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	// Tunnel
	if v := os.Getenv("NXTUNNEL_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("NXTUNNEL_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v, ok := envInt64("NXTUNNEL_ENTRY"); ok {
		cfg.EntryID = v
	}
	if v, ok := envInt64("NXTUNNEL_IDENTITY"); ok {
		cfg.IdentityID = v
	}
	if v := envInt("NXTUNNEL_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if v := os.Getenv("NXTUNNEL_TUNNELS_FILE"); v != "" {
		cfg.TunnelsFile = v
	}

	// Listener and sessions
	if v := os.Getenv("NXTUNNEL_BIND"); v != "" {
		cfg.BindAddress = v
	}
	if v, ok := envDuration("NXTUNNEL_CONNECT_TIMEOUT"); ok {
		cfg.ConnectTimeout = v
	}
	if v, ok := envDuration("NXTUNNEL_HANDSHAKE_TIMEOUT"); ok {
		cfg.HandshakeTimeout = v
	}
	if v, ok := envDuration("NXTUNNEL_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = v
	}
	if v, ok := envDuration("NXTUNNEL_HEARTBEAT"); ok {
		cfg.HeartbeatInterval = v
	}
	if envBool("NXTUNNEL_KILL_SESSIONS_ON_STOP") {
		cfg.KillSessionsOnStop = true
	}
	if envBool("NXTUNNEL_INSECURE") {
		cfg.Insecure = true
	}

	// SSH gateway
	if v := os.Getenv("NXTUNNEL_GATEWAY"); v != "" {
		cfg.GatewaySpec = v
	}
	if v := os.Getenv("NXTUNNEL_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("NXTUNNEL_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("NXTUNNEL_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("NXTUNNEL_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("NXTUNNEL_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("NXTUNNEL_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("NXTUNNEL_TIMESTAMPS") {
		cfg.Timestamps = true
	}
	if v, ok := envDuration("NXTUNNEL_STATUS_INTERVAL"); ok {
		cfg.StatusInterval = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

// envDuration reports ok only for a set, well-formed value, so "0" can
// disable a timeout while a typo leaves the default alone.
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return secondsDuration(sec), true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
