// Package tunnel implements the tunnel manager: local TCP listeners whose
// accepted connections are relayed to a remote endpoint over a
// WebSocket tunnel, each tunnel tracked under a caller-chosen id.
//
// The package is split across files:
//
//   - wire.go    - tunnel URL construction and control messages
//   - session.go - one relay session per accepted connection
//   - runner.go  - the per-tunnel listener and accept loop
//   - manager.go - the registry exposing Start/Stop/List/Get
package tunnel

import (
	"sync"

	nxerr "nxtunnel/internal/errors"
)

// TunnelConfig describes one tunnel.  It is immutable once accepted by
// [Manager.StartTunnel].
type TunnelConfig struct {
	ID         string `json:"id" yaml:"id"`
	ServerURL  string `json:"server_url" yaml:"server_url"` // http, https, ws or wss
	Token      string `json:"token" yaml:"token"`           // opaque session credential
	EntryID    int64  `json:"entry_id" yaml:"entry_id"`
	IdentityID int64  `json:"identity_id" yaml:"identity_id"`
	RemoteHost string `json:"remote_host" yaml:"remote_host"`
	RemotePort int    `json:"remote_port" yaml:"remote_port"`
	LocalPort  int    `json:"local_port" yaml:"local_port"` // 0 lets the OS choose
}

// Validate checks the fields the manager relies on.  The server URL
// scheme is checked later, per connection, by [BuildTunnelURL].
func (c *TunnelConfig) Validate() error {
	switch {
	case c.ID == "":
		return &nxerr.ConfigError{Field: "id", Message: "required"}
	case c.ServerURL == "":
		return &nxerr.ConfigError{Field: "server", Message: "required",
			Hint: "the Nexterm server address, e.g. https://nexterm.example.com"}
	case c.RemotePort < 1 || c.RemotePort > 65535:
		return &nxerr.ConfigError{Field: "remote-port", Value: c.RemotePort, Message: "out of range 1-65535"}
	case c.LocalPort < 0 || c.LocalPort > 65535:
		return &nxerr.ConfigError{Field: "port", Value: c.LocalPort, Message: "out of range 0-65535"}
	}
	return nil
}

// State is a tunnel's lifecycle state.
type State string

const (
	StateStarting  State = "starting"
	StateListening State = "listening"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateStopped || s == StateError }

// TunnelStatus is a point-in-time view of one tunnel.
type TunnelStatus struct {
	ID         string `json:"id"`
	LocalPort  int    `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
	EntryID    int64  `json:"entry_id"`
	Status     State  `json:"status"`
	Error      string `json:"error,omitempty"` // set only when Status is StateError
}

// statusCell is the shared, mutable status of one tunnel.  The runner
// writes it; the manager hands out copies.
type statusCell struct {
	mu sync.Mutex
	st TunnelStatus
}

func newStatusCell(cfg *TunnelConfig) *statusCell {
	return &statusCell{st: TunnelStatus{
		ID:         cfg.ID,
		LocalPort:  cfg.LocalPort,
		RemoteHost: cfg.RemoteHost,
		RemotePort: cfg.RemotePort,
		EntryID:    cfg.EntryID,
		Status:     StateStarting,
	}}
}

func (c *statusCell) snapshot() TunnelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *statusCell) listening(port int) {
	c.mu.Lock()
	c.st.Status = StateListening
	c.st.LocalPort = port
	c.mu.Unlock()
}

func (c *statusCell) stopped() {
	c.mu.Lock()
	c.st.Status = StateStopped
	c.mu.Unlock()
}

func (c *statusCell) fail(msg string) {
	c.mu.Lock()
	c.st.Status = StateError
	c.st.Error = msg
	c.mu.Unlock()
}
