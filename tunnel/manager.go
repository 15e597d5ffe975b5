package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"sync"
	"time"

	nxerr "nxtunnel/internal/errors"
	"nxtunnel/internal/metrics"
	"nxtunnel/internal/transport"
	"nxtunnel/util"
)

// Fallbacks for zero ManagerConfig durations.  The connect, handshake
// and idle timeouts have none: zero leaves them unbounded.
const (
	defaultBindAddress  = "127.0.0.1"
	defaultStartTimeout = 2 * time.Second
	defaultStopTimeout  = 5 * time.Second
	defaultGracePeriod  = 5 * time.Second
)

// ManagerConfig holds the settings shared by every tunnel of a Manager.
type ManagerConfig struct {
	// Dialer reaches the server's TCP address.  Nil means a direct
	// [transport.TCPDialer].  The manager closes it in Close.
	Dialer transport.Dialer
	Logger *util.Logger

	BindAddress string      // local listen address, default 127.0.0.1
	TLSConfig   *tls.Config // for wss:// servers; nil uses the system roots

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration

	StartTimeout time.Duration // how long StartTunnel waits for the listener
	StopTimeout  time.Duration // how long StopTunnel waits for the accept loop
	GracePeriod  time.Duration // how long Close waits for sessions to end

	// KillSessionsOnStop makes StopTunnel also end the tunnel's
	// in-flight sessions instead of leaving them to finish.
	KillSessionsOnStop bool
}

type entry struct {
	runner         *runner
	cancelAccept   context.CancelFunc
	cancelSessions context.CancelFunc
}

// Manager is the tunnel registry.  All methods are safe for concurrent
// use; tunnels never block each other.
type Manager struct {
	cfg    ManagerConfig
	opts   *sessionOptions
	logger *util.Logger

	ctx    context.Context // parent of every tunnel's contexts
	cancel context.CancelFunc

	mu      sync.RWMutex
	tunnels map[string]*entry
	closed  bool

	sessions sync.WaitGroup
}

// NewManager returns an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{Timeout: cfg.ConnectTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(int(util.LogQuiet))
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = defaultBindAddress
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg: cfg,
		opts: &sessionOptions{
			dialer:            cfg.Dialer,
			tlsConfig:         cfg.TLSConfig,
			connectTimeout:    cfg.ConnectTimeout,
			handshakeTimeout:  cfg.HandshakeTimeout,
			idleTimeout:       cfg.IdleTimeout,
			heartbeatInterval: cfg.HeartbeatInterval,
		},
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		tunnels: make(map[string]*entry),
	}
}

// StartTunnel registers cfg and starts listening on its local port.
//
// It returns once the listener is bound or failed, or after
// StartTimeout, whichever comes first; the returned status may
// therefore still read StateStarting.  A bind failure is not an error
// here: it is reported through the status, and the tunnel stays
// registered until StopTunnel.
func (m *Manager) StartTunnel(cfg TunnelConfig) (TunnelStatus, error) {
	if err := cfg.Validate(); err != nil {
		return TunnelStatus{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return TunnelStatus{}, nxerr.ErrClosed
	}
	if _, ok := m.tunnels[cfg.ID]; ok {
		m.mu.Unlock()
		return TunnelStatus{}, fmt.Errorf("%w: %s", nxerr.ErrDuplicateID, cfg.ID)
	}

	sessionCtx, cancelSessions := context.WithCancel(m.ctx)
	acceptCtx, cancelAccept := context.WithCancel(sessionCtx)
	r := newRunner(&cfg, m.cfg.BindAddress, m.opts, m.logger.Named("tunnel "+cfg.ID), sessionCtx, &m.sessions)
	m.tunnels[cfg.ID] = &entry{
		runner:         r,
		cancelAccept:   cancelAccept,
		cancelSessions: cancelSessions,
	}
	m.mu.Unlock()

	go r.run(acceptCtx)

	select {
	case <-r.ready:
	case <-time.After(m.cfg.StartTimeout):
		m.logger.Warn("tunnel %s: listener not ready after %v", cfg.ID, m.cfg.StartTimeout)
	}
	return r.status.snapshot(), nil
}

// StopTunnel unregisters id and stops accepting connections for it.
// In-flight sessions keep running unless KillSessionsOnStop is set.
// It waits up to StopTimeout for the listener to be released.
func (m *Manager) StopTunnel(id string) error {
	m.mu.Lock()
	e, ok := m.tunnels[id]
	if ok {
		delete(m.tunnels, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", nxerr.ErrNotFound, id)
	}

	e.cancelAccept()
	if m.cfg.KillSessionsOnStop {
		e.cancelSessions()
	}

	select {
	case <-e.runner.done:
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn("tunnel %s: accept loop did not stop within %v", id, m.cfg.StopTimeout)
	}

	// Release the session context once the last session is gone.
	go func() {
		<-e.runner.done
		e.runner.active.Wait()
		e.cancelSessions()
	}()
	return nil
}

// ListTunnels returns a snapshot of every registered tunnel, sorted by id.
func (m *Manager) ListTunnels() []TunnelStatus {
	m.mu.RLock()
	out := make([]TunnelStatus, 0, len(m.tunnels))
	for _, e := range m.tunnels {
		out = append(out, e.runner.status.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTunnelStatus returns a snapshot of one tunnel.
func (m *Manager) GetTunnelStatus(id string) (TunnelStatus, bool) {
	m.mu.RLock()
	e, ok := m.tunnels[id]
	m.mu.RUnlock()
	if !ok {
		return TunnelStatus{}, false
	}
	return e.runner.status.snapshot(), true
}

// TunnelStats returns the session counters of one tunnel.
func (m *Manager) TunnelStats(id string) (metrics.Snapshot, bool) {
	m.mu.RLock()
	e, ok := m.tunnels[id]
	m.mu.RUnlock()
	if !ok {
		return metrics.Snapshot{}, false
	}
	return e.runner.metrics.Snapshot(), true
}

// Close stops every tunnel, ends every session and closes the Dialer.
// It waits up to GracePeriod for runners and sessions to finish.
// Later StartTunnel calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.tunnels
	m.tunnels = make(map[string]*entry)
	m.mu.Unlock()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GracePeriod)
	defer cancel()

	var errs []error
	for id, e := range entries {
		select {
		case <-e.runner.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("tunnel %s: accept loop did not stop", id))
		}
	}

	drained := make(chan struct{})
	go func() {
		m.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("%w waiting for sessions to end", nxerr.ErrTimeout))
	}

	if err := m.cfg.Dialer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dialer close: %w", err))
	}
	return nxerr.Join(errs...)
}
