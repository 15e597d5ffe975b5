package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	nxerr "nxtunnel/internal/errors"
	"nxtunnel/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// After MaxFailures consecutive failed connects (default 3), Dial
	// fails fast with ErrGatewayDown for Cooldown (default 10s).
	MaxFailures int
	Cooldown    time.Duration
}

// Addr returns the gateway's host:port.
func (c *SSHConfig) Addr() string { return util.FormatAddr(c.Host, c.Port) }

// SSHDialer routes connections through an SSH gateway using
// direct-tcpip channels.  The SSH connection is established lazily on
// the first Dial and shared by every later one; if the gateway drops
// it, the next Dial establishes a fresh one.
type SSHDialer struct {
	config  *SSHConfig
	logger  *util.Logger
	breaker *breaker

	mu     sync.Mutex
	client *ssh.Client
	closed bool

	// auth methods are built once: building them may prompt on the
	// terminal for a password or key passphrase.
	authOnce    sync.Once
	authMethods []ssh.AuthMethod
	authErr     error
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH gateway.  The gateway is not contacted until the first Dial.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}

	b := newBreaker(cfg.MaxFailures, cfg.Cooldown)
	b.onChange = func(from, to breakerState) {
		logger.Verbose("ssh gateway %s: breaker %s → %s", cfg.Addr(), from, to)
	}
	return &SSHDialer{config: cfg, logger: logger, breaker: b}
}

// Dial connects to address through the SSH gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("ssh gateway: dialing %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", address, err)
	}
	return conn, nil
}

// Close shuts down the SSH connection.  Later Dial calls fail.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.client != nil {
		err := d.client.Close()
		d.client = nil
		return err
	}
	return nil
}

// connect returns the live SSH client, dialing the gateway if needed.
// The lock is held across the handshake so that concurrent sessions
// share one connection instead of racing to open several.
func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("ssh gateway %s: dialer closed", d.config.Addr())
	}
	if d.client != nil {
		return d.client, nil
	}
	if err := d.breaker.allow(); err != nil {
		return nil, fmt.Errorf("ssh gateway %s: %w", d.config.Addr(), err)
	}

	client, err := d.dialGateway(ctx)
	d.breaker.record(err)
	if err != nil {
		return nil, err
	}

	d.client = client
	go d.monitor(client)
	return client, nil
}

// dialGateway opens and authenticates a new SSH connection.
func (d *SSHDialer) dialGateway(ctx context.Context) (*ssh.Client, error) {
	d.authOnce.Do(func() {
		d.authMethods, d.authErr = BuildAuthMethods(d.config)
	})
	if d.authErr != nil {
		return nil, fmt.Errorf("ssh gateway %s auth: %w", d.config.Addr(), d.authErr)
	}

	hkCallback, err := hostKeyCallback(d.config)
	if err != nil {
		return nil, fmt.Errorf("ssh gateway %s hostkey: %w", d.config.Addr(), err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            d.config.User,
		Auth:            d.authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         d.config.ConnTimeout,
	}

	addr := d.config.Addr()
	d.logger.Verbose("ssh gateway: connecting to %s as %s", addr, d.config.User)

	dialCtx, cancel := context.WithTimeout(ctx, d.config.ConnTimeout)
	defer cancel()

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, nxerr.Wrap("dial", addr, err)
	}

	// ClientConfig.Timeout only covers ssh.Dial; bound the handshake here.
	tcpConn.SetDeadline(time.Now().Add(d.config.ConnTimeout)) //nolint:errcheck
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("ssh gateway %s handshake: %w", addr, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	d.logger.Verbose("ssh gateway: connected to %s", addr)
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// monitor blocks until the SSH connection closes and forgets the client
// so the next Dial reconnects.
func (d *SSHDialer) monitor(client *ssh.Client) {
	err := client.Wait()

	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Debug("ssh gateway: connection closed: %v", err)
	} else {
		d.logger.Debug("ssh gateway: connection closed")
	}
}
