// Package cmd wires up the CLI flags and runs the tunnel manager.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"nxtunnel/config"
	"nxtunnel/internal/transport"
	"nxtunnel/tunnel"
	"nxtunnel/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X nxtunnel/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout is where --dry-run and --version print; tests replace it.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args, starts the configured tunnels and serves them
// until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("nxtunnel", flag.ContinueOnError)

	// ── tunnel ───────────────────────────────────────────────────
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Nexterm server URL (http, https, ws, wss)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Session token")
	fs.Int64Var(&cfg.EntryID, "entry", cfg.EntryID, "Server entry id")
	fs.Int64Var(&cfg.IdentityID, "identity", cfg.IdentityID, "Identity id")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Local port (0 picks a free port)")
	fs.StringVar(&cfg.ID, "id", cfg.ID, "Tunnel id (random if empty)")
	fs.StringVarP(&cfg.TunnelsFile, "file", "f", cfg.TunnelsFile, "YAML file declaring several tunnels")

	// ── listener and sessions ────────────────────────────────────
	fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Local listen address")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Server connect timeout (0 = none)")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Wait for the server's ready message (0 = none)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close sessions idle this long (0 = never)")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Ping interval (0 = off)")
	fs.BoolVar(&cfg.KillSessionsOnStop, "kill-sessions-on-stop", cfg.KillSessionsOnStop, "End open sessions when a tunnel stops")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "Skip TLS certificate verification")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVar(&cfg.GatewaySpec, "gateway", cfg.GatewaySpec, "Reach the server via SSH [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.Timestamps, "timestamps", cfg.Timestamps, "Prefix log lines with the time")
	fs.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "Status check interval (0 = off)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Print the tunnels and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "nxtunnel %s\n", version)
		return nil
	}

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}
	if err := cfg.ApplyGateway(os.Getenv("USER")); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tunnels, err := cfg.Tunnels()
	if err != nil {
		return err
	}
	if cfg.DryRun {
		return printPlan(cfg, tunnels)
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(int(util.LogNormal) + cfg.Verbose)
	if cfg.Timestamps {
		logger.SetTimestamps(true)
	}

	var dialer transport.Dialer = &transport.TCPDialer{Timeout: cfg.ConnectTimeout}
	if sshCfg := cfg.SSHConfig(); sshCfg != nil {
		dialer = transport.NewSSHDialer(sshCfg, logger.Named("gateway"))
	}

	mc := cfg.ManagerConfig()
	mc.Dialer = dialer
	mc.Logger = logger
	m := tunnel.NewManager(mc)

	return serve(ctx, m, tunnels, cfg, logger)
}

// serve starts every tunnel and reports status changes until ctx ends.
func serve(ctx context.Context, m *tunnel.Manager, tunnels []tunnel.TunnelConfig,
	cfg *config.Config, logger *util.Logger,
) error {
	w := newStatusWatcher(logger, cfg.BindAddress)
	for _, tc := range tunnels {
		st, err := m.StartTunnel(tc)
		if err != nil {
			m.Close()
			return fmt.Errorf("tunnel %s: %w", tc.ID, err)
		}
		w.observe(st)
	}

	if !anyListening(m.ListTunnels()) {
		m.Close()
		return fmt.Errorf("no tunnel is listening")
	}

	var tick <-chan time.Time
	if cfg.StatusInterval > 0 {
		t := time.NewTicker(cfg.StatusInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			for _, st := range m.ListTunnels() {
				if s, ok := m.TunnelStats(st.ID); ok {
					logger.Info("tunnel %s: %d sessions, %d bytes in, %d bytes out, %d failed connects, %d failed handshakes",
						st.ID, s.SessionsTotal, s.BytesIn, s.BytesOut, s.ConnectFailures, s.HandshakeFailures)
					logger.Debug("tunnel %s metrics: %s", st.ID, s.JSON())
				}
			}
			return m.Close()
		case <-tick:
			for _, st := range m.ListTunnels() {
				w.observe(st)
				if s, ok := m.TunnelStats(st.ID); ok {
					logger.Verbose("tunnel %s: %d active sessions, %d bytes in, %d bytes out",
						st.ID, s.SessionsActive, s.BytesIn, s.BytesOut)
				}
			}
		}
	}
}

// statusWatcher logs each tunnel's status whenever it changes.
type statusWatcher struct {
	logger *util.Logger
	bind   string
	last   map[string]tunnel.State
}

func newStatusWatcher(logger *util.Logger, bind string) *statusWatcher {
	return &statusWatcher{logger: logger, bind: bind, last: make(map[string]tunnel.State)}
}

func (w *statusWatcher) observe(st tunnel.TunnelStatus) {
	if w.last[st.ID] == st.Status {
		return
	}
	w.last[st.ID] = st.Status

	switch st.Status {
	case tunnel.StateError:
		w.logger.Error("tunnel %s: %s", st.ID, st.Error)
	case tunnel.StateListening:
		w.logger.Info("tunnel %s: %s → %s:%d (entry %d)",
			st.ID, util.FormatAddr(w.bind, st.LocalPort), st.RemoteHost, st.RemotePort, st.EntryID)
	default:
		w.logger.Info("tunnel %s: %s", st.ID, st.Status)
	}
}

func anyListening(list []tunnel.TunnelStatus) bool {
	for _, st := range list {
		if st.Status == tunnel.StateListening {
			return true
		}
	}
	return false
}

// ── helpers ──────────────────────────────────────────────────────────

// parsePositional accepts "<host> <port>" or "<host:port>".  A tunnels
// file takes no positional arguments.
func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.TunnelsFile != "" {
		if len(remaining) > 0 {
			return fmt.Errorf("unexpected arguments with -f: %v", remaining)
		}
		return nil
	}

	switch len(remaining) {
	case 0:
		// Validate reports what is missing.
	case 1:
		host, port, err := config.ParseHostPort(remaining[0])
		if err != nil {
			return fmt.Errorf("remote: %w", err)
		}
		cfg.RemoteHost, cfg.RemotePort = host, port
	case 2:
		port, err := config.ParsePort(remaining[1])
		if err != nil {
			return fmt.Errorf("remote port: %w", err)
		}
		cfg.RemoteHost, cfg.RemotePort = remaining[0], port
	default:
		return fmt.Errorf("too many arguments (use --help for usage)")
	}
	return nil
}

// printPlan writes what would be started.  The URL check catches a bad
// server scheme before anything listens.
func printPlan(cfg *config.Config, tunnels []tunnel.TunnelConfig) error {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOCAL\tREMOTE\tENTRY\tSERVER")
	for _, tc := range tunnels {
		if _, err := tunnel.BuildTunnelURL(&tc); err != nil {
			return fmt.Errorf("tunnel %s: %w", tc.ID, err)
		}
		local := util.FormatAddr(cfg.BindAddress, tc.LocalPort)
		remote := util.FormatAddr(tc.RemoteHost, tc.RemotePort)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", tc.ID, local, remote, tc.EntryID, tc.ServerURL)
	}
	if cfg.GatewayEnabled {
		fmt.Fprintf(tw, "\nvia SSH gateway %s@%s:%d\n", cfg.GatewayUser, cfg.GatewayHost, cfg.GatewayPort)
	}
	return tw.Flush()
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `nxtunnel – Nexterm tunnel client v%s

Exposes a host reachable from a Nexterm server on a local port.

Usage:
  nxtunnel [options] <remote-host> <remote-port>   One tunnel
  nxtunnel [options] <remote-host:remote-port>     One tunnel
  nxtunnel -f tunnels.yaml [options]               Tunnels from a file

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  nxtunnel --server https://nexterm.example.com --token $TOKEN \
           --entry 12 --identity 3 -p 15432 10.0.0.8 5432
  nxtunnel -f tunnels.yaml -v
  nxtunnel --gateway ops@bastion -f tunnels.yaml
  NXTUNNEL_SERVER=https://nexterm.example.com nxtunnel --dry-run db:5432
`)
}
