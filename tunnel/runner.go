package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"

	nxerr "nxtunnel/internal/errors"
	"nxtunnel/internal/metrics"
	"nxtunnel/util"
)

// runner owns the listener of one tunnel.  It is started once, in its
// own goroutine, and never restarted.
type runner struct {
	cfg     *TunnelConfig
	bind    string
	status  *statusCell
	opts    *sessionOptions
	logger  *util.Logger
	metrics *metrics.Collector

	listen func(ctx context.Context, network, addr string) (net.Listener, error)

	// sessionCtx is observed by every session this runner spawns.  It
	// outlives the accept loop unless the tunnel is stopped with
	// KillSessionsOnStop or the manager is closed.
	sessionCtx context.Context

	ready chan struct{} // closed once the status left StateStarting
	done  chan struct{} // closed when run returns

	active *sync.WaitGroup // this tunnel's sessions
	all    *sync.WaitGroup // every session of the manager
}

func newRunner(cfg *TunnelConfig, bind string, opts *sessionOptions, logger *util.Logger,
	sessionCtx context.Context, all *sync.WaitGroup,
) *runner {
	return &runner{
		cfg:        cfg,
		bind:       bind,
		status:     newStatusCell(cfg),
		opts:       opts,
		logger:     logger,
		metrics:    metrics.New(),
		listen:     new(net.ListenConfig).Listen,
		sessionCtx: sessionCtx,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		active:     &sync.WaitGroup{},
		all:        all,
	}
}

// run binds the listener and accepts until acceptCtx is cancelled or
// Accept fails.  The listener is closed on every exit path.
func (r *runner) run(acceptCtx context.Context) {
	defer close(r.done)

	addr := util.FormatAddr(r.bind, r.cfg.LocalPort)
	ln, err := r.listen(acceptCtx, "tcp", addr)
	if err != nil && acceptCtx.Err() != nil {
		// Stopped before the listener existed.
		r.status.stopped()
		close(r.ready)
		return
	}
	if err != nil {
		msg := fmt.Sprintf("failed to bind to port %d: %v", r.cfg.LocalPort, err)
		r.status.fail(msg)
		r.metrics.RecordError(msg)
		r.logger.Error("%v", nxerr.Wrap("listen", addr, err))
		close(r.ready)
		return
	}
	defer ln.Close()

	r.status.listening(util.ListenerPort(ln))
	r.logger.Verbose("listening on %s → %s:%d", ln.Addr(), r.cfg.RemoteHost, r.cfg.RemotePort)
	close(r.ready)

	// Closing the listener is what unblocks Accept on cancellation.
	stop := context.AfterFunc(acceptCtx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if acceptCtx.Err() != nil {
				r.status.stopped()
				r.logger.Info("stopped")
				return
			}
			msg := fmt.Sprintf("accept error: %v", err)
			r.status.fail(msg)
			r.metrics.RecordError(msg)
			r.logger.Error("%v", nxerr.Wrap("accept", addr, err))
			return
		}
		r.spawn(conn)
	}
}

// spawn starts a relay session for conn without blocking the accept loop.
func (r *runner) spawn(conn net.Conn) {
	if r.sessionCtx.Err() != nil {
		conn.Close()
		return
	}

	r.active.Add(1)
	r.all.Add(1)
	r.metrics.SessionOpened()
	r.logger.Verbose("accepted %s", conn.RemoteAddr())

	go func() {
		defer r.all.Done()
		defer r.active.Done()
		defer r.metrics.SessionClosed()

		err := runSession(r.sessionCtx, conn, r.cfg, r.opts, r.logger.Named("session"), r.metrics)
		if err != nil {
			if nxerr.IsHandshake(err) {
				r.metrics.HandshakeFailed()
			} else {
				r.metrics.ConnectFailed()
			}
			r.metrics.RecordError(err.Error())
			r.logger.Warn("%v", err)
		}
	}()
}
