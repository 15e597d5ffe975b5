package tunnel

// session.go - one relay session: an accepted local connection paired
// with one tunnel WebSocket.

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	nxerr "nxtunnel/internal/errors"
	"nxtunnel/internal/metrics"
	"nxtunnel/internal/transport"
	"nxtunnel/util"
)

// maxDetailLen caps how much of an unexpected handshake frame is logged.
const maxDetailLen = 128

// errSessionIdle ends a relay in which no payload moved in either
// direction for the idle timeout.
var errSessionIdle = errors.New("session idle")

// sessionOptions are the manager-wide settings every session uses.
type sessionOptions struct {
	dialer            transport.Dialer
	tlsConfig         *tls.Config
	connectTimeout    time.Duration // dial + upgrade; 0 = unbounded
	handshakeTimeout  time.Duration // first frame; 0 = unbounded
	idleTimeout       time.Duration // no payload either way; 0 = unbounded
	heartbeatInterval time.Duration // client ping; 0 = disabled
}

type relaySession struct {
	cfg     *TunnelConfig
	opts    *sessionOptions
	logger  *util.Logger
	metrics *metrics.Collector

	local  net.Conn
	remote *websocket.Conn

	writeMu   sync.Mutex // serializes data frames and heartbeats
	lastData  atomic.Int64 // unix nanos of the last payload, either direction
	closeOnce sync.Once
	closed    chan struct{}
}

// runSession connects local to the tunnel endpoint and relays until
// either side ends or ctx is cancelled.  Both connections are closed
// when it returns.  The error is only meant for logging: it is non-nil
// when the session never reached the relay phase.
func runSession(ctx context.Context, local net.Conn, cfg *TunnelConfig, opts *sessionOptions,
	logger *util.Logger, m *metrics.Collector,
) error {
	s := &relaySession{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		metrics: m,
		local:   local,
		closed:  make(chan struct{}),
	}
	return s.run(ctx)
}

func (s *relaySession) run(ctx context.Context) error {
	start := time.Now()
	peer := s.local.RemoteAddr().String()

	remote, err := s.connect(ctx)
	if err != nil {
		s.local.Close()
		return err
	}
	s.remote = remote
	defer s.teardown()

	stop := context.AfterFunc(ctx, s.teardown)
	defer stop()

	if err := s.handshake(); err != nil {
		return err
	}

	s.logger.Verbose("relaying %s ↔ %s:%d", peer, s.cfg.RemoteHost, s.cfg.RemotePort)
	in, out, err := s.relay()
	switch {
	case err == nil:
	case errors.Is(err, errSessionIdle):
		s.logger.Verbose("session %s idle for %v", peer, s.opts.idleTimeout)
	case util.IsTimeout(err):
		s.logger.Verbose("session %s stalled: %v", peer, err)
	default:
		s.logger.Verbose("session %s ended: %v", peer, err)
	}
	s.logger.Verbose("session %s closed after %v (in=%d out=%d)",
		peer, time.Since(start).Truncate(time.Millisecond), in, out)
	return nil
}

// connect builds the tunnel URL and opens the WebSocket through the
// configured transport.
func (s *relaySession) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := BuildTunnelURL(s.cfg)
	if err != nil {
		return nil, nxerr.Session(s.cfg.ID, nxerr.ErrInvalidServerURL, strconv.Quote(s.cfg.ServerURL), nil)
	}

	d := websocket.Dialer{
		NetDialContext:   s.opts.dialer.Dial,
		TLSClientConfig:  s.opts.tlsConfig,
		HandshakeTimeout: s.opts.connectTimeout,
		ReadBufferSize:   util.DefaultBufSize,
		WriteBufferSize:  util.DefaultBufSize,
	}

	if s.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.connectTimeout)
		defer cancel()
	}

	s.logger.Debug("dialing %s%s", s.cfg.ServerURL, TunnelPath)
	conn, resp, err := d.DialContext(ctx, u, nil)
	if err != nil {
		detail := ""
		if resp != nil {
			detail = resp.Status
		}
		return nil, nxerr.Session(s.cfg.ID, nxerr.ErrWebSocketConnectFailed, detail, err)
	}
	return conn, nil
}

// handshake reads exactly one frame, which must be {"type":"ready"}.
func (s *relaySession) handshake() error {
	if s.opts.handshakeTimeout > 0 {
		s.remote.SetReadDeadline(time.Now().Add(s.opts.handshakeTimeout)) //nolint:errcheck
	}

	mt, data, err := s.remote.ReadMessage()
	if err != nil {
		return s.handshakeError(err)
	}
	s.remote.SetReadDeadline(time.Time{}) //nolint:errcheck

	if mt == websocket.TextMessage && IsReady(data) {
		s.logger.Debug("handshake complete")
		return nil
	}

	detail := fmt.Sprintf("binary frame of %d bytes", len(data))
	if mt == websocket.TextMessage {
		detail = string(data)
		if len(detail) > maxDetailLen {
			detail = detail[:maxDetailLen] + "…"
		}
	}
	return nxerr.Session(s.cfg.ID, nxerr.ErrUnexpectedHandshakeMessage, detail, nil)
}

func (s *relaySession) handshakeError(err error) error {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && ce.Code == websocket.CloseAbnormalClosure,
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// Connection dropped without a close frame.
		return nxerr.Session(s.cfg.ID, nxerr.ErrHandshakeStreamEnded, "", nil)
	case errors.As(err, &ce):
		detail := strconv.Itoa(ce.Code)
		if ce.Text != "" {
			detail += ": " + ce.Text
		}
		return nxerr.Session(s.cfg.ID, nxerr.ErrRemoteClosedDuringHandshake, detail, nil)
	default:
		return nxerr.Session(s.cfg.ID, nxerr.ErrHandshakeTransport, "", err)
	}
}

// relay runs both directions (and the heartbeat, if enabled).  Whichever
// direction ends first tears the session down, which unblocks the other.
func (s *relaySession) relay() (in, out int64, err error) {
	var g errgroup.Group

	g.Go(func() error {
		defer s.teardown()
		n, err := s.localToRemote()
		out = n
		return err
	})
	g.Go(func() error {
		defer s.teardown()
		n, err := s.remoteToLocal()
		in = n
		return err
	})
	if s.opts.heartbeatInterval > 0 {
		g.Go(s.heartbeat)
	}
	if s.opts.idleTimeout > 0 {
		s.touch()
		g.Go(s.idleWatch)
	}

	err = g.Wait()
	return in, out, err
}

// localToRemote frames every local read as one binary message.
func (s *relaySession) localToRemote() (int64, error) {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	var total int64
	for {
		n, rerr := s.local.Read(buf)
		if n > 0 {
			s.touch()
			if err := s.writeFrame(websocket.BinaryMessage, buf[:n]); err != nil {
				return total, s.relayErr(err)
			}
			total += int64(n)
			s.metrics.BytesSent(int64(n))
		}
		if rerr != nil {
			s.closeRemoteSend()
			return total, s.relayErr(rerr)
		}
	}
}

// remoteToLocal writes binary payloads verbatim, drops pongs, and
// writes any other text frame's raw bytes as payload: the server
// does not distinguish the two on the data path.
func (s *relaySession) remoteToLocal() (int64, error) {
	var total int64
	for {
		mt, data, err := s.remote.ReadMessage()
		if err != nil {
			return total, s.relayErr(err)
		}

		switch mt {
		case websocket.BinaryMessage:
		case websocket.TextMessage:
			if IsPong(data) {
				s.metrics.RecordHeartbeat()
				s.logger.Debug("pong")
				continue
			}
		default:
			continue
		}

		s.touch()
		if s.opts.idleTimeout > 0 {
			s.local.SetWriteDeadline(time.Now().Add(s.opts.idleTimeout)) //nolint:errcheck
		}
		if _, err := s.local.Write(data); err != nil {
			return total, s.relayErr(err)
		}
		total += int64(len(data))
		s.metrics.BytesReceived(int64(len(data)))
	}
}

func (s *relaySession) heartbeat() error {
	t := time.NewTicker(s.opts.heartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-s.closed:
			return nil
		case <-t.C:
			if err := s.writeFrame(websocket.TextMessage, pingFrame); err != nil {
				s.teardown()
				return s.relayErr(err)
			}
			s.logger.Debug("ping")
		}
	}
}

// idleWatch tears the session down once neither direction has moved
// payload for the idle timeout.  Heartbeats do not count as payload.
func (s *relaySession) idleWatch() error {
	t := time.NewTicker(max(s.opts.idleTimeout/4, time.Millisecond))
	defer t.Stop()

	for {
		select {
		case <-s.closed:
			return nil
		case now := <-t.C:
			if now.Sub(time.Unix(0, s.lastData.Load())) >= s.opts.idleTimeout {
				s.teardown()
				return errSessionIdle
			}
		}
	}
}

func (s *relaySession) touch() { s.lastData.Store(time.Now().UnixNano()) }

func (s *relaySession) writeFrame(mt int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.idleTimeout > 0 {
		s.remote.SetWriteDeadline(time.Now().Add(s.opts.idleTimeout)) //nolint:errcheck
	}
	return s.remote.WriteMessage(mt, data)
}

// closeRemoteSend sends a best-effort close frame after local EOF.
func (s *relaySession) closeRemoteSend() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.remote.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
}

// teardown closes both connections exactly once, whichever path gets
// here first.
func (s *relaySession) teardown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.local.Close()
		if s.remote != nil {
			s.remote.Close()
		}
	})
}

func (s *relaySession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// relayErr drops the errors that are a normal way for a direction to
// end: EOF, a normal close from the server, or any error caused by the
// other direction having already torn the session down.
func (s *relaySession) relayErr(err error) error {
	switch {
	case s.isClosed(),
		util.IsHarmless(err),
		errors.Is(err, websocket.ErrCloseSent),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return nil
	}
	return err
}
