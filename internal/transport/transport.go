// Package transport provides the network path a relay session uses to
// reach the remote tunnel endpoint.  The WebSocket client runs on top
// of whatever connection a Dialer returns: a plain TCP connection, or
// a direct-tcpip channel through an SSH gateway for servers that are
// only reachable from behind a bastion.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Its Dial method has the
// signature expected by websocket.Dialer.NetDialContext.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
