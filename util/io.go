package util

import (
	"errors"
	"io"
	"net"
	"os"
)

// DefaultBufSize is the chunk size used when reading from a local
// connection before framing the bytes as one binary message (8 KiB).
const DefaultBufSize = 8 * 1024

// IsHarmless returns true for errors that are expected while a relay is
// being torn down: EOF, reads on a closed connection, expired deadlines
// after a deliberate close.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
