package tunnel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	nxerr "nxtunnel/internal/errors"
)

// TunnelPath is the server route that upgrades to a tunnel WebSocket.
const TunnelPath = "/api/ws/tunnel"

// Control message types exchanged as JSON text frames.
const (
	TypeReady = "ready" // server: tunnel established, relay may start
	TypePong  = "pong"  // server: heartbeat reply, never forwarded
	TypePing  = "ping"  // client: heartbeat request
)

// ControlMessage is the JSON shape of a text control frame.  Fields
// other than type are ignored.
type ControlMessage struct {
	Type string `json:"type"`
}

var pingFrame = mustMarshal(ControlMessage{Type: TypePing}) //nolint:gochecknoglobals

// BuildTunnelURL returns the WebSocket URL for cfg:
//
//	<ws|wss>://<host>/api/ws/tunnel?sessionToken=..&entryId=..&identityId=..&remoteHost=..&remotePort=..
//
// http and https are rewritten to ws and wss.  The token and remote host
// use form encoding (space becomes "+"), which is what the server's
// query parser expects.
func BuildTunnelURL(cfg *TunnelConfig) (string, error) {
	base := cfg.ServerURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		return "", fmt.Errorf("%w: %q", nxerr.ErrInvalidServerURL, cfg.ServerURL)
	}

	return fmt.Sprintf("%s%s?sessionToken=%s&entryId=%d&identityId=%d&remoteHost=%s&remotePort=%d",
		strings.TrimRight(base, "/"),
		TunnelPath,
		url.QueryEscape(cfg.Token),
		cfg.EntryID,
		cfg.IdentityID,
		url.QueryEscape(cfg.RemoteHost),
		cfg.RemotePort,
	), nil
}

// ParseControl decodes a text frame as a control message.  ok is false
// when the frame is not a JSON object.  Only the exact key "type" is
// read, and only a string value counts.
func ParseControl(data []byte) (msg ControlMessage, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return ControlMessage{}, false
	}
	if raw, found := fields["type"]; found {
		json.Unmarshal(raw, &msg.Type) //nolint:errcheck // non-string leaves Type empty
	}
	return msg, true
}

// IsReady reports whether a text frame is the handshake "ready" message.
func IsReady(data []byte) bool {
	msg, ok := ParseControl(data)
	return ok && msg.Type == TypeReady
}

// IsPong reports whether a text frame is a heartbeat reply.
func IsPong(data []byte) bool {
	msg, ok := ParseControl(data)
	return ok && msg.Type == TypePong
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
