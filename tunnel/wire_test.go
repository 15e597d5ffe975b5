package tunnel

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	nxerr "nxtunnel/internal/errors"
)

func TestBuildTunnelURL_FormEncoding(t *testing.T) {
	cfg := &TunnelConfig{
		ServerURL:  "https://host/",
		Token:      "a b",
		EntryID:    7,
		IdentityID: 3,
		RemoteHost: "db.internal",
		RemotePort: 5432,
	}
	got, err := BuildTunnelURL(cfg)
	if err != nil {
		t.Fatalf("BuildTunnelURL: %v", err)
	}

	want := "wss://host/api/ws/tunnel?sessionToken=a+b&entryId=7&identityId=3&remoteHost=db.internal&remotePort=5432"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestBuildTunnelURL_Schemes(t *testing.T) {
	tests := []struct {
		server string
		prefix string
	}{
		{"http://nexterm.local:6989", "ws://nexterm.local:6989/api/ws/tunnel?"},
		{"https://nexterm.example.com", "wss://nexterm.example.com/api/ws/tunnel?"},
		{"ws://10.0.0.5", "ws://10.0.0.5/api/ws/tunnel?"},
		{"wss://example.com//", "wss://example.com/api/ws/tunnel?"},
		{"https://example.com/nexterm/", "wss://example.com/nexterm/api/ws/tunnel?"},
	}
	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := BuildTunnelURL(&TunnelConfig{ServerURL: tt.server, RemoteHost: "h", RemotePort: 22})
			if err != nil {
				t.Fatalf("BuildTunnelURL: %v", err)
			}
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("got %s, want prefix %s", got, tt.prefix)
			}
		})
	}
}

func TestBuildTunnelURL_InvalidScheme(t *testing.T) {
	for _, server := range []string{"ftp://host", "host:6989", "", "HTTPS//host"} {
		t.Run(server, func(t *testing.T) {
			_, err := BuildTunnelURL(&TunnelConfig{ServerURL: server})
			if !errors.Is(err, nxerr.ErrInvalidServerURL) {
				t.Errorf("err = %v, want ErrInvalidServerURL", err)
			}
		})
	}
}

func TestBuildTunnelURL_QueryRoundTrip(t *testing.T) {
	cfg := &TunnelConfig{
		ServerURL:  "http://h",
		Token:      "tok&en=1 +/",
		EntryID:    -1,
		IdentityID: 9000000000,
		RemoteHost: "fe80::1%eth0",
		RemotePort: 65535,
	}
	raw, err := BuildTunnelURL(cfg)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	q := u.Query()
	checks := map[string]string{
		"sessionToken": cfg.Token,
		"entryId":      "-1",
		"identityId":   "9000000000",
		"remoteHost":   cfg.RemoteHost,
		"remotePort":   "65535",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if u.Path != TunnelPath {
		t.Errorf("path = %q, want %q", u.Path, TunnelPath)
	}
}

func TestControlMessages(t *testing.T) {
	tests := []struct {
		in    string
		ready bool
		pong  bool
	}{
		{`{"type":"ready"}`, true, false},
		{`{"type":"ready","sessionId":"x"}`, true, false},
		{`{"type":"pong"}`, false, true},
		{`{"type":"error","message":"denied"}`, false, false},
		{`{"kind":"ready"}`, false, false},
		{`{"Type":"ready"}`, false, false},
		{`{"TYPE":"pong"}`, false, false},
		{`{"type":1}`, false, false},
		{`raw-data`, false, false},
		{`"ready"`, false, false},
		{``, false, false},
	}
	for _, tt := range tests {
		if got := IsReady([]byte(tt.in)); got != tt.ready {
			t.Errorf("IsReady(%q) = %v, want %v", tt.in, got, tt.ready)
		}
		if got := IsPong([]byte(tt.in)); got != tt.pong {
			t.Errorf("IsPong(%q) = %v, want %v", tt.in, got, tt.pong)
		}
	}
}

func TestPingFrame(t *testing.T) {
	msg, ok := ParseControl(pingFrame)
	if !ok || msg.Type != TypePing {
		t.Errorf("ping frame %q parsed as %+v, %v", pingFrame, msg, ok)
	}
}
