package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	nxerr "nxtunnel/internal/errors"
	"nxtunnel/tunnel"
	"nxtunnel/util"
)

// captureStdout redirects the package's stdout for one test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = old })
	return &buf
}

// clearEnv keeps a developer's NXTUNNEL_* settings out of the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, "NXTUNNEL_") {
			t.Setenv(k, "")
		}
	}
}

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	out := captureStdout(t)
	if err := Execute(context.Background(), []string{"--version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "nxtunnel ") {
		t.Errorf("output = %q", out.String())
	}
}

// TestExecute_Help verifies --help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {}} {
		name := "no-args"
		if len(args) > 0 {
			name = args[0]
		}
		t.Run(name, func(t *testing.T) {
			err := Execute(context.Background(), args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and prints the plan.
func TestExecute_DryRun(t *testing.T) {
	clearEnv(t)
	out := captureStdout(t)

	err := Execute(context.Background(), []string{
		"--server", "https://nexterm.example.com", "--id", "db",
		"--entry", "12", "-p", "15432", "--dry-run", "10.0.0.8", "5432",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"db", "127.0.0.1:15432", "10.0.0.8:5432", "12"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("plan %q should contain %q", out.String(), want)
		}
	}
}

func TestExecute_DryRunHostPortForm(t *testing.T) {
	clearEnv(t)
	t.Setenv("NXTUNNEL_SERVER", "http://nexterm.local")
	out := captureStdout(t)

	err := Execute(context.Background(), []string{"--dry-run", "--gateway", "ops@bastion:2200", "db.internal:5432"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "db.internal:5432") {
		t.Errorf("plan missing remote: %q", out.String())
	}
	if !strings.Contains(out.String(), "ops@bastion:2200") {
		t.Errorf("plan missing gateway: %q", out.String())
	}
}

func TestExecute_DryRunTunnelsFile(t *testing.T) {
	clearEnv(t)
	out := captureStdout(t)

	p := filepath.Join(t.TempDir(), "tunnels.yaml")
	body := "server_url: wss://h\ntunnels:\n  - {id: web, remote_host: 10.0.0.2, remote_port: 80}\n  - {id: rdp, remote_host: 10.0.0.3, remote_port: 3389}\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Execute(context.Background(), []string{"-f", p, "--dry-run"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "web") || !strings.Contains(out.String(), "rdp") {
		t.Errorf("plan = %q", out.String())
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	clearEnv(t)
	captureStdout(t)

	tests := []struct {
		name    string
		args    []string
		wantSub string
		wantIs  error
	}{
		{"missing server", []string{"--dry-run", "h", "22"}, "hint:", nil},
		{"bad scheme", []string{"--server", "ftp://h", "--dry-run", "h", "22"}, "", nxerr.ErrInvalidServerURL},
		{"bad port", []string{"--server", "http://h", "--dry-run", "h", "ssh"}, "invalid port", nil},
		{"too many args", []string{"--server", "http://h", "--dry-run", "h", "22", "23"}, "too many arguments", nil},
		{"file with args", []string{"-f", "x.yaml", "--dry-run", "h", "22"}, "unexpected arguments", nil},
		{"bad gateway", []string{"--server", "http://h", "--gateway", "u@h:0", "--dry-run", "h", "22"}, "gateway", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Execute(context.Background(), tt.args)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error %v is not %v", err, tt.wantIs)
			}
			if tt.wantSub != "" && !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

// TestExecute_Serve runs a real tunnel against a ready+echo server until
// the context is cancelled.
func TestExecute_Serve(t *testing.T) {
	clearEnv(t)

	var up websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tunnel.TunnelPath {
			http.NotFound(w, r)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready"}`)) //nolint:errcheck
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			c.WriteMessage(mt, data) //nolint:errcheck
		}
	}))
	defer srv.Close()

	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Execute(ctx, []string{
			"--server", srv.URL, "-p", strconv.Itoa(port),
			"--status-interval", "20ms", "--heartbeat", "0",
			"127.0.0.1", "5432",
		})
	}()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err = net.Dial("tcp", util.FormatAddr("127.0.0.1", port))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tunnel never listened: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	conn.Write([]byte("hello"))                        //nolint:errcheck
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q", buf)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}

func TestExecute_NothingListening(t *testing.T) {
	clearEnv(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	err = Execute(context.Background(), []string{
		"--server", "http://127.0.0.1:1", "-p", strconv.Itoa(util.ListenerPort(busy)), "h", "22",
	})
	if err == nil || !strings.Contains(err.Error(), "no tunnel is listening") {
		t.Errorf("err = %v, want no tunnel is listening", err)
	}
}
