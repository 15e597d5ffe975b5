package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  []byte
)

// testKey returns an unencrypted ed25519 key in OpenSSH format, used
// both as the client key and as the test gateway's host key.  It is
// generated once per test binary.
func testKey(t *testing.T) []byte {
	t.Helper()
	testKeyOnce.Do(func() {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return
		}
		block, err := ssh.MarshalPrivateKey(priv, "nxtunnel-test")
		if err != nil {
			return
		}
		testKeyPEM = pem.EncodeToMemory(block)
	})
	if testKeyPEM == nil {
		t.Fatal("could not generate test key")
	}
	return testKeyPEM
}

// TestBuildAuthMethods_ExplicitKey verifies that a key file is loaded.
func TestBuildAuthMethods_ExplicitKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)

	methods, err := BuildAuthMethods(&SSHConfig{KeyPath: keyPath})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(methods))
	}
}

// TestBuildAuthMethods_MissingKey verifies an explicit key that cannot
// be read is an error rather than a silent fallback.
func TestBuildAuthMethods_MissingKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	_, err := BuildAuthMethods(&SSHConfig{KeyPath: "/nonexistent/key"})
	if err == nil {
		t.Fatal("expected error for missing key")
	}
}

// TestBuildAuthMethods_CorruptKey verifies parse failures are reported.
func TestBuildAuthMethods_CorruptKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_bad")
	if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := BuildAuthMethods(&SSHConfig{KeyPath: keyPath}); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestBuildAuthMethods_AgentUnset verifies --ssh-agent without a socket.
func TestBuildAuthMethods_AgentUnset(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	if _, err := BuildAuthMethods(&SSHConfig{UseAgent: true}); err == nil {
		t.Fatal("expected error when SSH_AUTH_SOCK is unset")
	}
}

// TestBuildAuthMethods_NoMethods verifies the fallback error when no
// agent and no default keys exist.
func TestBuildAuthMethods_NoMethods(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())

	if _, err := BuildAuthMethods(&SSHConfig{}); err == nil {
		t.Fatal("expected error with no available methods")
	}
}

// TestBuildAuthMethods_DefaultKeys verifies ~/.ssh/id_ed25519 is picked
// up when nothing is configured.
func TestBuildAuthMethods_DefaultKeys(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", home)

	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	writeTestKey(t, filepath.Join(home, ".ssh", "id_ed25519"))

	methods, err := BuildAuthMethods(&SSHConfig{})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Errorf("got %d methods, want 1", len(methods))
	}
}

// TestHostKeyCallback_Insecure verifies that InsecureIgnoreHostKey is used
// when StrictHostKey is false.
func TestHostKeyCallback_Insecure(t *testing.T) {
	cb, err := hostKeyCallback(&SSHConfig{StrictHostKey: false})
	if err != nil {
		t.Fatal(err)
	}
	if cb == nil {
		t.Fatal("callback should not be nil")
	}
}

// TestHostKeyCallback_StrictMissingFile verifies a missing known_hosts
// file is an error in strict mode.
func TestHostKeyCallback_StrictMissingFile(t *testing.T) {
	cfg := &SSHConfig{
		StrictHostKey: true,
		KnownHosts:    filepath.Join(t.TempDir(), "missing_known_hosts"),
	}
	if _, err := hostKeyCallback(cfg); err == nil {
		t.Fatal("expected error for missing known_hosts")
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func writeTestKey(t *testing.T, path string) {
	t.Helper()

	if err := os.WriteFile(path, testKey(t), 0o600); err != nil {
		t.Fatal(err)
	}
}

// TestGeneratedKey_SignsAndVerifies checks the test key's public half
// verifies signatures made with its private half.
func TestGeneratedKey_SignsAndVerifies(t *testing.T) {
	signer, err := ssh.ParsePrivateKey(testKey(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data := []byte("nxtunnel")
	sig, err := signer.Sign(rand.Reader, data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := signer.PublicKey().Verify(data, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
