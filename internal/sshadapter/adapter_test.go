package sshadapter

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestIsLocalhost(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"", true},
		{"localhost", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.5", false},
		{"console.example.com", false},
	}
	for _, tc := range cases {
		cfg := Config{Host: tc.host}
		if got := cfg.IsLocalhost(); got != tc.want {
			t.Errorf("IsLocalhost(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}

func TestAcceptNewHostKeyCallbackRecordsUnknownHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	cb, err := acceptNewHostKeyCallback(path)
	if err != nil {
		t.Fatalf("acceptNewHostKeyCallback: %v", err)
	}

	_, priv, err := generateTestSigner(t)
	if err != nil {
		t.Fatal(err)
	}

	if err := cb("example.com:22", dummyAddr{}, priv.PublicKey()); err != nil {
		t.Fatalf("first connect to unknown host should be accepted: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(content) == 0 {
		t.Fatal("expected known_hosts file to be populated after accepting new host key")
	}

	// Re-accepting the same recorded key must succeed.
	if err := cb("example.com:22", dummyAddr{}, priv.PublicKey()); err != nil {
		t.Fatalf("re-validating recorded host key should succeed: %v", err)
	}
}

func generateTestPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestMaterializeKeyWritesScopedTempFileForRawPEM(t *testing.T) {
	pemKey := generateTestPEM(t)

	h, err := MaterializeKey(pemKey)
	if err != nil {
		t.Fatalf("MaterializeKey: %v", err)
	}
	defer h.Close()

	info, err := os.Stat(h.Path)
	if err != nil {
		t.Fatalf("expected temp key file to exist: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected key file mode 0600, got %v", info.Mode().Perm())
	}

	content, err := os.ReadFile(h.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != pemKey {
		t.Error("expected temp key file to contain the exact PEM bytes given")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Error("expected temp key file to be removed after Close")
	}
}

func TestMaterializeKeyPassesThroughExistingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, []byte("not actually a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	h, err := MaterializeKey(path)
	if err != nil {
		t.Fatalf("MaterializeKey: %v", err)
	}
	if h.Path != path {
		t.Errorf("expected handle to point at the given path, got %q", h.Path)
	}

	// Close on a path-backed handle must not delete the caller's key file.
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected path-backed key file to survive Close: %v", err)
	}
}

func TestNewMaterializesRawPEMKeyAndCloseRemovesIt(t *testing.T) {
	pemKey := generateTestPEM(t)

	a, err := New(Config{Host: "example.com", PrivateKeyPath: pemKey})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keyPath := a.keyHandle.Path
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("expected materialized key file to exist: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(keyPath); !os.IsNotExist(err) {
		t.Error("expected materialized key file to be removed on Close")
	}
}

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "example.com:22" }

func generateTestSigner(t *testing.T) (ssh.Signer, ssh.Signer, error) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return signer, signer, nil
}
