// Package sshadapter routes console and file-transfer operations to a
// remote host over SSH/SFTP when the workspace host is not the console
// target itself. Every spawned session gets a per-process known_hosts
// file and accepts new host keys on first connect, matching the
// BatchMode=yes -o StrictHostKeyChecking=accept-new posture of an
// unattended ssh client.
package sshadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes how to reach the console target. PrivateKeyPath may
// be either a path to an existing key file or raw PEM-encoded key
// bytes; see MaterializeKey.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	ConnectTimeout time.Duration
}

// KeyHandle is a scoped handle to a private key usable as an SSH auth
// source. When the key was supplied as raw PEM, Path names a 0600 temp
// file holding it that must be removed once the adapter is done with
// it; when it was already a path on disk, Close is a no-op.
type KeyHandle struct {
	Path string
	temp bool
}

// Close removes the temp file backing h, if any.
func (h *KeyHandle) Close() error {
	if h == nil || !h.temp {
		return nil
	}
	return os.Remove(h.Path)
}

// MaterializeKey accepts either a path to an existing private key file
// or raw PEM-encoded key bytes and returns a scoped KeyHandle pointing
// at a file readable by ssh.ParsePrivateKey. Raw PEM is written to a
// 0600 temp file under os.TempDir named open_agent_key_*; the caller
// must Close the handle on every exit path so that file doesn't
// outlive the connection it was materialized for.
func MaterializeKey(keyOrPath string) (*KeyHandle, error) {
	if !strings.Contains(keyOrPath, "PRIVATE KEY") {
		return &KeyHandle{Path: keyOrPath}, nil
	}

	f, err := os.CreateTemp("", "open_agent_key_")
	if err != nil {
		return nil, fmt.Errorf("create key temp file: %w", err)
	}
	path := f.Name()

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("chmod key temp file: %w", err)
	}
	if _, err := f.WriteString(keyOrPath); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write key temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close key temp file: %w", err)
	}

	return &KeyHandle{Path: path, temp: true}, nil
}

// Adapter holds a long-lived SSH client to a single host, reconnecting
// lazily if the connection drops.
type Adapter struct {
	cfg            Config
	knownHostsPath string
	keyHandle      *KeyHandle

	mu     sync.Mutex
	client *ssh.Client
}

// IsLocalhost reports whether this adapter targets the local machine,
// meaning console/file-transfer operations should bypass SSH entirely
// and talk to the filesystem and PTY layer directly.
func (c Config) IsLocalhost() bool {
	h := c.Host
	return h == "" || h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// New creates an Adapter. It materializes a dedicated known_hosts file
// under a temp directory for the life of the process, scoped to this
// single Adapter so that concurrent adapters to different hosts never
// interleave writes to the same file.
func New(cfg Config) (*Adapter, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	dir, err := os.MkdirTemp("", "workspacehostd-knownhosts-")
	if err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	khPath := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(khPath, nil, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create known_hosts file: %w", err)
	}

	keyHandle, err := MaterializeKey(cfg.PrivateKeyPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("materialize private key: %w", err)
	}

	return &Adapter{cfg: cfg, knownHostsPath: khPath, keyHandle: keyHandle}, nil
}

// IsLocalhost reports whether this adapter targets the local machine.
func (a *Adapter) IsLocalhost() bool {
	return a.cfg.IsLocalhost()
}

// Close shuts down the underlying connection and removes the
// known_hosts scratch file.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		_ = a.client.Close()
		a.client = nil
	}
	_ = a.keyHandle.Close()
	return os.RemoveAll(filepath.Dir(a.knownHostsPath))
}

// acceptNewHostKeyCallback wraps a knownhosts.HostKeyCallback so that an
// unknown host key is appended to the known_hosts file and accepted,
// mirroring StrictHostKeyChecking=accept-new. A host key that conflicts
// with a previously recorded entry for the same address is rejected.
func acceptNewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	base, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := base(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if ok := asKeyError(err, &keyErr); ok && len(keyErr.Want) > 0 {
			// A different key is already recorded for this host: refuse.
			return err
		}
		// Unknown host: record and accept.
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, werr := f.WriteString(line + "\n"); werr != nil {
			return werr
		}
		return nil
	}, nil
}

func asKeyError(err error, target **knownhosts.KeyError) bool {
	keyErr, ok := err.(*knownhosts.KeyError)
	if !ok {
		return false
	}
	*target = keyErr
	return true
}

func (a *Adapter) connect() (*ssh.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		// Cheap liveness probe: a closed client fails this immediately.
		if _, _, err := a.client.SendRequest("keepalive@workspacehostd", true, nil); err == nil {
			return a.client, nil
		}
		_ = a.client.Close()
		a.client = nil
	}

	keyBytes, err := os.ReadFile(a.keyHandle.Path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback, err := acceptNewHostKeyCallback(a.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("build host key callback: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            a.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         a.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	a.client = client
	return client, nil
}

// ExecResult holds the outcome of a non-interactive remote command.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Exec runs command on the remote host and collects its output.
func (a *Adapter) Exec(ctx context.Context, command string) (*ExecResult, error) {
	return a.ExecWithStdin(ctx, command, nil)
}

// ExecWithStdin runs command on the remote host, feeding stdin if non-nil.
func (a *Adapter) ExecWithStdin(ctx context.Context, command string, stdin io.Reader) (*ExecResult, error) {
	client, err := a.connect()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, ctx.Err()
	case runErr := <-done:
		exitCode := 0
		if runErr != nil {
			var exitErr *ssh.ExitError
			if ok := asExitError(runErr, &exitErr); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, fmt.Errorf("run command: %w", runErr)
			}
		}
		return &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	exitErr, ok := err.(*ssh.ExitError)
	if !ok {
		return false
	}
	*target = exitErr
	return true
}

// NewPTY opens an interactive PTY session over SSH (used for console /
// workspace-shell routing to a remote host), returning the session and
// its stdin/stdout pipe. Callers must call Close when done.
type PTYSession struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
}

// Resize changes the remote PTY window size.
func (p *PTYSession) Resize(rows, cols int) error {
	return p.session.WindowChange(rows, cols)
}

// Read reads PTY output, satisfying io.Reader so PTYSession can be used
// directly as a pooled PTY.
func (p *PTYSession) Read(b []byte) (int, error) {
	return p.Stdout.Read(b)
}

// Write writes PTY input, satisfying io.Writer.
func (p *PTYSession) Write(b []byte) (int, error) {
	return p.Stdin.Write(b)
}

// Close terminates the remote session.
func (p *PTYSession) Close() error {
	return p.session.Close()
}

// NewPTY requests a remote PTY and starts shell, returning once the
// shell has been launched.
func (a *Adapter) NewPTY(rows, cols int, term string) (*PTYSession, error) {
	client, err := a.connect()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if term == "" {
		term = "xterm-256color"
	}
	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &PTYSession{session: session, Stdin: stdin, Stdout: stdout}, nil
}
