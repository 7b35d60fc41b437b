package pty

import (
	"bytes"
	"os/exec"
	"sync"
	"testing"
	"time"
)

func newTestSession(t *testing.T, key string) *Session {
	t.Helper()
	cmd := exec.Command("/bin/sh")
	local, err := StartLocalShell(cmd, 24, 80)
	if err != nil {
		t.Fatalf("failed to start local shell: %v", err)
	}
	session, err := newPooledSession(key, cmd, local, 24, 80, 4096, nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func TestOutputBufferingCapturesDuringDisconnect(t *testing.T) {
	session := newTestSession(t, "sess-buf-test")
	defer session.Close()

	var writerBuf bytes.Buffer
	var writerMu sync.Mutex
	writer := &testWriter{buf: &writerBuf, mu: &writerMu}

	session.SetAttachedWriter(writer)
	session.StartOutputReader(nil)

	if _, err := session.Write([]byte("echo connected-output\n")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	bufContent := session.OutputBuffer.ReadAll()
	if !bytes.Contains(bufContent, []byte("connected-output")) {
		t.Fatalf("expected ring buffer to contain 'connected-output', got: %s", string(bufContent))
	}

	writerMu.Lock()
	writerContent := writerBuf.String()
	writerMu.Unlock()
	if !bytes.Contains([]byte(writerContent), []byte("connected-output")) {
		t.Fatalf("expected writer to contain 'connected-output', got: %s", writerContent)
	}

	// Simulate disconnect: clear attached writer.
	session.SetAttachedWriter(nil)
	writerMu.Lock()
	writerBuf.Reset()
	writerMu.Unlock()

	if _, err := session.Write([]byte("echo disconnected-output\n")); err != nil {
		t.Fatalf("write error during disconnect: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	bufContent = session.OutputBuffer.ReadAll()
	if !bytes.Contains(bufContent, []byte("disconnected-output")) {
		t.Fatalf("expected ring buffer to contain 'disconnected-output', got: %s", string(bufContent))
	}

	writerMu.Lock()
	writerContent = writerBuf.String()
	writerMu.Unlock()
	if bytes.Contains([]byte(writerContent), []byte("disconnected-output")) {
		t.Fatal("expected writer to NOT receive output while disconnected")
	}

	// Reconnect: scrollback from the ring buffer still has it.
	scrollback := session.OutputBuffer.ReadAll()
	if !bytes.Contains(scrollback, []byte("disconnected-output")) {
		t.Fatalf("expected scrollback to contain 'disconnected-output', got: %s", string(scrollback))
	}
}

func TestStartOutputReaderSetsProcessExitedOnExit(t *testing.T) {
	session := newTestSession(t, "sess-exit-test")

	exitCh := make(chan string, 1)
	session.StartOutputReader(func(key string) {
		exitCh <- key
	})

	if _, err := session.Write([]byte("exit\n")); err != nil {
		t.Fatalf("write error: %v", err)
	}

	select {
	case key := <-exitCh:
		if key != "sess-exit-test" {
			t.Fatalf("expected key sess-exit-test, got %s", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit callback")
	}

	session.mu.Lock()
	exited := session.ProcessExited
	session.mu.Unlock()
	if !exited {
		t.Fatal("expected ProcessExited to be true after process exits")
	}
}

type testWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
