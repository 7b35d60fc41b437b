package pty

import (
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
)

// PTYFile is the minimal surface a pooled session needs from its
// underlying pseudo-terminal: a local PTY (*os.File from
// github.com/creack/pty) and a remote PTY (an SSH session's stdin/stdout
// pipes, via internal/sshadapter) both satisfy it.
type PTYFile interface {
	io.Reader
	io.Writer
}

// Resizer is implemented by PTYs that support window resize.
type Resizer interface {
	Resize(rows, cols int) error
}

// Session is one pooled PTY session, addressable by the pool's session
// key for as long as it lives.
type Session struct {
	Key       string
	Cmd       *exec.Cmd // nil for SSH-routed sessions
	PTY       PTYFile
	Rows      int
	Cols      int
	CreatedAt time.Time

	mu             sync.Mutex
	InUse          bool
	DisconnectedAt time.Time
	LastActive     time.Time
	ProcessExited  bool
	attachedWriter io.Writer

	OutputBuffer *RingBuffer
	onClose      func()
}

func newPooledSession(key string, cmd *exec.Cmd, ptmx PTYFile, rows, cols, bufferSize int, onClose func()) (*Session, error) {
	now := time.Now()
	return &Session{
		Key:          key,
		Cmd:          cmd,
		PTY:          ptmx,
		Rows:         rows,
		Cols:         cols,
		CreatedAt:    now,
		LastActive:   now,
		OutputBuffer: NewRingBuffer(bufferSize),
		onClose:      onClose,
	}, nil
}

// SetAttachedWriter sets the writer that receives live output
// (typically the current WebSocket connection). Pass nil on disconnect
// so output between disconnect and reconnect is buffered in
// OutputBuffer but not written anywhere.
func (s *Session) SetAttachedWriter(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachedWriter = w
}

// Resize changes the PTY window size if the underlying PTY supports it.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.Rows = rows
	s.Cols = cols
	s.mu.Unlock()

	if r, ok := s.PTY.(Resizer); ok {
		return r.Resize(rows, cols)
	}
	return nil
}

// Write writes input to the PTY and records activity.
func (s *Session) Write(p []byte) (int, error) {
	s.touch()
	return s.PTY.Write(p)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActive = time.Now()
	s.mu.Unlock()
}

// StartOutputReader starts a goroutine that continuously reads PTY
// output, always appends it to the ring buffer (so a reconnecting
// client can be handed recent scrollback), and forwards it to whichever
// writer is currently attached. onExit fires once the read loop ends,
// meaning the underlying process exited or the PTY was closed.
func (s *Session) StartOutputReader(onExit func(key string)) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := s.PTY.Read(buf)
			if n > 0 {
				s.touch()
				chunk := append([]byte(nil), buf[:n]...)
				s.OutputBuffer.Write(chunk)

				s.mu.Lock()
				w := s.attachedWriter
				s.mu.Unlock()
				if w != nil {
					if _, werr := w.Write(chunk); werr != nil {
						log.Printf("pty: attached writer error for session %s: %v", s.Key, werr)
					}
				}
			}
			if err != nil {
				s.mu.Lock()
				s.ProcessExited = true
				s.mu.Unlock()
				if onExit != nil {
					onExit(s.Key)
				}
				return
			}
		}
	}()
}

// Close tears down the session: closes the PTY, kills the child
// process if one exists locally, and invokes the pool's removal
// callback exactly once.
func (s *Session) Close() error {
	if s.onClose != nil {
		s.onClose()
	}

	var closeErr error
	if closer, ok := s.PTY.(io.Closer); ok {
		if err := closer.Close(); err != nil && err != io.EOF {
			closeErr = err
		}
	}

	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_, _ = s.Cmd.Process.Wait()
	}

	return closeErr
}

// IsInUse reports whether a live connection currently owns this session.
func (s *Session) IsInUse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InUse
}
