package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type desktopControlMsg struct {
	T       string `json:"t"` // pause, resume, fps, quality
	FPS     int    `json:"fps,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

func clampFPS(fps int) int {
	if fps <= 0 {
		return 1
	}
	if fps > 30 {
		return 30
	}
	return fps
}

func clampQuality(q int) int {
	if q < 10 {
		return 10
	}
	if q > 100 {
		return 100
	}
	return q
}

// handleDesktopStream serves GET /desktop/stream?display=:N&fps=&quality=,
// a WebSocket that emits binary JPEG frames captured from an X11 virtual
// display via ImageMagick's import, at a configurable cadence.
func (s *Server) handleDesktopStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticateUpgrade(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	display := r.URL.Query().Get("display")
	if !strings.HasPrefix(display, ":") {
		http.Error(w, "display must look like :N", http.StatusBadRequest)
		return
	}

	fps := clampFPS(atoiDefault(r.URL.Query().Get("fps"), 10))
	quality := clampQuality(atoiDefault(r.URL.Query().Get("quality"), 70))

	conn, err := s.upgradeWithSubprotocol(w, r)
	if err != nil {
		log.Printf("desktop stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	fpsAtomic := int64(fps)
	qualityAtomic := int64(quality)
	paused := int32(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.captureLoop(ctx, conn, &writeMu, &fpsAtomic, &qualityAtomic, &paused, display)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			cancel()
			break
		}
		var msg desktopControlMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.T {
		case "pause":
			atomic.StoreInt32(&paused, 1)
		case "resume":
			atomic.StoreInt32(&paused, 0)
		case "fps":
			atomic.StoreInt64(&fpsAtomic, int64(clampFPS(msg.FPS)))
		case "quality":
			atomic.StoreInt64(&qualityAtomic, int64(clampQuality(msg.Quality)))
		}
	}
	<-done
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// captureLoop runs the `import -window root` capture cadence until ctx is
// cancelled (the receive loop ended) or a write to conn fails.
func (s *Server) captureLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, fps, quality *int64, paused *int32, display string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if atomic.LoadInt32(paused) == 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		frameBytes, captureErr := captureFrame(ctx, display, int(atomic.LoadInt64(quality)))
		if captureErr != nil {
			writeMu.Lock()
			_ = conn.WriteJSON(frame{T: "e", M: friendlyCaptureError(captureErr)})
			writeMu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		writeMu.Lock()
		err := conn.WriteMessage(websocket.BinaryMessage, frameBytes)
		writeMu.Unlock()
		if err != nil {
			return
		}

		interval := time.Second / time.Duration(clampFPS(int(atomic.LoadInt64(fps))))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func captureFrame(ctx context.Context, display string, quality int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "import", "-window", "root", "-quality", strconv.Itoa(quality), "jpeg:-")
	cmd.Env = append(cmd.Env, "DISPLAY="+display)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &captureError{underlying: err, stderr: stderr.String()}
	}
	return stdout.Bytes(), nil
}

type captureError struct {
	underlying error
	stderr     string
}

func (e *captureError) Error() string {
	if e.stderr != "" {
		return e.stderr
	}
	return e.underlying.Error()
}

// friendlyCaptureError turns common ImageMagick/X11 failures into a
// message a client can show directly instead of a raw stderr dump.
func friendlyCaptureError(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unable to open x server"):
		return "no virtual display is running for this workspace"
	case strings.Contains(lower, "can't open display"):
		return "the requested display is not available"
	default:
		return msg
	}
}
