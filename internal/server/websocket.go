// Package server provides the HTTP and WebSocket surface of
// workspace-hostd.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openagent/workspacehost/internal/auth"
	"github.com/openagent/workspacehost/internal/container"
	"github.com/openagent/workspacehost/internal/pty"
	"github.com/openagent/workspacehost/internal/workspace"
)

// frame is the console/workspace-shell wire protocol: "i" for input,
// "r" for resize, "o" for output, "e" for error. Unknown fields are
// simply absent from the marshaled JSON rather than erroring.
type frame struct {
	T string `json:"t"`
	D string `json:"d,omitempty"`
	R int    `json:"r,omitempty"`
	C int    `json:"c,omitempty"`
	M string `json:"m,omitempty"`
}

const wsSubprotocol = "openagent"

// authenticateUpgrade validates the bearer token carried in the
// Sec-WebSocket-Protocol header (browsers cannot set Authorization on a
// WS upgrade request) and returns the resulting claims plus the
// subprotocol to echo back.
func (s *Server) authenticateUpgrade(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	token, ok := auth.ExtractTokenFromProtocols(header)
	if !ok {
		return nil, errors.New("missing jwt subprotocol")
	}
	claims, err := s.jwtValidator.Validate(token)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	return claims, nil
}

func (s *Server) upgradeWithSubprotocol(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := s.upgrader
	upgrader.Subprotocols = []string{wsSubprotocol}
	return upgrader.Upgrade(w, r, http.Header{})
}

// consoleSessionKey derives the pool key for the console route: per-token
// when JWKS auth is live, a fixed key for dev mode so repeated local
// connections always reconnect to the same session.
func consoleSessionKey(token string, claims *auth.Claims, isDev bool) string {
	if isDev {
		return "dev:default"
	}
	return "auth:" + auth.FingerprintToken(token)
}

func workspaceSessionKey(workspaceID, token string, isDev bool) string {
	if isDev {
		return "workspace:" + workspaceID + ":dev"
	}
	return "workspace:" + workspaceID + ":" + auth.FingerprintToken(token)
}

// handleConsoleWS serves the host console: a single pooled PTY session
// per caller, reconnecting to the same shell across disconnects within
// the pool's session TTL.
func (s *Server) handleConsoleWS(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	token, _ := auth.ExtractTokenFromProtocols(header)
	claims, err := s.authenticateUpgrade(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgradeWithSubprotocol(w, r)
	if err != nil {
		log.Printf("console ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	key := consoleSessionKey(token, claims, s.jwtValidator.IsDev())
	s.serveSession(conn, key, func() (*exec.Cmd, pty.PTYFile, error) {
		return s.spawnConsoleShell(r)
	})
}

func (s *Server) spawnConsoleShell(r *http.Request) (*exec.Cmd, pty.PTYFile, error) {
	if s.sshAdapter != nil && !s.sshAdapter.IsLocalhost() {
		session, err := s.sshAdapter.NewPTY(s.config.DefaultRows, s.config.DefaultCols, "xterm-256color")
		if err != nil {
			return nil, nil, err
		}
		return nil, session, nil
	}
	cmd := exec.Command(s.config.DefaultShell, "--login")
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	local, err := pty.StartLocalShell(cmd, s.config.DefaultRows, s.config.DefaultCols)
	if err != nil {
		return nil, nil, err
	}
	return cmd, local, nil
}

// handleWorkspaceShellWS serves a shell inside a specific workspace: the
// bare host filesystem for a "host"-type workspace, or a systemd-nspawn
// container for a "chroot"-type one.
func (s *Server) handleWorkspaceShellWS(w http.ResponseWriter, r *http.Request, workspaceID string) {
	ws := s.workspaces.Get(workspaceID)
	if ws == nil {
		http.Error(w, "unknown workspace", http.StatusBadRequest)
		return
	}

	header := r.Header.Get("Sec-WebSocket-Protocol")
	token, _ := auth.ExtractTokenFromProtocols(header)
	_, err := s.authenticateUpgrade(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgradeWithSubprotocol(w, r)
	if err != nil {
		log.Printf("workspace-shell ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	key := workspaceSessionKey(workspaceID, token, s.jwtValidator.IsDev())
	s.serveSession(conn, key, func() (*exec.Cmd, pty.PTYFile, error) {
		return s.spawnWorkspaceShell(ws)
	})
}

func (s *Server) spawnWorkspaceShell(ws *workspace.Workspace) (*exec.Cmd, pty.PTYFile, error) {
	if ws.Type == workspace.TypeHost {
		cmd := exec.Command(s.config.DefaultShell, "--login")
		cmd.Dir = ws.Path
		cmd.Env = append(cmd.Env,
			"TERM=xterm-256color",
			"WORKSPACE_ID="+ws.ID,
			"WORKSPACE_NAME="+ws.Name,
		)
		local, err := pty.StartLocalShell(cmd, s.config.DefaultRows, s.config.DefaultCols)
		if err != nil {
			return nil, nil, err
		}
		return cmd, local, nil
	}

	display := s.resolveWorkspaceDisplay(ws.Path)
	cmd := container.BuildShellCommand(container.ShellCommandOptions{
		Root:          ws.Path,
		MachineName:   ws.MachineName,
		WorkspaceID:   ws.ID,
		WorkspaceName: ws.Name,
		Display:       display,
		Shell:         container.ResolveShell(ws.Path),
	})
	local, err := pty.StartLocalShell(cmd, s.config.DefaultRows, s.config.DefaultCols)
	if err != nil {
		return nil, nil, err
	}
	return cmd, local, nil
}

// serveSession acquires (creating or reconnecting to) a pooled session
// for key, attaches this connection as its live writer, and pumps
// input/output frames until the connection closes. If the session is
// already in use by another caller, the connection is closed immediately
// without disturbing the existing owner.
func (s *Server) serveSession(conn *websocket.Conn, key string, spawn pty.Spawner) {
	session, created, err := s.ptyPool.Acquire(key, s.config.DefaultRows, s.config.DefaultCols, spawn)
	if err != nil {
		if errors.Is(err, pty.ErrSessionBusy) {
			_ = conn.WriteJSON(frame{T: "e", M: "session already in use from another connection"})
			return
		}
		_ = conn.WriteJSON(frame{T: "e", M: err.Error()})
		return
	}

	s.idleDetector.RecordActivity()

	var writeMu sync.Mutex
	connWriter := &wsFrameWriter{conn: conn, mu: &writeMu}
	session.SetAttachedWriter(connWriter)
	defer session.SetAttachedWriter(nil)
	defer s.ptyPool.Release(key)

	if created {
		session.StartOutputReader(func(k string) {
			log.Printf("session %s: process exited", k)
		})
	} else {
		// Replay scrollback accumulated while disconnected.
		if backlog := session.OutputBuffer.ReadAll(); len(backlog) > 0 {
			_, _ = connWriter.Write(backlog)
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			continue
		}
		switch f.T {
		case "i":
			s.idleDetector.RecordActivity()
			if _, err := session.Write([]byte(f.D)); err != nil {
				return
			}
		case "r":
			if err := session.Resize(f.R, f.C); err != nil {
				log.Printf("resize session %s: %v", key, err)
			}
		}
	}
}

// wsFrameWriter adapts a *websocket.Conn into an io.Writer that emits
// "o" (output) frames, serializing concurrent writes since a session's
// output reader and its control loop can both want to write.
type wsFrameWriter struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

func (w *wsFrameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(frame{T: "o", D: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}
