// Package server provides the HTTP and WebSocket surface of
// workspace-hostd.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openagent/workspacehost/internal/auth"
	"github.com/openagent/workspacehost/internal/commandgateway"
	"github.com/openagent/workspacehost/internal/config"
	"github.com/openagent/workspacehost/internal/container"
	"github.com/openagent/workspacehost/internal/idle"
	"github.com/openagent/workspacehost/internal/materializer"
	"github.com/openagent/workspacehost/internal/persistence"
	"github.com/openagent/workspacehost/internal/pty"
	"github.com/openagent/workspacehost/internal/sshadapter"
	"github.com/openagent/workspacehost/internal/sysinfo"
	"github.com/openagent/workspacehost/internal/transfer"
	"github.com/openagent/workspacehost/internal/workspace"
)

// Server ties every workspace-hostd subsystem together: auth, the pooled
// PTY layer, container lifecycle, file transfer, the command gateway,
// and the idle-shutdown detector.
type Server struct {
	config *config.Config

	jwtValidator    *auth.Validator
	sessionManager  *auth.SessionManager
	ptyPool         *pty.Pool
	containerDriver *container.Driver
	workspaces      *workspace.Store
	sshAdapter      *sshadapter.Adapter
	commands        *commandgateway.Gateway
	transfers       *transfer.Service
	tabs            *persistence.Store
	sysInfo         *sysinfo.Collector
	idleDetector    *idle.Detector

	displayWatchersMu sync.Mutex
	displayWatchers   map[string]*materializer.DisplayWatcher

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New wires every subsystem from configuration and returns a Server
// ready to have its handler mounted, but not yet listening.
func New(cfg *config.Config) (*Server, error) {
	var jwtValidator *auth.Validator
	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewJWKSValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("create jwt validator: %w", err)
		}
		jwtValidator = v
	} else {
		jwtValidator = auth.NewDevValidator(cfg.DevToken)
	}

	sessionManager := auth.NewSessionManagerWithConfig(auth.SessionManagerConfig{
		CookieName:      cfg.CookieName,
		Secure:          cfg.CookieSecure,
		TTL:             cfg.SessionTTL,
		CleanupInterval: cfg.SessionCleanupInterval,
		MaxSessions:     cfg.SessionMaxCount,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspacesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces dir: %w", err)
	}

	containerDriver, err := container.NewDriver(cfg.WorkspacesDir)
	if err != nil {
		return nil, fmt.Errorf("create container driver: %w", err)
	}

	hostWorkDir, err := os.UserHomeDir()
	if err != nil || hostWorkDir == "" {
		hostWorkDir = "/root"
	}
	workspaces, err := workspace.Open(filepath.Join(cfg.DataDir, "workspaces.json"), hostWorkDir)
	if err != nil {
		return nil, fmt.Errorf("open workspace store: %w", err)
	}
	if orphans, err := workspaces.RecoverOrphans(cfg.WorkspacesDir); err != nil {
		log.Printf("recover orphaned workspaces: %v", err)
	} else if len(orphans) > 0 {
		log.Printf("recovered %d orphaned workspace(s): %s", len(orphans), strings.Join(orphans, ", "))
	}

	tabs, err := persistence.Open(filepath.Join(cfg.DataDir, "tabs.db"))
	if err != nil {
		return nil, fmt.Errorf("open tab store: %w", err)
	}

	var sshAdapter *sshadapter.Adapter
	sshCfg := sshadapter.Config{
		Host:           cfg.SSHHost,
		Port:           cfg.SSHPort,
		User:           cfg.SSHUser,
		PrivateKeyPath: cfg.SSHPrivateKeyPath,
	}
	if !sshCfg.IsLocalhost() {
		a, err := sshadapter.New(sshCfg)
		if err != nil {
			return nil, fmt.Errorf("create ssh adapter: %w", err)
		}
		sshAdapter = a
	}

	ptyPool := pty.NewPool(pty.PoolConfig{
		SweepInterval: cfg.PoolSweepInterval,
		SessionTTL:    cfg.PoolSessionTTL,
	})

	commands := commandgateway.New(commandgateway.Config{
		DefaultTimeout: cfg.CommandDefaultTimeout,
		MaxOutputChars: cfg.CommandMaxOutputChars,
		DefaultShell:   cfg.DefaultShell,
	})

	transfers := transfer.NewService(transfer.Config{
		SSHAdapter:       sshAdapter,
		MaxUploadBytes:   cfg.TransferMaxUploadBytes,
		TempDir:          cfg.TransferTempDir,
		URLIngestTimeout: cfg.URLIngestTimeout,
	})

	sysInfo := sysinfo.NewCollector(sysinfo.CollectorConfig{})

	idleDetector := idle.NewDetector(cfg.IdleTimeout, cfg.HeartbeatInterval, cfg.ControlPlaneURL, cfg.NodeID, cfg.CallbackToken)

	s := &Server{
		config:          cfg,
		jwtValidator:    jwtValidator,
		sessionManager:  sessionManager,
		ptyPool:         ptyPool,
		containerDriver: containerDriver,
		workspaces:      workspaces,
		sshAdapter:      sshAdapter,
		commands:        commands,
		transfers:       transfers,
		tabs:            tabs,
		sysInfo:         sysInfo,
		idleDetector:    idleDetector,
		displayWatchers: make(map[string]*materializer.DisplayWatcher),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins)
			},
		},
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally left at 0: console/workspace-shell and
	// desktop-stream WebSockets are long-lived, and Go's http.Server sets
	// WriteTimeout as a deadline on the raw conn before the handler runs,
	// which would kill a hijacked connection partway through its life.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Handler returns the server's top-level HTTP handler, useful for tests
// that want to drive it with httptest without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the idle detector and HTTP server and blocks until ctx is
// cancelled or the idle detector requests a shutdown, then drains
// in-flight requests and closes every subsystem.
func (s *Server) Run(ctx context.Context) error {
	s.idleDetector.Start()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case <-s.idleDetector.ShutdownChannel():
		log.Printf("idle timeout reached, shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			s.shutdown()
			return err
		}
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.idleDetector.Stop()
	s.ptyPool.CloseAll()
	s.ptyPool.Stop()
	s.sessionManager.Stop()

	if s.sshAdapter != nil {
		if err := s.sshAdapter.Close(); err != nil {
			log.Printf("close ssh adapter: %v", err)
		}
	}
	if err := s.tabs.Close(); err != nil {
		log.Printf("close tab store: %v", err)
	}

	s.displayWatchersMu.Lock()
	for dir, dw := range s.displayWatchers {
		if err := dw.Close(); err != nil {
			log.Printf("close display watcher for %s: %v", dir, err)
		}
	}
	s.displayWatchersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes mounts every HTTP and WebSocket route.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /system-info", s.handleSystemInfo)

	mux.HandleFunc("POST /auth/token", s.handleTokenAuth)
	mux.HandleFunc("GET /auth/session", s.handleSessionCheck)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)

	mux.HandleFunc("GET /console", s.handleConsoleWS)
	mux.HandleFunc("GET /desktop/stream", s.handleDesktopStream)

	mux.HandleFunc("GET /workspaces", s.handleListWorkspaces)
	mux.HandleFunc("POST /workspaces", s.handleCreateWorkspace)
	mux.HandleFunc("GET /workspaces/{id}", s.handleGetWorkspace)
	mux.HandleFunc("DELETE /workspaces/{id}", s.handleDeleteWorkspace)
	mux.HandleFunc("GET /workspaces/{id}/shell", func(w http.ResponseWriter, r *http.Request) {
		s.handleWorkspaceShellWS(w, r, r.PathValue("id"))
	})

	mux.HandleFunc("GET /fs/list", s.handleFSList)
	mux.HandleFunc("POST /fs/mkdir", s.handleFSMkdir)
	mux.HandleFunc("POST /fs/remove", s.handleFSRemove)
	mux.HandleFunc("GET /fs/download", s.handleFSDownload)
	mux.HandleFunc("POST /fs/upload", s.handleFSUpload)
	mux.HandleFunc("POST /fs/upload/chunk", s.handleFSUploadChunk)
	mux.HandleFunc("POST /fs/upload/finalize", s.handleFSUploadFinalize)
	mux.HandleFunc("POST /fs/download-url", s.handleFSDownloadURL)

	mux.HandleFunc("POST /command", s.handleRunCommand)
}

// resolveWorkspaceDisplay reads the active X11 display for a workspace
// out of the runtime state file the materializer maintains inside it,
// so a freshly attached shell or the framebuffer streamer can find the
// right DISPLAY without asking the control plane.
func (s *Server) resolveWorkspaceDisplay(workspaceDir string) string {
	s.displayWatchersMu.Lock()
	dw, ok := s.displayWatchers[workspaceDir]
	if !ok {
		var err error
		dw, err = materializer.WatchDisplay(workspaceDir)
		if err != nil {
			s.displayWatchersMu.Unlock()
			log.Printf("watch display for %s: %v", workspaceDir, err)
			state, readErr := materializer.ReadRuntimeState(workspaceDir)
			if readErr != nil {
				return ""
			}
			return state.Display
		}
		s.displayWatchers[workspaceDir] = dw
	}
	s.displayWatchersMu.Unlock()
	return dw.Current()
}

// corsMiddleware adds CORS headers, matching origins exactly or against
// a "https://*.example.com" wildcard-subdomain pattern.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isOriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, o := range allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
		if prefix, suffix, ok := splitWildcard(o); ok {
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// splitWildcard splits a pattern like "https://*.example.com" into its
// prefix ("https://") and suffix (".example.com"); ok is false if the
// pattern carries no wildcard.
func splitWildcard(pattern string) (prefix, suffix string, ok bool) {
	idx := strings.Index(pattern, "*.")
	if idx == -1 {
		return "", "", false
	}
	return pattern[:idx], pattern[idx+1:], true
}
