// Package config provides configuration loading for workspace-hostd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for workspace-hostd.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings. When JWKSEndpoint is empty, auth falls back to DevToken
	// for local/offline development.
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string
	DevToken     string

	// Control plane settings (optional; idle heartbeat only)
	ControlPlaneURL string
	NodeID          string
	CallbackToken   string

	// Storage
	DataDir       string // base directory holding workspaces.json, containers, tabs.db
	WorkspacesDir string // directory under which container root filesystems live

	// Session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	SessionMaxCount        int
	CookieName             string
	CookieSecure           bool

	// Idle settings
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// PTY pool settings
	DefaultShell      string
	DefaultRows       int
	DefaultCols       int
	PoolSweepInterval time.Duration
	PoolSessionTTL    time.Duration

	// Console SSH settings (used when routing a console/workspace-shell session
	// to a remote host instead of spawning a local shell)
	SSHUser           string
	SSHHost           string
	SSHPort           int
	SSHPrivateKeyPath string

	// Command gateway defaults
	CommandDefaultTimeout time.Duration
	CommandMaxOutputChars int

	// File transfer / SSRF guard settings
	TransferMaxUploadBytes int64
	TransferTempDir        string
	URLIngestTimeout       time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("WORKSPACEHOSTD_DATA_DIR", "/var/lib/workspace-hostd")

	cfg := &Config{
		Port:           getEnvInt("WORKSPACEHOSTD_PORT", 8080),
		Host:           getEnv("WORKSPACEHOSTD_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "workspace-terminal"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		DevToken:     getEnv("DEV_TOKEN", ""),

		ControlPlaneURL: getEnv("CONTROL_PLANE_URL", ""),
		NodeID:          getEnv("NODE_ID", ""),
		CallbackToken:   getEnv("CALLBACK_TOKEN", ""),

		DataDir:       dataDir,
		WorkspacesDir: getEnv("WORKSPACEHOSTD_WORKSPACES_DIR", dataDir+"/containers"),

		SessionTTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		SessionMaxCount:        getEnvInt("SESSION_MAX_COUNT", 100),
		CookieName:             getEnv("COOKIE_NAME", "workspacehostd_session"),
		CookieSecure:           getEnvBool("COOKIE_SECURE", true),

		IdleTimeout:       getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 0), // 0: streaming endpoints (WS, MJPEG) can't have a fixed write deadline
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		DefaultShell:      getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:       getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:       getEnvInt("DEFAULT_COLS", 80),
		PoolSweepInterval: getEnvDuration("POOL_SWEEP_INTERVAL", 10*time.Second),
		PoolSessionTTL:    getEnvDuration("POOL_SESSION_TTL", 30*time.Second),

		SSHUser:           getEnv("CONSOLE_SSH_USER", ""),
		SSHHost:           getEnv("CONSOLE_SSH_HOST", ""),
		SSHPort:           getEnvInt("CONSOLE_SSH_PORT", 22),
		SSHPrivateKeyPath: getEnv("CONSOLE_SSH_PRIVATE_KEY_PATH", ""),

		CommandDefaultTimeout: getEnvDuration("COMMAND_DEFAULT_TIMEOUT", 60*time.Second),
		CommandMaxOutputChars: getEnvInt("COMMAND_MAX_OUTPUT_CHARS", 10000),

		TransferMaxUploadBytes: getEnvInt64("TRANSFER_MAX_UPLOAD_BYTES", 1<<30), // 1 GiB
		TransferTempDir:        getEnv("TRANSFER_TEMP_DIR", os.TempDir()),
		URLIngestTimeout:       getEnvDuration("URL_INGEST_TIMEOUT", 60*time.Second),
	}

	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = cfg.ControlPlaneURL
	}

	if cfg.JWKSEndpoint == "" && cfg.DevToken == "" {
		return nil, fmt.Errorf("either JWKS_ENDPOINT or DEV_TOKEN must be set")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
