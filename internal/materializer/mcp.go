// Package materializer projects mission/task configuration onto a
// workspace's filesystem: an opencode.json MCP server manifest, skill
// markdown files with normalized frontmatter, and small runtime-state
// JSON files that other processes in the workspace can poll.
package materializer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MCPServerSpec describes one MCP server to wire into a workspace,
// before transport-specific projection.
type MCPServerSpec struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"` // stdio transport: binary name, resolved against PATH-like dirs
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"` // http transport
	Env     map[string]string `json:"env,omitempty"`
}

// stdioEntry is the opencode.json shape for a stdio MCP server.
type stdioEntry struct {
	Type    string            `json:"type"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"environment,omitempty"`
	Enabled bool              `json:"enabled"`
}

// httpEntry is the opencode.json shape for an http MCP server.
type httpEntry struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// opencodeConfig is the subset of opencode.json this package owns.
// Unknown top-level keys already present on disk are preserved.
type opencodeConfig map[string]json.RawMessage

// commandSearchPaths lists directories checked, in order, when
// resolving a bare MCP server command name to an absolute path. This
// mirrors the install locations used by devcontainer feature scripts:
// user-installed tools land in /usr/local/bin, distro packages in
// /usr/bin.
var commandSearchPaths = []string{"/usr/local/bin", "/usr/bin"}

// ResolveCommandPath resolves a bare command name to an absolute path
// by checking commandSearchPaths in order, falling back to the bare
// name (for PATH-based resolution by the process that execs it) if
// it's not found in either directory.
func ResolveCommandPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	for _, dir := range commandSearchPaths {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return name
}

var nameSanitizeRE = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SanitizeServerName normalizes an MCP server name into one safe to use
// as a JSON object key and shell-adjacent identifier: lowercase,
// alphanumeric plus dash/underscore only.
func SanitizeServerName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nameSanitizeRE.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "server"
	}
	return s
}

// UniquifyNames sanitizes a list of MCP server names and deduplicates
// collisions by appending -2, -3, ... in input order, so two specs
// that sanitize to the same name don't silently overwrite one another
// in the resulting map.
func UniquifyNames(specs []MCPServerSpec) []MCPServerSpec {
	seen := make(map[string]int)
	out := make([]MCPServerSpec, len(specs))
	for i, spec := range specs {
		base := SanitizeServerName(spec.Name)
		seen[base]++
		name := base
		if n := seen[base]; n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		spec.Name = name
		out[i] = spec
	}
	return out
}

// projectEntry converts a spec into its opencode.json transport entry.
func projectEntry(spec MCPServerSpec) (json.RawMessage, error) {
	if spec.URL != "" {
		return json.Marshal(httpEntry{Type: "remote", URL: spec.URL, Enabled: true})
	}
	command := append([]string{ResolveCommandPath(spec.Command)}, spec.Args...)
	return json.Marshal(stdioEntry{Type: "local", Command: command, Env: spec.Env, Enabled: true})
}

// WriteOpencodeConfig writes (or merges into) opencode.json at
// configPath with an "mcp" key built from specs. Existing top-level
// keys are preserved; only "mcp" is replaced.
func WriteOpencodeConfig(configPath string, specs []MCPServerSpec) error {
	cfg := opencodeConfig{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse existing opencode config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read existing opencode config: %w", err)
	}

	mcp := make(map[string]json.RawMessage, len(specs))
	for _, spec := range UniquifyNames(specs) {
		entry, err := projectEntry(spec)
		if err != nil {
			return fmt.Errorf("project mcp entry %q: %w", spec.Name, err)
		}
		mcp[spec.Name] = entry
	}
	mcpJSON, err := json.Marshal(mcp)
	if err != nil {
		return err
	}
	cfg["mcp"] = mcpJSON

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal opencode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create opencode config dir: %w", err)
	}
	return os.WriteFile(configPath, out, 0o644)
}

// ConfigPathsForWorkspace returns the two locations opencode looks for
// MCP config in a workspace: the project-root opencode.json, and the
// per-user override under .opencode/opencode.json.
func ConfigPathsForWorkspace(workspaceDir string) (projectPath, userOverridePath string) {
	return filepath.Join(workspaceDir, "opencode.json"),
		filepath.Join(workspaceDir, ".opencode", "opencode.json")
}

// MaterializeWorkspace projects MCP servers and skills onto a workspace
// directory: opencode.json plus its byte-identical .opencode mirror,
// then each skill's normalized SKILL.md.
func MaterializeWorkspace(workspaceDir string, servers []MCPServerSpec, skills []SkillSpec) error {
	projectPath, userOverridePath := ConfigPathsForWorkspace(workspaceDir)
	if err := WriteOpencodeConfig(projectPath, servers); err != nil {
		return fmt.Errorf("write project opencode config: %w", err)
	}

	data, err := os.ReadFile(projectPath)
	if err != nil {
		return fmt.Errorf("read materialized opencode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(userOverridePath), 0o755); err != nil {
		return fmt.Errorf("create opencode override dir: %w", err)
	}
	if err := os.WriteFile(userOverridePath, data, 0o644); err != nil {
		return fmt.Errorf("mirror opencode config: %w", err)
	}

	return MaterializeSkills(workspaceDir, skills)
}
