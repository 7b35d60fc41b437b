// Package commandgateway runs one-shot shell commands on behalf of a
// client, either on the bare host or inside a systemd-nspawn container,
// with a dangerous-command denylist, a configurable timeout, and output
// sanitization/truncation.
package commandgateway

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/openagent/workspacehost/internal/container"
)

// Config holds gateway-wide defaults.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputChars int
	DefaultShell   string
}

// Gateway executes commands according to Config and a per-request Request.
type Gateway struct {
	cfg Config
}

// New builds a Gateway.
func New(cfg Config) *Gateway {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxOutputChars == 0 {
		cfg.MaxOutputChars = 10000
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "/bin/bash"
	}
	return &Gateway{cfg: cfg}
}

// Request is one command-execution request.
type Request struct {
	Command       string
	Cwd           string
	TimeoutMs     int
	TimeoutSecs   int
	TimeoutSecF   float64
	Env           map[string]string
	ClearEnv      bool
	Stdin         string
	Shell         string
	MaxOutputChars int
	Raw           bool

	// Container routing, mirrors OPEN_AGENT_WORKSPACE_TYPE/_ROOT.
	WorkspaceType string // "", "chroot", "nspawn", "container"
	WorkspaceRoot string
}

// Result is the outcome of a command execution.
type Result struct {
	Output      string
	ExitCode    int
	TimedOut    bool
	Denied      bool
	DenyMessage string
}

// resolveTimeout applies the precedence timeout_ms > timeout_secs >
// timeout (float seconds) > the gateway default.
func (g *Gateway) resolveTimeout(req Request) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if req.TimeoutSecs > 0 {
		return time.Duration(req.TimeoutSecs) * time.Second
	}
	if req.TimeoutSecF > 0 {
		return time.Duration(req.TimeoutSecF * float64(time.Second))
	}
	return g.cfg.DefaultTimeout
}

func (g *Gateway) resolveMaxOutputChars(req Request) int {
	n := req.MaxOutputChars
	if n <= 0 {
		n = g.cfg.MaxOutputChars
	}
	if n < 1 {
		n = 1
	}
	if n > 50000 {
		n = 50000
	}
	return n
}

func (g *Gateway) resolveShell(req Request) string {
	shell := req.Shell
	if shell == "" {
		shell = g.cfg.DefaultShell
	}
	if req.WorkspaceRoot != "" {
		return container.ResolveShell(req.WorkspaceRoot)
	}
	if !container.ShellExists("/", shell) {
		return "/bin/sh"
	}
	return shell
}

func (g *Gateway) isContainerRouted(req Request) bool {
	switch req.WorkspaceType {
	case "chroot", "nspawn", "container":
		return req.WorkspaceRoot != ""
	default:
		return false
	}
}

// Run validates and executes req, returning its sanitized, truncated
// output. A denylisted command never spawns a process; Result.Denied is
// set and Output carries the user-facing rejection message.
func (g *Gateway) Run(ctx context.Context, req Request) (*Result, error) {
	if reason, denied := CheckDenylist(req.Command); denied {
		return &Result{Denied: true, DenyMessage: reason}, nil
	}

	timeout := g.resolveTimeout(req)
	maxChars := g.resolveMaxOutputChars(req)
	shell := g.resolveShell(req)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if g.isContainerRouted(req) {
		built, err := container.BuildRunCommand(container.RunCommandOptions{
			Root:    req.WorkspaceRoot,
			Chdir:   req.Cwd,
			Shell:   shell,
			Command: req.Command,
			Env:     req.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("build container command: %w", err)
		}
		// Variables for the containerized process travel via --setenv
		// args baked into built.Args; the nspawn process itself still
		// needs the host environment (PATH, etc) to run.
		cmd = exec.CommandContext(runCtx, built.Path, built.Args[1:]...)
	} else {
		cmd = exec.CommandContext(runCtx, shell, "-c", req.Command)
		if req.Cwd != "" {
			cmd.Dir = req.Cwd
		}
		cmd.Env = buildEnv(req.ClearEnv, req.Env)
	}

	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	runErr := cmd.Run()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	sanitized := SanitizeOutput(combined.Bytes())
	output := sanitized
	if !req.Raw {
		output = formatOutput(sanitized, exitCode, timedOut)
	}
	output = Truncate(output, maxChars)

	return &Result{Output: output, ExitCode: exitCode, TimedOut: timedOut}, nil
}

func buildEnv(clearEnv bool, extra map[string]string) []string {
	var env []string
	if !clearEnv {
		env = currentEnv()
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func formatOutput(output string, exitCode int, timedOut bool) string {
	if timedOut {
		return output + "\n[command timed out]"
	}
	header := fmt.Sprintf("Exit code: %d\n", exitCode)
	if exitCode != 0 && strings.TrimSpace(output) != "" {
		header += "(command exited non-zero; it may have succeeded with warnings)\n"
	}
	return header + output
}
