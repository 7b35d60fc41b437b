package commandgateway

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestResolveTimeoutPrecedence(t *testing.T) {
	g := New(Config{DefaultTimeout: 60 * time.Second})

	if got := g.resolveTimeout(Request{TimeoutMs: 500, TimeoutSecs: 5, TimeoutSecF: 5}); got != 500*time.Millisecond {
		t.Fatalf("timeout_ms should win, got %v", got)
	}
	if got := g.resolveTimeout(Request{TimeoutSecs: 5, TimeoutSecF: 10}); got != 5*time.Second {
		t.Fatalf("timeout_secs should win over timeout, got %v", got)
	}
	if got := g.resolveTimeout(Request{TimeoutSecF: 2.5}); got != 2500*time.Millisecond {
		t.Fatalf("timeout should be used when nothing else set, got %v", got)
	}
	if got := g.resolveTimeout(Request{}); got != 60*time.Second {
		t.Fatalf("expected default timeout, got %v", got)
	}
}

func TestResolveMaxOutputCharsClamps(t *testing.T) {
	g := New(Config{MaxOutputChars: 10000})

	if got := g.resolveMaxOutputChars(Request{MaxOutputChars: 0}); got != 10000 {
		t.Fatalf("expected default 10000, got %d", got)
	}
	if got := g.resolveMaxOutputChars(Request{MaxOutputChars: 1000000}); got != 50000 {
		t.Fatalf("expected clamp to 50000, got %d", got)
	}
}

func TestRunDeniedCommandNeverSpawns(t *testing.T) {
	g := New(Config{})
	result, err := g.Run(context.Background(), Request{Command: "rm -rf /"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Denied {
		t.Fatal("expected denied result")
	}
}

func TestRunSimpleCommandSucceeds(t *testing.T) {
	g := New(Config{DefaultShell: "/bin/sh"})
	result, err := g.Run(context.Background(), Request{Command: "echo hello-world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Output, "hello-world") {
		t.Fatalf("expected output to contain echoed text, got: %q", result.Output)
	}
	if !strings.Contains(result.Output, "Exit code: 0") {
		t.Fatalf("expected exit code header, got: %q", result.Output)
	}
}

func TestRunRawModeOmitsHeader(t *testing.T) {
	g := New(Config{DefaultShell: "/bin/sh"})
	result, err := g.Run(context.Background(), Request{Command: "echo raw-output", Raw: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(result.Output, "Exit code:") {
		t.Fatalf("raw mode should omit exit code header, got: %q", result.Output)
	}
}

func TestRunTimeoutExceeded(t *testing.T) {
	g := New(Config{DefaultShell: "/bin/sh"})
	result, err := g.Run(context.Background(), Request{Command: "sleep 5", TimeoutMs: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected timeout to be reported")
	}
}
