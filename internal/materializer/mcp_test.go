package materializer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeServerName(t *testing.T) {
	cases := map[string]string{
		"My Server!":  "my-server",
		"already-ok":  "already-ok",
		"  spaced  ":  "spaced",
		"":            "server",
		"UPPER_Case1": "upper_case1",
	}
	for in, want := range cases {
		if got := SanitizeServerName(in); got != want {
			t.Errorf("SanitizeServerName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUniquifyNamesDeduplicates(t *testing.T) {
	specs := []MCPServerSpec{{Name: "tool"}, {Name: "Tool"}, {Name: "TOOL"}}
	out := UniquifyNames(specs)
	if out[0].Name != "tool" || out[1].Name != "tool-2" || out[2].Name != "tool-3" {
		t.Fatalf("unexpected uniquified names: %+v", out)
	}
}

func TestResolveCommandPathPrefersUsrLocalBin(t *testing.T) {
	if got := ResolveCommandPath("/abs/path/bin"); got != "/abs/path/bin" {
		t.Errorf("absolute path should pass through unchanged, got %q", got)
	}
	if got := ResolveCommandPath("definitely-not-installed-anywhere"); got != "definitely-not-installed-anywhere" {
		t.Errorf("unresolvable command should fall back to bare name, got %q", got)
	}
}

func TestWriteOpencodeConfigStdioAndHTTP(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "opencode.json")

	err := WriteOpencodeConfig(configPath, []MCPServerSpec{
		{Name: "local-tool", Command: "mytool", Args: []string{"--flag"}},
		{Name: "remote-tool", URL: "https://example.com/mcp"},
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	var mcp map[string]map[string]interface{}
	if err := json.Unmarshal(cfg["mcp"], &mcp); err != nil {
		t.Fatal(err)
	}
	if mcp["local-tool"]["type"] != "local" {
		t.Errorf("expected local-tool to be type local, got %+v", mcp["local-tool"])
	}
	if mcp["remote-tool"]["type"] != "remote" {
		t.Errorf("expected remote-tool to be type remote, got %+v", mcp["remote-tool"])
	}
}

func TestWriteOpencodeConfigPreservesExistingKeys(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "opencode.json")
	if err := os.WriteFile(configPath, []byte(`{"theme":"dark"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := WriteOpencodeConfig(configPath, []MCPServerSpec{{Name: "t", Command: "t"}}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	var theme string
	if err := json.Unmarshal(cfg["theme"], &theme); err != nil {
		t.Fatal(err)
	}
	if theme != "dark" {
		t.Errorf("expected existing theme key to be preserved, got %q", theme)
	}
}
