package materializer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureFrontmatterNameAddsMissingFrontmatter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skill.md")
	if err := os.WriteFile(path, []byte("# A skill\n\nDo the thing.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := EnsureFrontmatterName(path, "my-skill")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected file with no frontmatter to be changed")
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		t.Fatalf("expected frontmatter delimiter at start, got: %q", content)
	}
	if !strings.Contains(content, "name: my-skill") {
		t.Fatalf("expected name field, got: %q", content)
	}
	if !strings.Contains(content, "# A skill") {
		t.Fatalf("expected body to survive, got: %q", content)
	}
}

func TestEnsureFrontmatterNameUpdatesMismatchedName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skill.md")
	original := "---\nname: old-name\ndescription: does things\n---\nBody text.\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := EnsureFrontmatterName(path, "new-name")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected mismatched name to trigger a change")
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.Contains(content, "name: new-name") {
		t.Fatalf("expected updated name, got: %q", content)
	}
	if !strings.Contains(content, "description: does things") {
		t.Fatalf("expected other frontmatter fields preserved, got: %q", content)
	}
	if !strings.Contains(content, "Body text.") {
		t.Fatalf("expected body preserved, got: %q", content)
	}
}

func TestEnsureFrontmatterNameIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skill.md")
	original := "---\nname: stable-name\n---\nBody.\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := EnsureFrontmatterName(path, "stable-name")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected no-op when name already matches")
	}

	data, _ := os.ReadFile(path)
	if string(data) != original {
		t.Fatalf("expected file to be untouched, got: %q", string(data))
	}
}
