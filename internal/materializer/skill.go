package materializer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelim = "---"

// SkillSpec describes one skill markdown file to materialize into a
// workspace's .opencode/skill directory.
type SkillSpec struct {
	Name    string
	Content string
}

// MaterializeSkills writes each skill's SKILL.md into
// workspaceDir/.opencode/skill/<name>/SKILL.md and normalizes its
// frontmatter name field to match the sanitized skill name.
func MaterializeSkills(workspaceDir string, skills []SkillSpec) error {
	for _, sk := range skills {
		name := SanitizeServerName(sk.Name)
		dir := filepath.Join(workspaceDir, ".opencode", "skill", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create skill dir %s: %w", name, err)
		}
		path := filepath.Join(dir, "SKILL.md")
		if err := os.WriteFile(path, []byte(sk.Content), 0o644); err != nil {
			return fmt.Errorf("write skill file %s: %w", name, err)
		}
		if _, err := EnsureFrontmatterName(path, name); err != nil {
			return fmt.Errorf("normalize skill frontmatter %s: %w", name, err)
		}
	}
	return nil
}

// EnsureFrontmatterName reads a skill/tool markdown file and ensures
// its YAML frontmatter has a "name" field set to name. If the file has
// no frontmatter, one is added. If a name field already matches, the
// file is left untouched (the operation is idempotent so repeated
// materialization passes don't rewrite files that already converged).
// Returns true if the file was modified.
func EnsureFrontmatterName(path, name string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read skill file: %w", err)
	}

	body, fm, hadFrontmatter := splitFrontmatter(string(data))

	fields := yaml.MapSlice{}
	if hadFrontmatter {
		if err := yaml.Unmarshal([]byte(fm), &fields); err != nil {
			return false, fmt.Errorf("parse frontmatter: %w", err)
		}
	}

	changed := !hadFrontmatter
	found := false
	for i, item := range fields {
		key, ok := item.Key.(string)
		if !ok || key != "name" {
			continue
		}
		found = true
		if item.Value != name {
			fields[i].Value = name
			changed = true
		}
	}
	if !found {
		// Insert name as the first field, matching how hand-written
		// skill files conventionally lead with it.
		fields = append(yaml.MapSlice{{Key: "name", Value: name}}, fields...)
		changed = true
	}

	if !changed {
		return false, nil
	}

	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	enc.SetIndent(2)
	if err := enc.Encode(fields); err != nil {
		return false, fmt.Errorf("encode frontmatter: %w", err)
	}
	enc.Close()

	var rebuilt strings.Builder
	rebuilt.WriteString(frontmatterDelim)
	rebuilt.WriteString("\n")
	rebuilt.WriteString(out.String())
	rebuilt.WriteString(frontmatterDelim)
	rebuilt.WriteString("\n")
	rebuilt.WriteString(body)

	if err := os.WriteFile(path, []byte(rebuilt.String()), 0o644); err != nil {
		return false, fmt.Errorf("write skill file: %w", err)
	}
	return true, nil
}

// splitFrontmatter splits a markdown document into (body, frontmatter,
// hadFrontmatter). A document has frontmatter only if it begins with a
// "---" line followed later by a closing "---" line.
func splitFrontmatter(content string) (body, frontmatter string, had bool) {
	if !strings.HasPrefix(content, frontmatterDelim) {
		return content, "", false
	}
	rest := content[len(frontmatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx == -1 {
		return content, "", false
	}
	frontmatter = rest[:idx]
	afterClose := rest[idx+len("\n"+frontmatterDelim):]
	afterClose = strings.TrimPrefix(afterClose, "\n")
	return afterClose, frontmatter, true
}
