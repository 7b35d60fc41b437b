package transfer

import "testing"

func TestSanitizePathComponent(t *testing.T) {
	cases := map[string]string{
		"foo.txt":              "foo.txt",
		"../../etc/passwd":     "passwd",
		"/a/b/c.png":           "c.png",
		`C:\temp\x.bin`:        "x.bin",
		"  spaced.txt  ":       "spaced.txt",
		"nested/../../secrets": "secrets",
		"bad\x00name":          "badname",
		"":                     "unnamed",
	}
	for in, want := range cases {
		if got := SanitizePathComponent(in); got != want {
			t.Errorf("SanitizePathComponent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizePathComponentNeverContainsSlashOrDotDot(t *testing.T) {
	inputs := []string{"../../x", "a/b/c", `a\b\c`, "..", "/", "x/../y"}
	for _, in := range inputs {
		got := SanitizePathComponent(in)
		if contains(got, "..") || contains(got, "/") || contains(got, `\`) {
			t.Errorf("SanitizePathComponent(%q) = %q still contains a path separator or ..", in, got)
		}
	}
}

func contains(s, substr string) bool {
	return len(substr) > 0 && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
