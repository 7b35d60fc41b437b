package transfer

import "strings"

// SanitizePathComponent reduces an untrusted path-ish string (an upload
// id, a client-supplied file name, a Content-Disposition or URL-derived
// name) to a bare filename component: the basename only, with ".." and
// NUL scrubbed out.
func SanitizePathComponent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")

	if idx := strings.LastIndexAny(s, "/\\"); idx != -1 {
		s = s[idx+1:]
	}
	s = strings.ReplaceAll(s, "..", "")
	s = strings.TrimSpace(s)
	if s == "" {
		s = "unnamed"
	}
	return s
}
