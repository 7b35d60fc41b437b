package commandgateway

import (
	"fmt"
	"os"
	"strings"
)

// dangerousPattern pairs a command prefix that is always rejected with
// the suggestion shown for it, checked against the command after
// trimming whitespace and stripping any wrapperPrefixes.
type dangerousPattern struct {
	prefix     string
	suggestion string
}

var dangerousPatterns = []dangerousPattern{
	{"find /", "Use 'find " + workDirHint + "' or a specific directory path"},
	{"find / ", "Use 'find " + workDirHint + "' or a specific directory path"},
	{"grep -r /", "Use 'grep -r /root/' or a specific directory path"},
	{"grep -rn /", "Use 'grep -rn /root/' or a specific directory path"},
	{"grep -R /", "Use 'grep -R /root/' or a specific directory path"},
	{"ls -laR /", "Use a specific directory path instead of root"},
	{"du -sh /", "Use a specific directory path instead of root"},
	{"du -a /", "Use a specific directory path instead of root"},
	{"rm -rf /", "This would destroy the entire system"},
	{"rm -rf /*", "This would destroy the entire system"},
	{"> /dev/", "Writing to device files is blocked"},
	{"dd if=/dev/", "Direct disk operations are blocked"},
}

// workDirHint is the literal work directory suggested by the find/grep
// denylist messages.
const workDirHint = "/root/work/"

var wrapperPrefixes = []string{"sudo ", "time ", "nice ", "nohup "}

// CheckDenylist reports whether command is dangerous enough to refuse
// outright. It strips common wrapper prefixes (sudo, time, nice, nohup)
// before matching, so "sudo rm -rf /" is caught the same as "rm -rf /".
func CheckDenylist(command string) (reason string, denied bool) {
	trimmed := strings.TrimSpace(command)
	for {
		stripped := false
		for _, p := range wrapperPrefixes {
			if strings.HasPrefix(trimmed, p) {
				trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, p))
				stripped = true
			}
		}
		if !stripped {
			break
		}
	}

	for _, dp := range dangerousPatterns {
		if strings.HasPrefix(trimmed, dp.prefix) {
			return fmt.Sprintf("Blocked dangerous command pattern '%s'. %s", dp.prefix, dp.suggestion), true
		}
	}
	return "", false
}

func currentEnv() []string {
	return os.Environ()
}
