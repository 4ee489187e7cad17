package executor

import (
	"os"
	"regexp"
	"strings"
)

// goFrame matches Go stack frame lines and goroutine headers that leak
// host internals.
var goFrame = regexp.MustCompile(`^(goroutine \d+ \[|\s+\S+\.go:\d+|\S+\.\S+\((0x[0-9a-f]+(, ?0x[0-9a-f]+)*(, \.\.\.)?)?\)$|created by |\[signal )`)

// sanitize strips host details from text that leaves the executor: the
// workspace root becomes "<workspace>", the home directory "~", and Go
// stack frames are dropped.
func (e *Executor) sanitize(s string) string {
	if s == "" {
		return s
	}
	if e.root != "" {
		s = strings.ReplaceAll(s, e.root+string(os.PathSeparator), "")
		s = strings.ReplaceAll(s, e.root, "<workspace>")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		s = strings.ReplaceAll(s, home, "~")
	}

	if !strings.Contains(s, "\n") {
		if goFrame.MatchString(s) {
			return ""
		}
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if goFrame.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\n")
}
