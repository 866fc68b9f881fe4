package crontab

import (
	"os"
	"strings"
)

// Render produces file content for the given lines: schedule and command
// joined by a single space, one line per job, trailing newline.
func Render(lines ...Line) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(strings.TrimSpace(l.Schedule))
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(l.Command))
		b.WriteString("\n")
	}
	return b.String()
}

// WriteFile writes the rendered crontab, truncating any prior content.
// The file is regenerated in full on every launch so no stale entries can
// survive a restart.
func WriteFile(path string, lines ...Line) error {
	return os.WriteFile(path, []byte(Render(lines...)), 0o644)
}
