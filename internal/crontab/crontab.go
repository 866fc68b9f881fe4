// Package crontab models the schedule file handed to the scheduler:
// one line per job, a five-field cron expression followed by the command.
//
// The file is ephemeral. It is rendered fresh on every launch (truncated,
// never appended) and owned exclusively by the process that wrote it.
package crontab

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

// cron expressions here are always five fields: minute, hour, day-of-month,
// month, day-of-week.
const scheduleFields = 5

// Line is one crontab entry.
type Line struct {
	Schedule string
	Command  string
}

// Job is a parsed entry plus its position in the file (1-based line number,
// counting only job lines).
type Job struct {
	Line
	Position int
}

// Crontab is the parsed schedule file.
type Crontab struct {
	Jobs []*Job
}

// parser validates schedules at parse time so a bad expression surfaces as a
// startup error with a line number instead of a dead silent job.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Parse reads crontab content. Blank lines and '#' comments are skipped.
func Parse(content string) (*Crontab, error) {
	ct := &Crontab{}
	sc := bufio.NewScanner(strings.NewReader(content))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		fields := strings.Fields(raw)
		if len(fields) < scheduleFields+1 {
			return nil, fmt.Errorf("crontab line %d: expected %d schedule fields and a command, got %q", lineNo, scheduleFields, raw)
		}
		schedule := strings.Join(fields[:scheduleFields], " ")
		command := strings.Join(fields[scheduleFields:], " ")

		if _, err := ParseSchedule(schedule); err != nil {
			return nil, fmt.Errorf("crontab line %d: invalid schedule %q: %w", lineNo, schedule, err)
		}

		ct.Jobs = append(ct.Jobs, &Job{
			Line:     Line{Schedule: schedule, Command: command},
			Position: len(ct.Jobs) + 1,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ct, nil
}

// ParseFile reads and parses a crontab file.
func ParseFile(path string) (*Crontab, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(b))
}
