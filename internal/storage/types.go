package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunEntry records one job run.
// Keep it compact and schema-stable.
type RunEntry struct {
	At       time.Time `json:"at"`
	Schedule string    `json:"schedule"`
	Command  string    `json:"command"`
	ExitCode int       `json:"exit_code"`
	TookMS   int64     `json:"took_ms"`
	Error    string    `json:"err,omitempty"`
}
