package config

// Config is qrond's full configuration surface.
//
// Sources, in increasing precedence:
//  1. built-in defaults (Default)
//  2. config file (JSON or YAML, strict decode)
//  3. environment overrides (ApplyEnv)
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Schedule is the five-field cron expression for the job.
	// Required: startup fails when it is empty after all sources are applied.
	// Env override: CRON_SCHEDULE.
	Schedule string `json:"schedule,omitempty"`

	// JobPath is the executable the schedule triggers.
	// Env override: QROND_JOB.
	JobPath string `json:"job_path,omitempty"`

	// CrontabPath is where the rendered crontab file is written on every
	// launch (truncated, never appended).
	// Env override: QROND_CRONTAB.
	CrontabPath string `json:"crontab_path,omitempty"`

	// Timezone is an IANA TZ name for schedule evaluation (e.g. "Asia/Jakarta").
	// Empty means the process-local zone. Env override: QROND_TZ.
	Timezone string `json:"timezone,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Output    OutputConfig    `json:"output,omitempty"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Systemd SystemdConfig `json:"systemd,omitempty"`
}

// SchedulerConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 1
//   - queue_size: 16
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds a single run. "0s" disables the bound.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// TermGrace is how long a cancelled job gets between SIGTERM and SIGKILL.
	TermGrace string `json:"term_grace,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"`
	File    FileLogging `json:"file,omitempty"`
}

type FileLogging struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// OutputConfig controls job output passthrough.
//
// RatePerSec caps forwarded output lines per second per stream; 0 disables
// the cap (every line is forwarded unmodified).
type OutputConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional run-history store.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (sqlite build tag)
//
// If Driver is empty or "none", storage is disabled.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls optional Telegram alerts on failed runs.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SystemdConfig controls sd_notify integration.
// Notify is safe to leave on outside systemd: without NOTIFY_SOCKET it is a no-op.
type SystemdConfig struct {
	Notify bool `json:"notify,omitempty"`
}

// Default job and crontab locations match the container layout this
// supervisor ships in.
const (
	DefaultJobPath     = "/app/cron-qreceive.sh"
	DefaultCrontabPath = "/tmp/crontab"
)

// Default returns the built-in configuration used when no config file is given.
func Default() *Config {
	console := true
	return &Config{
		JobPath:     DefaultJobPath,
		CrontabPath: DefaultCrontabPath,
		Scheduler: SchedulerConfig{
			Workers:     1,
			QueueSize:   16,
			HistorySize: 200,
		},
		Logging: LoggingConfig{
			Level:   "INFO",
			Console: &console,
		},
	}
}

// ConsoleEnabled resolves the tri-state console flag (default on).
func (c LoggingConfig) ConsoleEnabled() bool {
	if c.Console == nil {
		return true
	}
	return *c.Console
}
