package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoSchedule is returned when no cron schedule was provided by any source.
// This is a deliberate fatal: qrond never falls back to a default schedule,
// a silently-wrong cadence is worse than a failed start.
var ErrNoSchedule = errors.New("schedule is required: set CRON_SCHEDULE or the schedule config field")

// Validate checks a fully-resolved config (defaults + file + env).
//
// Cron syntax itself is not checked here: the crontab parser owns that and
// reports the offending line. Validate only rejects what would make startup
// meaningless.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	if strings.TrimSpace(cfg.Schedule) == "" {
		return ErrNoSchedule
	}
	if strings.TrimSpace(cfg.JobPath) == "" {
		return errors.New("job_path must not be empty")
	}
	if strings.TrimSpace(cfg.CrontabPath) == "" {
		return errors.New("crontab_path must not be empty")
	}

	if cfg.Scheduler.Workers < 0 {
		return errors.New("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return errors.New("scheduler.queue_size must be >= 0")
	}
	if cfg.Scheduler.HistorySize < 0 {
		return errors.New("scheduler.history_size must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.term_grace", cfg.Scheduler.TermGrace); err != nil {
		return err
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", tz, err)
		}
	}

	if cfg.Output.RatePerSec < 0 {
		return errors.New("output.rate_per_sec must be >= 0")
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
			return err
		}
	}

	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		if strings.TrimSpace(nc.Token) == "" {
			return errors.New("notifier.token is required when notifier.enabled is true")
		}
		if nc.ChatID == 0 {
			return errors.New("notifier.chat_id is required when notifier.enabled is true")
		}
		if nc.RatePerSec < 0 {
			return errors.New("notifier.rate_per_sec must be >= 0")
		}
	}

	return nil
}
