package config

import (
	"os"
	"strings"
)

// Environment overrides. These win over file values so the container contract
// (schedule from env, everything else baked into the image) keeps working.
const (
	EnvSchedule = "CRON_SCHEDULE"
	EnvJobPath  = "QROND_JOB"
	EnvCrontab  = "QROND_CRONTAB"
	EnvTimezone = "QROND_TZ"
	EnvLogLevel = "QROND_LOG_LEVEL"
)

// LookupFunc resolves one environment variable.
// Tests inject a map-backed lookup instead of touching the real environment.
type LookupFunc func(key string) (string, bool)

// OSLookup reads the real process environment.
func OSLookup(key string) (string, bool) { return os.LookupEnv(key) }

// ApplyEnv overlays recognized environment variables onto cfg.
// Empty values are ignored (setting CRON_SCHEDULE="" does not clear a
// file-provided schedule).
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = OSLookup
	}

	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			if v = strings.TrimSpace(v); v != "" {
				*dst = v
			}
		}
	}

	set(EnvSchedule, &cfg.Schedule)
	set(EnvJobPath, &cfg.JobPath)
	set(EnvCrontab, &cfg.CrontabPath)
	set(EnvTimezone, &cfg.Timezone)
	set(EnvLogLevel, &cfg.Logging.Level)
}
