// Package app wires qrond together: configuration, logging, the crontab
// file, the scheduler, run storage, and optional alerting.
//
// Lifecycle: NewApp resolves and validates configuration (STARTING);
// Start writes the schedule file and hands execution to the scheduler in the
// foreground (RUNNING). The transition is one-way: the only way back is a
// full process restart, which regenerates the schedule file from scratch.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qrond/internal/config"
	"qrond/internal/crontab"
	"qrond/internal/eventbus"
	"qrond/internal/notify"
	"qrond/internal/runner"
	"qrond/internal/runtime/supervisor"
	"qrond/internal/scheduler"
	"qrond/internal/storage"
	logx "qrond/pkg/logx"
)

// ErrInvalidConfig marks configuration errors so main can exit with the
// dedicated status code.
var ErrInvalidConfig = errors.New("invalid configuration")

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	run   *runner.Runner
	sched *scheduler.Service
	notif *notify.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// Logging service mapping
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc := cfg.Storage; sc != nil {
		busyTimeout, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		st, err := storage.Open(storage.Config{
			Driver:      sc.Driver,
			Path:        sc.Path,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	defaultTimeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	termGrace, err := config.ParseDurationField("scheduler.term_grace", cfg.Scheduler.TermGrace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	run := runner.New(runner.Config{
		TermGrace:  termGrace,
		RatePerSec: cfg.Output.RatePerSec,
	}, log.With(logx.String("comp", "runner")))

	schedSvc := scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: defaultTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Timezone,
	}, run, log.With(logx.String("comp", "scheduler")), bus, store)

	var notifSvc *notify.Service
	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		notifSvc, err = notify.New(notify.Config{
			Enabled:    nc.Enabled,
			Token:      nc.Token,
			ChatID:     nc.ChatID,
			RatePerSec: nc.RatePerSec,
		}, log.With(logx.String("comp", "notify")))
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		run:     run,
		sched:   schedSvc,
		notif:   notifSvc,
	}, nil
}

// ConfigManager exposes the manager (tests inject env lookups through it
// before Start).
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Scheduler exposes the scheduler service (run history, registered jobs).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	// The one proactive diagnostic: announce the schedule in use.
	a.log.Info("starting scheduled job supervisor",
		logx.String("schedule", cfg.Schedule),
		logx.String("job", cfg.JobPath),
		logx.String("crontab", cfg.CrontabPath))

	// Write the schedule file fresh, then have the scheduler consume it.
	// Any failure here aborts startup: no retries, no partial state.
	if err := a.writeAndLoad(cfg); err != nil {
		return err
	}

	if a.notif != nil && a.notif.Enabled() {
		a.sup.Go0("notify.deliver", a.notif.Run)
		events, unsub := a.bus.Subscribe(64)
		a.sup.Go0("notify.dispatch", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					if e.Type != eventbus.TypeRunFinished {
						continue
					}
					if r, ok := e.Data.(scheduler.RunReport); ok {
						a.notif.RunFinished(r)
					}
				}
			}
		})
	}

	a.sched.Start(a.sup.Context())

	// STARTING -> RUNNING: tell systemd we are up (no-op without NOTIFY_SOCKET).
	if cfg.Systemd.Notify {
		a.notifyReady()
		a.startWatchdog()
	}

	// config hot reload: watcher + fan-out
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							break drain
						}
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyReload(last, newCfg)
				last = newCfg
			}
		}
	})

	return nil
}

// writeAndLoad renders the schedule file (truncating any prior content) and
// loads it into the scheduler.
func (a *App) writeAndLoad(cfg *config.Config) error {
	line := crontab.Line{Schedule: cfg.Schedule, Command: cfg.JobPath}
	if err := crontab.WriteFile(cfg.CrontabPath, line); err != nil {
		return fmt.Errorf("write crontab %s: %w", cfg.CrontabPath, err)
	}
	ct, err := crontab.ParseFile(cfg.CrontabPath)
	if err != nil {
		return fmt.Errorf("parse crontab %s: %w", cfg.CrontabPath, err)
	}
	a.sched.SetTimezone(cfg.Timezone)
	if err := a.sched.Load(ct); err != nil {
		return err
	}
	a.log.Info("crontab loaded", logx.String("jobs", a.sched.Describe()))
	return nil
}

// applyReload reacts to a committed config change. Only schedule-shaped and
// logging changes take effect at runtime; everything else needs a restart.
func (a *App) applyReload(old, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if old != nil && scheduleUnchanged(old, cfg) {
		a.log.Debug("config reloaded; schedule unchanged")
		return
	}

	a.log.Info("schedule changed, reloading",
		logx.String("schedule", cfg.Schedule),
		logx.String("job", cfg.JobPath))
	if err := a.writeAndLoad(cfg); err != nil {
		// Reload failures keep the previous schedule running.
		a.log.Error("schedule reload failed, keeping previous schedule", logx.Err(err))
	}
}

func scheduleUnchanged(old, cfg *config.Config) bool {
	return old.Schedule == cfg.Schedule &&
		old.JobPath == cfg.JobPath &&
		old.CrontabPath == cfg.CrontabPath &&
		strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone)
}

func (a *App) Stop(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg != nil && cfg.Systemd.Notify {
		a.notifyStopping()
	}

	if a.sched != nil {
		a.sched.Stop(ctx)
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}

	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
