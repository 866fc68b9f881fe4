package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"qrond/internal/crontab"
	"qrond/internal/eventbus"
	"qrond/internal/runner"
	"qrond/internal/storage"
	logx "qrond/pkg/logx"
)

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"
}

// Runner executes one crontab command.
type Runner interface {
	Run(ctx context.Context, command string) (runner.Result, error)
}

// HistoryItem is one finished (or skipped) run in the in-memory history.
type HistoryItem struct {
	Position int
	Schedule string
	Command  string
	Started  time.Time
	Duration time.Duration
	ExitCode int
	Skipped  bool
	Error    string
}

// RunReport is the event payload published on the bus.
type RunReport struct {
	Position int
	Schedule string
	Command  string
	Started  time.Time
	Duration time.Duration
	ExitCode int
	Error    string
}

type task struct {
	position int
	schedule string
	command  string
	running  *atomic.Bool
}

type entry struct {
	job     crontab.Job
	running atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	run   Runner
	bus   eventbus.Bus
	store storage.Store
	loc   *time.Location

	parser  cron.Parser
	c       *cron.Cron
	entries []*entry

	queue  chan task
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, run Runner, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		run:    run,
		log:    log,
		bus:    bus,
		store:  store,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Load replaces the registered entries with the given crontab.
// Safe to call while running: the cron is rebuilt with the new set.
func (s *Service) Load(ct *crontab.Crontab) error {
	if ct == nil || len(ct.Jobs) == 0 {
		return errors.New("crontab has no jobs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*entry, 0, len(ct.Jobs))
	for _, j := range ct.Jobs {
		entries = append(entries, &entry{job: *j})
	}
	s.entries = entries

	if s.stopCh != nil {
		// running: rebuild the cron with the new entries
		s.restartLocked()
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	s.queue = make(chan task, queueSize)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for _, e := range s.entries {
		s.addCronLocked(e)
	}

	for i := 0; i < workers; i++ {
		go s.worker(ctx)
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("jobs", len(s.entries)),
		logx.Int("workers", workers),
		logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		stopCtx := s.c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		s.c = nil
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) addCronLocked(e *entry) {
	j := e.job
	_, err := s.c.AddFunc(j.Schedule, func() {
		s.enqueue(task{
			position: j.Position,
			schedule: j.Schedule,
			command:  j.Command,
			running:  &e.running,
		})
	})
	if err != nil {
		// Entries come from a parsed crontab; a parse/add mismatch here is a bug.
		s.log.Error("failed to register crontab entry",
			logx.Int("position", j.Position), logx.String("schedule", j.Schedule), logx.Err(err))
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, e := range s.entries {
		s.addCronLocked(e)
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.Int("jobs", len(s.entries)), logx.String("tz", loc.String()))
}

// SetTimezone updates the schedule evaluation zone. It takes effect on the
// next Load, which rebuilds the cron when the scheduler is running.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	s.cfg.Timezone = tz
	s.mu.Unlock()
}

// Location returns the zone the cron currently evaluates schedules in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) enqueue(t task) {
	// Overlap policy: a job still running when its next tick fires is skipped.
	if t.running.Load() {
		s.log.Warn("job still running, skipping tick",
			logx.Int("position", t.position), logx.String("command", t.command))
		s.appendHistory(HistoryItem{
			Position: t.position,
			Schedule: t.schedule,
			Command:  t.command,
			Started:  time.Now(),
			Skipped:  true,
		})
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunSkipped, Data: RunReport{
				Position: t.position, Schedule: t.schedule, Command: t.command,
			}})
		}
		return
	}
	select {
	case s.queue <- t:
	default:
		s.log.Warn("scheduler queue full, dropping tick",
			logx.Int("position", t.position), logx.String("command", t.command))
	}
}

func (s *Service) worker(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer t.running.Store(false)

	runCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.DefaultTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.DefaultTimeout)
		defer cancel()
	}

	s.log.Info("job starting", logx.Int("position", t.position), logx.String("command", t.command))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: RunReport{
			Position: t.position, Schedule: t.schedule, Command: t.command, Started: time.Now(),
		}})
	}

	res, err := s.run.Run(runCtx, t.command)

	item := HistoryItem{
		Position: t.position,
		Schedule: t.schedule,
		Command:  t.command,
		Started:  res.Started,
		Duration: res.Duration,
		ExitCode: res.ExitCode,
	}
	report := RunReport{
		Position: t.position,
		Schedule: t.schedule,
		Command:  t.command,
		Started:  res.Started,
		Duration: res.Duration,
		ExitCode: res.ExitCode,
	}
	if err != nil {
		item.Error = err.Error()
		report.Error = err.Error()
		s.log.Warn("job failed",
			logx.Int("position", t.position),
			logx.String("command", t.command),
			logx.Int("exit_code", res.ExitCode),
			logx.Duration("took", res.Duration),
			logx.Err(err))
	} else {
		s.log.Info("job ok",
			logx.Int("position", t.position),
			logx.String("command", t.command),
			logx.Duration("took", res.Duration))
	}

	s.appendHistory(item)

	if s.store != nil {
		entry := storage.RunEntry{
			At:       res.Started,
			Schedule: t.schedule,
			Command:  t.command,
			ExitCode: res.ExitCode,
			TookMS:   res.Duration.Milliseconds(),
			Error:    item.Error,
		}
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		if serr := s.store.AppendRun(sctx, entry); serr != nil {
			s.log.Warn("failed to persist run", logx.Err(serr))
		}
		scancel()
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: report})
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if s.cfg.HistorySize > 0 && len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// History returns a copy of the in-memory run history (oldest first).
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// Jobs returns a snapshot of the registered entries.
func (s *Service) Jobs() []crontab.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crontab.Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.job)
	}
	return out
}

// Describe returns a short human-readable summary, e.g. for the startup log.
func (s *Service) Describe() string {
	jobs := s.Jobs()
	parts := make([]string, 0, len(jobs))
	for _, j := range jobs {
		parts = append(parts, fmt.Sprintf("%q -> %s", j.Schedule, j.Command))
	}
	return strings.Join(parts, ", ")
}
