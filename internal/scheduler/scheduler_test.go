package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qrond/internal/crontab"
	"qrond/internal/eventbus"
	"qrond/internal/runner"
	logx "qrond/pkg/logx"
)

// fakeRunner records commands and returns canned results.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string

	fail bool
}

func (f *fakeRunner) Run(ctx context.Context, command string) (runner.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return runner.Result{ExitCode: -1, Started: time.Now()}, err
	}
	res := runner.Result{ExitCode: 0, Started: time.Now(), Duration: time.Millisecond}
	if f.fail {
		res.ExitCode = 1
		return res, errors.New("command failed")
	}
	return res, nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func mustCrontab(t *testing.T, content string) *crontab.Crontab {
	t.Helper()
	ct, err := crontab.Parse(content)
	if err != nil {
		t.Fatalf("parse crontab: %v", err)
	}
	return ct
}

func TestLoadRejectsEmpty(t *testing.T) {
	s := New(Config{}, &fakeRunner{}, logx.Nop(), nil, nil)
	if err := s.Load(&crontab.Crontab{}); err == nil {
		t.Fatal("empty crontab accepted")
	}
	if err := s.Load(nil); err == nil {
		t.Fatal("nil crontab accepted")
	}
}

func TestLoadRegistersJobs(t *testing.T) {
	s := New(Config{}, &fakeRunner{}, logx.Nop(), nil, nil)
	if err := s.Load(mustCrontab(t, "0 13 * * * /app/cron-qreceive.sh\n")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0].Command != "/app/cron-qreceive.sh" {
		t.Fatalf("command = %q", jobs[0].Command)
	}
	if d := s.Describe(); d == "" {
		t.Fatal("Describe is empty")
	}
}

func TestEnqueueSkipsOverlappingRun(t *testing.T) {
	fr := &fakeRunner{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{HistorySize: 10}, fr, logx.Nop(), bus, nil)
	if err := s.Load(mustCrontab(t, "* * * * * echo tick\n")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var running atomic.Bool
	running.Store(true)
	s.enqueue(task{position: 1, schedule: "* * * * *", command: "echo tick", running: &running})

	select {
	case e := <-events:
		if e.Type != eventbus.TypeRunSkipped {
			t.Fatalf("event type = %q, want %q", e.Type, eventbus.TypeRunSkipped)
		}
	case <-time.After(time.Second):
		t.Fatal("no skip event published")
	}

	hist := s.History()
	if len(hist) != 1 || !hist[0].Skipped {
		t.Fatalf("history = %+v, want one skipped item", hist)
	}
	if len(fr.ran()) != 0 {
		t.Fatal("skipped tick still ran")
	}
}

func TestExecOnePublishesLifecycle(t *testing.T) {
	fr := &fakeRunner{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{HistorySize: 10}, fr, logx.Nop(), bus, nil)

	var running atomic.Bool
	s.execOne(context.Background(), task{position: 1, schedule: "* * * * *", command: "echo ok", running: &running})

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("saw events %v, want started+finished", types)
		}
	}
	if types[0] != eventbus.TypeRunStarted || types[1] != eventbus.TypeRunFinished {
		t.Fatalf("event order = %v", types)
	}
	if got := fr.ran(); len(got) != 1 || got[0] != "echo ok" {
		t.Fatalf("ran = %v", got)
	}
	if running.Load() {
		t.Fatal("running flag not cleared")
	}
}

func TestExecOneRecordsFailure(t *testing.T) {
	fr := &fakeRunner{fail: true}
	s := New(Config{HistorySize: 10}, fr, logx.Nop(), nil, nil)

	var running atomic.Bool
	s.execOne(context.Background(), task{position: 1, schedule: "* * * * *", command: "boom", running: &running})

	hist := s.History()
	if len(hist) != 1 {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].ExitCode != 1 || hist[0].Error == "" {
		t.Fatalf("failure not recorded: %+v", hist[0])
	}
}

func TestHistoryBounded(t *testing.T) {
	s := New(Config{HistorySize: 3}, &fakeRunner{}, logx.Nop(), nil, nil)
	for i := 0; i < 10; i++ {
		s.appendHistory(HistoryItem{Position: i})
	}
	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	if hist[0].Position != 7 || hist[2].Position != 9 {
		t.Fatalf("history kept wrong tail: %+v", hist)
	}
}

func TestStartStop(t *testing.T) {
	fr := &fakeRunner{}
	s := New(Config{Workers: 2, QueueSize: 4}, fr, logx.Nop(), nil, nil)
	if err := s.Load(mustCrontab(t, "0 13 * * * /app/cron-qreceive.sh\n")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	// Idempotent.
	s.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx)
}

func TestLoadWhileRunningSwapsEntries(t *testing.T) {
	fr := &fakeRunner{}
	s := New(Config{}, fr, logx.Nop(), nil, nil)
	if err := s.Load(mustCrontab(t, "0 13 * * * /old.sh\n")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	if err := s.Load(mustCrontab(t, "30 6 * * * /new.sh\n")); err != nil {
		t.Fatalf("reload: %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Command != "/new.sh" {
		t.Fatalf("jobs after reload = %+v", jobs)
	}
}

func TestSetTimezoneAppliesOnReload(t *testing.T) {
	fr := &fakeRunner{}
	s := New(Config{Timezone: "UTC"}, fr, logx.Nop(), nil, nil)
	if err := s.Load(mustCrontab(t, "0 13 * * * /app/cron-qreceive.sh\n")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	if got := s.Location().String(); got != "UTC" {
		t.Fatalf("location = %q, want UTC", got)
	}

	s.SetTimezone("Asia/Jakarta")
	if err := s.Load(mustCrontab(t, "0 13 * * * /app/cron-qreceive.sh\n")); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := s.Location().String(); got != "Asia/Jakarta" {
		t.Fatalf("location after reload = %q, want Asia/Jakarta", got)
	}
}
