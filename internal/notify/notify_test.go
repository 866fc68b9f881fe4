package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"qrond/internal/runtime/supervisor"
	"qrond/internal/scheduler"
	logx "qrond/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestService(t *testing.T, cfg Config) (*Service, *fakeSender) {
	t.Helper()
	cfg.Enabled = true
	s := newService(cfg, logx.Nop())
	fake := &fakeSender{}
	s.bot = fake
	return s, fake
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunFinishedAlertsOnlyFailures(t *testing.T) {
	s, fake := newTestService(t, Config{ChatID: 42, RatePerSec: 100})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.RunFinished(scheduler.RunReport{Command: "echo ok", ExitCode: 0})
	s.RunFinished(scheduler.RunReport{
		Command:  "/app/cron-qreceive.sh",
		Schedule: "0 13 * * *",
		ExitCode: 2,
		Duration: 1500 * time.Millisecond,
		Error:    "command \"/app/cron-qreceive.sh\": exit status 2",
	})

	waitFor(t, func() bool { return len(fake.messages()) == 1 })
	msg := fake.messages()[0]
	for _, want := range []string{"[FAIL]", "/app/cron-qreceive.sh", "0 13 * * *", "exit_code: 2"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("alert %q missing %q", msg, want)
		}
	}
}

func TestRunFinishedRateLimited(t *testing.T) {
	s, fake := newTestService(t, Config{ChatID: 42, RatePerSec: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 50; i++ {
		s.RunFinished(scheduler.RunReport{Command: "boom", ExitCode: 1, Error: "exit status 1"})
	}

	waitFor(t, func() bool { return len(fake.messages()) >= 1 })
	// Burst of 1 per second: the storm collapses to a couple of alerts at most.
	if got := len(fake.messages()); got > 3 {
		t.Fatalf("rate limiter let %d alerts through", got)
	}
}

func TestDisabledServiceIsInert(t *testing.T) {
	s, err := New(Config{Enabled: false}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Enabled() {
		t.Fatal("disabled service reports enabled")
	}
	// Must be safe without a running delivery loop.
	s.RunFinished(scheduler.RunReport{Command: "x", Error: "boom"})
	s.Run(context.Background())
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Enabled: true, ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("missing token accepted")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 600); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 700)
	got := truncate(long, 600)
	if len(got) != 600 || !strings.HasSuffix(got, "...") {
		t.Fatalf("len = %d, tail = %q", len(got), got[len(got)-5:])
	}
}

type panickySender struct{}

func (panickySender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	panic("delivery exploded")
}

func TestDeliveryPanicIsContained(t *testing.T) {
	s := newService(Config{Enabled: true, ChatID: 42, RatePerSec: 100}, logx.Nop())
	s.bot = panickySender{}

	sup := supervisor.New(context.Background())
	sup.Go0("notify.deliver", s.Run)

	s.RunFinished(scheduler.RunReport{Command: "boom", ExitCode: 1, Error: "exit status 1"})

	waitFor(t, func() bool { return sup.Err() != nil })
	if !strings.Contains(sup.Err().Error(), "notify.deliver") {
		t.Fatalf("supervisor error = %v, want the delivery goroutine named", sup.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Stop(ctx)
}
