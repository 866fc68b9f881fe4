// Package notify raises Telegram alerts for failed job runs.
//
// Delivery is best-effort: enqueue never blocks the scheduler, a rate limiter
// keeps alert storms bounded, and excess alerts are dropped.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"qrond/internal/scheduler"
	logx "qrond/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// sender is the slice of the telebot API we use; tests inject a fake.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	cfg     Config
	log     logx.Logger
	bot     sender
	limiter *rate.Limiter
	queue   chan string
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := newService(cfg, log)
	if !cfg.Enabled {
		return s, nil
	}

	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier: token is required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	s.bot = bot
	return s, nil
}

func newService(cfg Config, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		queue:   make(chan string, 64),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.bot != nil }

// Run drains the alert queue until ctx is cancelled. It blocks; the caller
// owns the goroutine (the app runs it under its supervisor so a panic in
// delivery is recovered and accounted for).
func (s *Service) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	to := &tele.Chat{ID: s.cfg.ChatID}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if _, err := s.bot.Send(to, msg, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
				s.log.Warn("alert delivery failed", logx.Err(err))
			}
		}
	}
}

// RunFinished inspects a finished run and enqueues an alert when it failed.
func (s *Service) RunFinished(r scheduler.RunReport) {
	if !s.Enabled() || r.Error == "" {
		return
	}
	if !s.limiter.Allow() {
		s.log.Debug("alert suppressed by rate limit", logx.Int("position", r.Position))
		return
	}
	s.enqueue(formatAlert(r))
}

func (s *Service) enqueue(msg string) {
	// Never block the caller.
	select {
	case s.queue <- msg:
	default:
		s.log.Debug("alert queue full, dropping")
	}
}

func formatAlert(r scheduler.RunReport) string {
	var b strings.Builder
	b.WriteString("[FAIL] scheduled job failed\n")
	fmt.Fprintf(&b, "- command: %s\n", r.Command)
	fmt.Fprintf(&b, "- schedule: %s\n", r.Schedule)
	fmt.Fprintf(&b, "- exit_code: %d\n", r.ExitCode)
	fmt.Fprintf(&b, "- took: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "- err: %s", truncate(r.Error, 600))
	return b.String()
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
