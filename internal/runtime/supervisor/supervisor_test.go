package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRunsAndStops(t *testing.T) {
	s := New(context.Background())
	var ran atomic.Bool

	s.Go("worker", func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ran.Load() {
		t.Fatal("goroutine never ran")
	}
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("failing", func(ctx context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("error did not cancel the supervisor context")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want wrapped boom", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))

	s.Go0("panicking", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("panic did not surface as an error")
	}
}

func TestContextCanceledIsClean(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("context.Canceled should not count as failure: %v", err)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("once", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("clean exit restarted %d times", got)
	}
}

func TestGoRestartRetriesOnError(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32

	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("only %d runs before deadline", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStats(t *testing.T) {
	s := New(context.Background())
	block := make(chan struct{})
	s.Go0("blocked", func(ctx context.Context) { <-block })

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Active != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := s.Stats(); got.Active != 1 || got.Started != 1 {
		t.Fatalf("stats = %+v", got)
	}
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Stop(ctx)
	if got := s.Stats().Active; got != 0 {
		t.Fatalf("active after stop = %d", got)
	}
}
