package logx

import (
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// LineLimitedWriter caps how many writes per second pass through to the
// underlying writer. Excess writes are dropped (never blocked); a single
// notice is emitted per drop burst so chatty jobs cannot flood the sink.
//
// Each Write call is treated as one line: callers are expected to hand over
// whole lines (the runner's passthrough scanner does).
type LineLimitedWriter struct {
	mu       sync.Mutex
	w        io.Writer
	limiter  *rate.Limiter
	dropped  uint64
	onNotice func(dropped uint64)
}

// NewLineLimitedWriter wraps w with a lines-per-second cap.
// perSec <= 0 disables limiting and returns a writer that passes through.
func NewLineLimitedWriter(w io.Writer, perSec int, onNotice func(dropped uint64)) *LineLimitedWriter {
	lw := &LineLimitedWriter{w: w, onNotice: onNotice}
	if perSec > 0 {
		lw.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	return lw
}

func (lw *LineLimitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.limiter != nil && !lw.limiter.Allow() {
		lw.dropped++
		return len(p), nil
	}
	if lw.dropped > 0 {
		if lw.onNotice != nil {
			lw.onNotice(lw.dropped)
		}
		lw.dropped = 0
	}
	return lw.w.Write(p)
}

// Dropped reports lines dropped since the last successful write.
func (lw *LineLimitedWriter) Dropped() uint64 {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dropped
}
