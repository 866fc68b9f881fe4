package runner

import (
	"bytes"
	"io"
	"sync"
)

// lineWriter re-chunks arbitrary writes into whole lines before forwarding,
// so the rate limiter counts lines rather than write() calls. A partial line
// is held until its newline arrives; Flush pushes out whatever remains.
type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	total := len(p)
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			lw.buf.Write(p)
			return total, nil
		}
		lw.buf.Write(p[:i+1])
		if _, err := lw.w.Write(lw.buf.Bytes()); err != nil {
			lw.buf.Reset()
			return total, err
		}
		lw.buf.Reset()
		p = p[i+1:]
	}
}

// Flush forwards a trailing partial line (jobs that exit without a final
// newline still get their last output through).
func (lw *lineWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.buf.Len() == 0 {
		return nil
	}
	_, err := lw.w.Write(lw.buf.Bytes())
	lw.buf.Reset()
	return err
}
