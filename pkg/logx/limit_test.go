package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLineLimitedWriterPassthroughWithoutCap(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineLimitedWriter(&buf, 0, nil)

	for i := 0; i < 100; i++ {
		if _, err := lw.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := strings.Count(buf.String(), "line\n"); got != 100 {
		t.Fatalf("forwarded %d lines, want 100", got)
	}
}

func TestLineLimitedWriterDropsExcess(t *testing.T) {
	var buf bytes.Buffer
	var notices []uint64
	lw := NewLineLimitedWriter(&buf, 5, func(dropped uint64) {
		notices = append(notices, dropped)
	})

	for i := 0; i < 100; i++ {
		if _, err := lw.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	forwarded := strings.Count(buf.String(), "line\n")
	if forwarded >= 100 {
		t.Fatalf("cap forwarded all %d lines", forwarded)
	}
	if forwarded == 0 {
		t.Fatal("cap dropped the initial burst too")
	}
	if lw.Dropped() == 0 {
		t.Fatal("no drops recorded")
	}
	// Write never reports short writes to the producer.
	n, err := lw.Write([]byte("x"))
	if err != nil || n != 1 {
		t.Fatalf("Write = %d, %v", n, err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	log := Nop()
	derived := log.With(String("comp", "test"), Int("n", 1))
	// Must not panic and must stay a no-op.
	derived.Info("hello", Err(nil))

	if Nop().IsZero() {
		t.Fatal("Nop logger should carry a base")
	}
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	zero.Info("safe on zero value")
}

func TestServiceApplySwapsLevel(t *testing.T) {
	svc, log := New(Config{Level: "error", Console: false, File: FileConfig{}})
	t.Cleanup(func() { _ = svc.Close() })

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at error level")
	}
	svc.Apply(Config{Level: "debug", Console: false})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not lower the level")
	}
}
