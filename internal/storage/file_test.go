package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "qrond/pkg/logx"
)

func openTestStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "qrond.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, dir
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: got %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	st, dir := openTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		e := RunEntry{
			At:       now.Add(time.Duration(i) * time.Minute),
			Schedule: "0 13 * * *",
			Command:  "/app/cron-qreceive.sh",
			ExitCode: i,
			TookMS:   int64(100 * i),
		}
		if i == 2 {
			e.Error = "exit status 2"
		}
		if err := st.AppendRun(ctx, e); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	runs, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d", len(runs))
	}
	// Newest first.
	if runs[0].ExitCode != 2 || runs[0].Error == "" {
		t.Fatalf("newest run = %+v", runs[0])
	}
	if runs[2].ExitCode != 0 {
		t.Fatalf("oldest run = %+v", runs[2])
	}

	// The runs file derives from the configured path.
	if _, err := os.Stat(filepath.Join(dir, "qrond.runs.jsonl")); err != nil {
		t.Fatalf("runs file missing: %v", err)
	}
}

func TestFileStoreLimit(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := st.AppendRun(ctx, RunEntry{At: time.Now(), ExitCode: i}); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	runs, err := st.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 5 {
		t.Fatalf("runs = %d, want 5", len(runs))
	}
	if runs[0].ExitCode != 19 {
		t.Fatalf("newest = %+v, want exit code 19", runs[0])
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	st, dir := openTestStore(t)
	ctx := context.Background()

	if err := st.AppendRun(ctx, RunEntry{At: time.Now(), ExitCode: 7}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	runsPath := filepath.Join(dir, "qrond.runs.jsonl")
	f, err := os.OpenFile(runsPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open runs file: %v", err)
	}
	if _, err := f.WriteString("{ this is not json\n"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_ = f.Close()

	runs, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ExitCode != 7 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestFileStoreRequiresPath(t *testing.T) {
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("missing path accepted")
	}
}

func TestFileStoreAppendAfterClose(t *testing.T) {
	st, _ := openTestStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendRun(context.Background(), RunEntry{}); err == nil {
		t.Fatal("append after close accepted")
	}
}
