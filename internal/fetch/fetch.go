// Package fetch downloads a binary and installs it only after its SHA-256
// matches a pinned value. This is the integrity contract at the build
// boundary: a mismatch fails loudly and leaves nothing at the install path.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "qrond/pkg/logx"
)

// ErrChecksumMismatch is returned when the downloaded bytes do not hash to
// the pinned value. The destination is left untouched.
var ErrChecksumMismatch = errors.New("checksum mismatch")

type Config struct {
	// URL to download.
	URL string
	// SHA256 is the pinned hex digest (case-insensitive).
	SHA256 string
	// Dest is the final install path. The parent directory must exist or be
	// creatable.
	Dest string
	// Mode for the installed file. Default 0755 (these are executables).
	Mode os.FileMode
	// Timeout bounds the whole download. Default 5m.
	Timeout time.Duration
}

type Fetcher struct {
	client *http.Client
	log    logx.Logger
}

func New(log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{client: &http.Client{}, log: log}
}

// Fetch downloads, verifies, and atomically installs the binary.
//
// The download is hashed while streaming to a temp file in the destination
// directory; only a verified file is renamed into place. Any failure removes
// the temp file, so a partial or corrupted download can never be executed.
func (f *Fetcher) Fetch(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return errors.New("url is required")
	}
	pin := strings.ToLower(strings.TrimSpace(cfg.SHA256))
	if len(pin) != sha256.Size*2 {
		return fmt.Errorf("sha256 pin must be %d hex chars, got %d", sha256.Size*2, len(pin))
	}
	if _, err := hex.DecodeString(pin); err != nil {
		return fmt.Errorf("sha256 pin is not valid hex: %w", err)
	}
	if strings.TrimSpace(cfg.Dest) == "" {
		return errors.New("dest is required")
	}
	if cfg.Mode == 0 {
		cfg.Mode = 0o755
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", cfg.URL, resp.Status)
	}

	dir := filepath.Dir(cfg.Dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Temp file in the destination directory so the final rename is atomic.
	tmp, err := os.CreateTemp(dir, filepath.Base(cfg.Dest)+".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", cfg.URL, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != pin {
		f.log.Error("checksum mismatch, discarding download",
			logx.String("url", cfg.URL),
			logx.String("want", pin),
			logx.String("got", got),
			logx.Int64("bytes", n))
		return fmt.Errorf("%s: %w: want %s, got %s", cfg.URL, ErrChecksumMismatch, pin, got)
	}

	if err := tmp.Chmod(cfg.Mode); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, cfg.Dest); err != nil {
		return err
	}

	f.log.Info("binary installed",
		logx.String("dest", cfg.Dest),
		logx.String("sha256", got),
		logx.Int64("bytes", n))
	return nil
}
