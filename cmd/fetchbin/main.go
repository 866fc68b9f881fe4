// fetchbin downloads a binary over HTTPS, verifies it against a pinned
// SHA-256 digest, and installs it executable at the target path. A digest
// mismatch leaves the target untouched and exits non-zero.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"qrond/internal/fetch"
	logx "qrond/pkg/logx"
)

func main() {
	var (
		url     string
		sum     string
		out     string
		timeout time.Duration
	)
	flag.StringVar(&url, "url", "", "source URL")
	flag.StringVar(&sum, "sha256", "", "expected SHA-256 digest (hex)")
	flag.StringVar(&out, "out", "", "install path")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "download timeout")
	flag.Parse()

	if url == "" || sum == "" || out == "" {
		fmt.Fprintln(os.Stderr, "usage: fetchbin -url URL -sha256 HEX -out PATH [-timeout DUR]")
		os.Exit(2)
	}

	log := logx.NewConsole("INFO")
	f := fetch.New(log)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := f.Fetch(ctx, fetch.Config{
		URL:     url,
		SHA256:  sum,
		Dest:    out,
		Timeout: timeout,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
