package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrond/internal/app"
)

const (
	exitOK            = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (json or yaml), optional")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		if errors.Is(err, app.ErrInvalidConfig) {
			os.Exit(exitInvalidConfig)
		}
		os.Exit(exitRuntimeError)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(exitRuntimeError)
	}

	// Foreground: block until a signal or a fatal component error.
	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}
