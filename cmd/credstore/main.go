package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, args, err := LoadConfig(os.Args[1:], os.Getenv, os.Getwd)
	if errors.Is(err, pflag.ErrHelp) {
		printUsage(os.Stdout)
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "credstore:", err)
		return 2
	}

	app, err := NewApp(cfg, os.Stdout, os.Stderr)
	if err != nil {
		slog.Error("can't initialize app, sorry", "error", err.Error())
		return 1
	}

	// Cancelled on SIGINT/SIGTERM; watch runs until then
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, args)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		printUsage(os.Stderr)
		return 2
	case errors.Is(err, errUnhealthy):
		return 1
	default:
		app.logger.Error("Command failed", "command", args[0], "error", err)
		return 1
	}
}
