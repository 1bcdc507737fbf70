package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/chanderlud/giga-grabber/internal/buildinfo"
	"github.com/chanderlud/giga-grabber/internal/cli"
	"github.com/chanderlud/giga-grabber/internal/config"
	"github.com/chanderlud/giga-grabber/internal/flagx"
	"github.com/chanderlud/giga-grabber/internal/logging"
)

// valueFlags lists every flag that consumes the next argument, so positional
// arguments can be told apart from flag values.
var valueFlags = []string{
	"-c", "-config", "-w", "-b", "-r", "-t", "-min-delay", "-max-delay",
	"-proxy-mode", "-proxies", "-o", "-db",
}

func main() {
	os.Exit(run())
}

func run() int {
	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, warn := config.Load()
	if warn != "" {
		logger.Warn(ctx, warn)
	}

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "startup failed", "error", err)
		return 1
	}

	if err := app.Run(ctx, flagx.Positional(os.Args[1:], valueFlags)); err != nil {
		logger.Error(ctx, "run did not complete", "error", err)
		return 1
	}
	return 0
}
