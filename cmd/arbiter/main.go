package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"arbiter/internal/app"
	"arbiter/internal/config"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	auto := flag.Bool("auto", false, "execute detected opportunities instead of only logging them")
	test := flag.Bool("test", false, "use venue sandbox endpoints")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		slog.Error("Cannot load config", "path", *configDir, "error", err)
		os.Exit(2)
	}

	// Flags only ever switch these on.
	cfg.Arbitrage.Auto = cfg.Arbitrage.Auto || *auto
	cfg.Test = cfg.Test || *test

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting arbiter",
		"venues", cfg.Venues,
		"auto", cfg.Arbitrage.Auto,
		"test", cfg.Test,
		"sizing", cfg.Arbitrage.Sizing,
	)

	application := app.New(cfg, logger)
	err = application.Run(ctx)
	application.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Arbiter stopped with error", "error", err)
		if errors.Is(err, config.ErrNoVenues) || errors.Is(err, config.ErrNoSymbols) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	logger.Info("Arbiter stopped")
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
