package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/solcurb/solcurb/pkg/analyzer"
	"github.com/solcurb/solcurb/pkg/inverter"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/market"
	"github.com/solcurb/solcurb/pkg/notify"
	"github.com/solcurb/solcurb/pkg/reconciler"
	"github.com/solcurb/solcurb/pkg/repository"
	"github.com/solcurb/solcurb/pkg/scheduler"
	"github.com/solcurb/solcurb/pkg/server"
	"github.com/solcurb/solcurb/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	sources := market.Configured()
	store := storage.Configured()
	surfaces := inverter.Configured()
	repo := repository.Configured(sources, store)
	an := analyzer.Configured()
	rec := reconciler.Configured(surfaces, store)
	n := notify.Configured()
	eng := scheduler.Configured(repo, an, rec, n)
	srv := server.Configured(eng, repo)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// the cycle loop runs beside the admin server and stops with it
	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "scheduler failed", "error", err)
			cancel()
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
