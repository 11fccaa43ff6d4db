package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	httpAdapter "github.com/cwygoda/distillery/internal/adapter/http"
	"github.com/cwygoda/distillery/internal/adapter/memory"
	"github.com/cwygoda/distillery/internal/adapter/postgres"
	"github.com/cwygoda/distillery/internal/adapter/processor"
	"github.com/cwygoda/distillery/internal/adapter/relay"
	"github.com/cwygoda/distillery/internal/adapter/sqlite"
	"github.com/cwygoda/distillery/internal/broadcast"
	"github.com/cwygoda/distillery/internal/config"
	"github.com/cwygoda/distillery/internal/domain"
	"github.com/cwygoda/distillery/internal/pipeline"
	"github.com/cwygoda/distillery/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "distillery: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("distillery stopped")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	// Validate already checked the level.
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)
	return logger
}

func openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.Store.PostgresURL)
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(cfg.DBPath)
	}
}

// logStages reports what each pipeline stage runs.
func logStages(logger logrus.FieldLogger, registry *processor.Registry) {
	for _, cp := range pipeline.Plan {
		exec := registry.Executor(cp.Status)
		fields := logrus.Fields{"stage": cp.Status.Stage(), "executor": fmt.Sprintf("%T", exec)}
		if cmd, ok := exec.(*processor.CommandExecutor); ok {
			fields["command"] = cmd.Command()
		}
		if d, ok := registry.Timeout(cp.Status); ok {
			fields["timeout"] = d
		}
		logger.WithFields(fields).Debug("stage bound")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"port":    cfg.Port,
		"store":   cfg.Store.Driver,
		"workers": cfg.Workers,
	}).Info("starting distillery")
	if cfg.Store.Driver == "sqlite" {
		logger.Infof("database: %s", cfg.DBPath)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	registry, err := processor.FromConfig(cfg.Stages)
	if err != nil {
		return err
	}
	stages, err := registry.Stages()
	if err != nil {
		return err
	}
	logStages(logger, registry)

	events := broadcast.New(cfg.BroadcastOptions())
	defer events.Close()

	svc := domain.NewJobService(store, store)
	runner := pipeline.NewRunner(store, store, events, stages, pipeline.Options{
		StageTimeout: cfg.StageTimeout.Duration,
		WorkDir:      cfg.WorkDir,
		Logger:       logger,
	})
	queue := worker.New(svc, store, events, runner, worker.Options{
		Workers: cfg.Workers,
		Logger:  logger,
	})

	failed, requeued, err := queue.Recover(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to recover jobs")
	} else if failed > 0 || requeued > 0 {
		logger.Infof("recovered jobs: %d marked failed, %d requeued", failed, requeued)
	}

	sinks, err := relay.SinksFromConfig(ctx, cfg.Relay)
	if err != nil {
		return err
	}
	var rel *relay.Relay
	if len(sinks) > 0 {
		rel = relay.New(events, logger, sinks...)
		rel.Start()
		logger.Infof("relaying status events to %d broker(s)", len(sinks))
	}

	queue.Start()

	srv := httpAdapter.NewServer(svc, queue, events, httpAdapter.Options{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Heartbeat: cfg.Heartbeat.Duration,
		Logger:    logger,
	})
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serveErr:
		logger.WithError(err).Error("HTTP server error")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown")
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("queue shutdown")
	}
	// Ends WebSocket streams and the relay subscription.
	events.Close()
	if rel != nil {
		if err := rel.Close(); err != nil {
			logger.WithError(err).Warn("relay shutdown")
		}
	}

	logger.Info("shutdown complete")
	return nil
}
