// Command taskyardd is the Taskyard server daemon. It opens the task store,
// wires the engine to the event bus, serves the REST/SSE API and runs the
// recurring-rule sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/config"
	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/internal/version"
	"github.com/GoCodeAlone/taskyard/server"
	"github.com/GoCodeAlone/taskyard/task"
)

var configPath = flag.String("config", "taskyard.yaml", "path to YAML config file")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	logger := newLogger(cfg)
	logger.Info("starting taskyardd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("taskyardd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when the file is missing.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	dbPath := cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := task.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	bus := comms.NewInMemoryBus(cfg.Events.History)
	var publisher comms.Publisher = bus
	if cfg.Events.NATSURL != "" {
		natsCfg := comms.DefaultNATSConfig()
		natsCfg.URL = cfg.Events.NATSURL
		natsCfg.SubjectPrefix = cfg.Events.NATSSubjectPrefix
		natsCfg.Name = "taskyardd"
		sink, err := comms.NewNATSSink(natsCfg)
		if err != nil {
			return err
		}
		defer sink.Close() //nolint:errcheck
		publisher = comms.NewFanout(bus, sink)
		logger.Info("publishing events to NATS", slog.String("url", natsCfg.URL), slog.String("prefix", natsCfg.SubjectPrefix))
	}

	svc := engine.New(store,
		engine.WithBus(publisher),
		engine.WithLogger(logger),
		engine.WithLimits(cfg.Query.DefaultLimit, cfg.Query.MaxLimit),
	)
	defer svc.Close()

	srv := server.New(*cfg, version.Version, logger)
	srv.SetEngine(svc)
	srv.SetBus(bus)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweep(ctx, svc, cfg.Recurrence.SweepInterval, logger)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		cancel()
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop", slog.Any("error", err))
	}
	<-sweepDone
	logger.Info("shutdown complete")
	return serveErr
}

// sweep generates due recurring instances every interval until ctx ends.
// A zero interval disables it.
func sweep(ctx context.Context, svc *engine.Service, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := svc.GenerateDue(ctx, now); err != nil {
				logger.Warn("recurrence sweep", slog.Any("error", err))
			}
		}
	}
}
