package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telemetryops/sensor-ingest/internal/config"
	"github.com/telemetryops/sensor-ingest/internal/logging"
	"github.com/telemetryops/sensor-ingest/internal/metastore"
	"github.com/telemetryops/sensor-ingest/internal/metrics"
	"github.com/telemetryops/sensor-ingest/internal/objectstore"
	"github.com/telemetryops/sensor-ingest/internal/processor"
	"github.com/telemetryops/sensor-ingest/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Setup(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	slog.Info("starting sensor-ingest",
		"bucket", cfg.Storage.Bucket,
		"table", cfg.Metadata.Table,
		"workers", cfg.Processor.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:   cfg.Storage.Bucket,
		RootDir:  cfg.Storage.RootDir,
		Compress: cfg.Storage.Compress,
	})
	if err != nil {
		log.Fatalf("create object store: %v", err)
	}
	defer store.Close()

	table, err := metastore.New(metastore.Config{
		Table: cfg.Metadata.Table,
		Path:  cfg.Metadata.Path,
	})
	if err != nil {
		log.Fatalf("create metadata store: %v", err)
	}

	proc := processor.New(store, table, processor.Config{
		Workers:   cfg.Processor.Workers,
		QueueSize: cfg.Processor.QueueSize,
	})
	proc.Start()

	if cfg.Metrics.Enabled {
		metrics.Init("sensor_ingest")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: web.NewServer(proc, table).Router(),
	}

	// Graceful shutdown: stop accepting requests, drain in-flight
	// handlers, and only then drain the pool. Submit can run inside a
	// handler until Shutdown returns, so the pool must outlive it.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		cancel()
	}()

	slog.Info("listening", "addr", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}

	<-shutdownDone
	proc.Close()
	slog.Info("sensor-ingest stopped cleanly")
}
