// Package main runs the contract broker HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/contract-ledger/broker/pkg/broker"
	"github.com/contract-ledger/broker/pkg/db"
	"github.com/contract-ledger/broker/pkg/events"
	"github.com/contract-ledger/broker/pkg/metrics"
)

func main() {
	broker.RegisterFlags(pflag.CommandLine)
	// glog registers its flags on the standard flag set.
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := broker.LoadConfig(pflag.CommandLine)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("starting contract broker",
		"listen", cfg.Listen,
		"dbType", cfg.Database.Type,
		"events", cfg.Events.Enabled,
		"matrixConcurrency", cfg.MatrixConcurrency,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	m := metrics.New()
	svc := broker.NewService(gormDB, cfg, m, logger)
	if err := svc.Migrate(ctx, cfg.HA); err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}

	if cfg.Events.Enabled {
		dispatcher := events.NewDispatcher(svc.Events(), events.LogNotifier{Logger: logger}, cfg.Events, logger)
		dispatcher.OnDelivery(m.EventDelivery)
		go dispatcher.Run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           broker.NewServer(svc, cfg, m, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("contract broker ready", "listen", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down contract broker")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	glog.Flush()
}
