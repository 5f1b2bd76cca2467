package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeterm/internal/api"
	"tradeterm/internal/config"
	"tradeterm/internal/telemetry"
	"tradeterm/internal/terminal"
	"tradeterm/internal/util"
)

const version = "0.1.0"

func main() {
	// Load config.
	cfgPath := "config/tradeterm.yaml"
	if p := os.Getenv("TRADETERM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Setup logging.
	logFileName := fmt.Sprintf("/tmp/tradeterm-server-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()

	logger := util.NewLoggerTo(io.MultiWriter(os.Stdout, logFile), cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := telemetry.NewProvider(ctx, "tradeterm-server", cfg.Telemetry, logger)
	if err != nil {
		log.Fatalf("starting telemetry: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()

	svc, err := terminal.OpenServices(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("opening services: %v", err)
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.Error("closing services", "error", err)
		}
	}()

	srv := api.NewServer(api.Options{
		Feed:   svc.Feed,
		Broker: svc.Broker,
		Hub:    svc.Hub,
		Logger: logger,
	})

	logger.Info("tradeterm-server starting", "version", version, "addr", cfg.Server.Addr(),
		"feed", cfg.Feed.Provider, "broker", cfg.Broker.Provider)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr()); err != nil {
		logger.Error("server error", "error", err)
		return
	}
	logger.Info("tradeterm-server stopped")
}
