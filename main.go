package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"venue-gateway/internal/api"
	"venue-gateway/internal/engine"
	"venue-gateway/internal/monitor"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, flush := logger.New(logger.Options{
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		Development: cfg.LogDev,
	})
	defer func() { _ = flush() }()

	zl.Info("starting venue gateway",
		zap.String("venue_mode", cfg.Venue.Mode),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.NewImpl(engine.Config{
		App:    cfg,
		Alerts: monitor.LogSink{Log: zl},
		Logger: zl,
	})
	if err != nil {
		zl.Fatal("engine init failed", zap.Error(err))
	}

	if cfg.AutoConnect {
		go func() {
			if err := eng.Connect(ctx); err != nil {
				zl.Error("auto connect failed", zap.Error(err))
				return
			}
			zl.Info("venue connected")
		}()
	}

	server := api.NewServer(api.Options{
		Engine:    eng,
		WS:        eng.WS,
		Metrics:   eng.Metrics.Handler(),
		JWTSecret: cfg.JWTSecret,
		RateLimit: cfg.APIRatePerSec,
		Burst:     cfg.APIBurst,
		Logger:    zl,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			zl.Fatal("api server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	zl.Info("shutting down")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("api shutdown failed", zap.Error(err))
	}
	if err := eng.Close(shutdownCtx); err != nil {
		zl.Warn("engine close failed", zap.Error(err))
	}
}
