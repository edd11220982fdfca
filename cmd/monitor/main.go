package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/bootstrap"
	"github.com/adflow/adflow/pkg/config"
	"github.com/adflow/adflow/pkg/logging"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	services, err := bootstrap.Open(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	sweeper := services.Sweeper(cfg.Monitor, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if _, err := sweeper.Sweep(ctx); err != nil {
			logger.Fatal("sweep failed", zap.Error(err))
		}
		return
	}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := scheduler.AddFunc(cfg.Monitor.Schedule, func() {
		if _, err := sweeper.Sweep(ctx); err != nil {
			logger.Error("sweep failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid monitor schedule", zap.String("schedule", cfg.Monitor.Schedule), zap.Error(err))
	}
	scheduler.Start()
	logger.Info("monitor started", zap.String("schedule", cfg.Monitor.Schedule))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("monitor shutting down")
	cancel()
	<-scheduler.Stop().Done()
}
