package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/apiserver"
	"github.com/adflow/adflow/pkg/auth"
	"github.com/adflow/adflow/pkg/bootstrap"
	"github.com/adflow/adflow/pkg/callbacks"
	"github.com/adflow/adflow/pkg/config"
	"github.com/adflow/adflow/pkg/eventbus"
	"github.com/adflow/adflow/pkg/logging"
	"github.com/adflow/adflow/pkg/workflow"
)

func main() {
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

	sessions, err := auth.NewSessionVerifier(cfg.Auth.SessionSecret, cfg.Auth.SessionPublicKey, cfg.Auth.SessionIssuer)
	if err != nil {
		logger.Fatal("failed to initialize session verifier", zap.Error(err))
	}

	dispatcher := workflow.NewDispatcher(services.Engine, cfg.Server.DispatchTimeout, logger)
	deps := apiserver.Deps{
		Engine:     services.Engine,
		Dispatcher: dispatcher,
		Ledger:     services.Ledger,
		Bus:        services.Bus,
		Sweeper:    services.Sweeper(cfg.Monitor, logger),
		Callbacks:  callbacks.NewProcessor(services.Parsers, services.Tokens, services.Engine, logger),
		Sessions:   sessions,
	}

	var producer *eventbus.KafkaProducer
	if strings.EqualFold(cfg.Callbacks.Mode, "kafka") {
		producer = eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			EventTopic: cfg.Kafka.CallbackTopic,
		})
		defer producer.Close()
		deps.CallbackQueue = producer
		logger.Info("queueing vendor callbacks", zap.String("topic", cfg.Kafka.CallbackTopic))
	}

	server := apiserver.NewServer(cfg, deps, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // event streams stay open
	}

	go func() {
		logger.Info("starting API server", zap.Int("port", cfg.Server.HTTPPort), zap.String("vendors", cfg.Vendors.Mode))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Wait(ctx); err != nil {
		logger.Warn("background work still running at exit", zap.Error(err))
	}
}
