package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adflow/adflow/pkg/bootstrap"
	"github.com/adflow/adflow/pkg/callbacks"
	"github.com/adflow/adflow/pkg/config"
	"github.com/adflow/adflow/pkg/eventbus"
	"github.com/adflow/adflow/pkg/logging"
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

	producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		EventTopic: cfg.Kafka.CallbackTopic,
		RetryTopic: cfg.Kafka.CallbackRetryTopic,
		DLQTopic:   cfg.Kafka.CallbackDLQTopic,
	})
	defer producer.Close()

	var deduper eventbus.Deduper = eventbus.NewMemoryDeduper(30 * time.Minute)
	if services.Redis != nil {
		deduper = eventbus.NewRedisDeduper(services.Redis.Client(), 24*time.Hour)
	}

	processor := callbacks.NewProcessor(services.Parsers, services.Tokens, services.Engine, logger)
	consumer := eventbus.NewKafkaConsumer(eventbus.KafkaConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		GroupID:    cfg.Kafka.CallbackGroup,
		EventTopic: cfg.Kafka.CallbackTopic,
		RetryTopic: cfg.Kafka.CallbackRetryTopic,
		DLQTopic:   cfg.Kafka.CallbackDLQTopic,
	}, producer, processor.KafkaHandler(), deduper)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("callback worker starting", zap.String("topic", cfg.Kafka.CallbackTopic))
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("callback consumer stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("callback worker shutting down")
	cancel()
	if err := consumer.Close(); err != nil {
		logger.Warn("failed to close consumer", zap.Error(err))
	}
}
