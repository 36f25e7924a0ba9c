package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/email"
	"github.com/example/ec-checkout/internal/infrastructure/kafka"
	"github.com/example/ec-checkout/internal/infrastructure/rabbitmq"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/logging"
	"github.com/example/ec-checkout/internal/notification"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, cfg.AppName+"-notifier")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Store != config.StorePostgres || cfg.NotifyBroker == config.BrokerNone {
		logger.Fatal().Msg("the notifier needs STORE=postgres and a NOTIFY_BROKER")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("notifier exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	db, err := store.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	mailer := email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
	handler := notification.NewHandler(mailer, store.NewPostgresStore(db), cfg.Currency, logger)

	logger.Info().
		Str("broker", cfg.NotifyBroker).
		Str("smtp", cfg.SMTPHost+":"+cfg.SMTPPort).
		Msg("notifier started")

	switch cfg.NotifyBroker {
	case config.BrokerRabbitMQ:
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey, cfg.RabbitMQQueue, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
		return consumer.Consume(ctx, handler.HandleEvent)
	default:
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
		defer consumer.Close()
		return consumer.Consume(ctx, handler.HandleEvent)
	}
}
