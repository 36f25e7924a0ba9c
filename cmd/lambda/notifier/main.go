package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/email"
	"github.com/example/ec-checkout/internal/infrastructure/lambdaevent"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/logging"
	"github.com/example/ec-checkout/internal/notification"
)

var (
	notificationHandler *notification.Handler
	logger              zerolog.Logger
)

func init() {
	cfg, err := config.Load(".")
	logger = logging.New(os.Stdout, cfg.LogLevel, "json", "ec-checkout-notifier-lambda")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := store.ConnectPostgres(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to postgres")
	}

	mailer := email.NewService(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
	notificationHandler = notification.NewHandler(mailer, store.NewPostgresStore(db), cfg.Currency, logger)
	logger.Info().Str("smtp", cfg.SMTPHost+":"+cfg.SMTPPort).Msg("initialized")
}

// handler consumes order events from an MSK trigger.
func handler(ctx context.Context, evt events.KafkaEvent) error {
	res, err := lambdaevent.ProcessKafkaEvent(ctx, evt, notificationHandler.HandleEvent, logger)
	logger.Info().Int("processed", res.Processed).Int("failed", res.Failed).Msg("batch done")
	return err
}

func main() {
	lambda.Start(handler)
}
