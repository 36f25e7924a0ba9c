package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/domain/inventory"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/expiration"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/logging"
)

var (
	reaper *expiration.Reaper
	logger zerolog.Logger
)

func init() {
	cfg, err := config.Load(".")
	logger = logging.New(os.Stdout, cfg.LogLevel, "json", "ec-checkout-reaper-lambda")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := store.ConnectPostgres(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to postgres")
	}

	st := store.NewPostgresStore(db)
	orders := order.NewService(st, inventory.NewLedger(), nil, logger)
	reaper = expiration.NewReaper(st, orders, expiration.Config{Expiry: cfg.OrderExpiry, BatchSize: cfg.ReaperBatchSize}, logger)
}

// handler drains expired orders once per EventBridge schedule event. Failed
// orders are reported as an error so the invocation shows up as failed.
func handler(ctx context.Context, evt events.EventBridgeEvent) (expiration.Result, error) {
	logger.Info().Str("event_id", evt.ID).Time("scheduled_at", evt.Time).Msg("reaper invoked")
	return reaper.Drain(ctx)
}

func main() {
	lambda.Start(handler)
}
