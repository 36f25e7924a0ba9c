// Command reaper cancels expired pending orders. By default it runs one
// pass and exits, for cron-style schedulers; with -loop it keeps running on
// REAPER_INTERVAL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/domain/inventory"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/expiration"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/logging"
)

func main() {
	loop := flag.Bool("loop", false, "keep running every REAPER_INTERVAL")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, cfg.AppName+"-reaper")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Store != config.StorePostgres {
		logger.Fatal().Msg("the reaper needs STORE=postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to postgres")
	}
	defer db.Close()

	st := store.NewPostgresStore(db)
	orders := order.NewService(st, inventory.NewLedger(), nil, logger)
	reaper := expiration.NewReaper(st, orders, expiration.Config{Expiry: cfg.OrderExpiry, BatchSize: cfg.ReaperBatchSize}, logger)

	if *loop {
		if err := reaper.Start(ctx, cfg.ReaperInterval); err != nil {
			logger.Error().Err(err).Msg("reaper stopped")
		}
		return
	}

	res, err := reaper.Drain(ctx)
	if err != nil {
		logger.Error().Err(err).Int("cancelled", res.Cancelled).Msg("reaper pass had failures")
		db.Close()
		os.Exit(1)
	}
	logger.Info().Int("scanned", res.Scanned).Int("cancelled", res.Cancelled).Msg("reaper pass done")
}
