package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/ec-checkout/internal/api"
	"github.com/example/ec-checkout/internal/auth"
	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/inventory"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/payment"
	"github.com/example/ec-checkout/internal/domain/shipping"
	"github.com/example/ec-checkout/internal/expiration"
	"github.com/example/ec-checkout/internal/infrastructure/gateway"
	"github.com/example/ec-checkout/internal/infrastructure/kafka"
	"github.com/example/ec-checkout/internal/infrastructure/rabbitmq"
	"github.com/example/ec-checkout/internal/infrastructure/redisstore"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/logging"
	"github.com/example/ec-checkout/internal/metrics"
	"github.com/example/ec-checkout/internal/notification"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, cfg.AppName)

	if err := errors.Join(cfg.Validate(), cfg.RequireAPI()); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	domainMetrics := metrics.NewDomainMetrics(reg)

	publisher, closePublisher, err := openPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	var notifier order.Notifier
	var dispatcher *notification.Dispatcher
	if publisher != nil {
		dispatcher = notification.NewDispatcher(publisher, cfg.DispatchBuffer, logger)
		dispatcher.Instrument(domainMetrics.Notifications)
		notifier = dispatcher
	}

	var deduper payment.Deduper
	if cfg.RedisAddr != "" {
		client := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		if err := redisstore.Ping(ctx, client); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		deduper = redisstore.NewEventDeduper(client, cfg.WebhookDedupe)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("webhook dedupe enabled")
	}

	var gw payment.Gateway
	switch cfg.PaymentGateway {
	case config.GatewayFake:
		gw = gateway.NewFake(cfg.StripeWebhookSecret)
		logger.Warn().Msg("using the in-memory payment gateway")
	default:
		gw = gateway.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}

	orders := order.NewService(st, inventory.NewLedger(), notifier, logger)
	orders.Instrument(domainMetrics.OrdersCreated)
	payments := payment.NewManager(st, gw, orders, deduper, cfg.Currency, logger)
	payments.Instrument(domainMetrics.Payments)
	machine := checkout.NewMachine(st, orders, payments, checkout.Config{VerifyIntent: cfg.VerifyIntent}, logger)
	machine.Instrument(domainMetrics.Checkouts)
	reaper := expiration.NewReaper(st, orders, expiration.Config{Expiry: cfg.OrderExpiry, BatchSize: cfg.ReaperBatchSize}, logger)
	reaper.Instrument(domainMetrics.OrdersReaped)

	router := api.NewRouter(api.RouterConfig{
		Handlers:       api.NewHandlers(shipping.NewService(st), orders, payments, machine, logger),
		JWTService:     auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, 15*time.Minute),
		Metrics:        metrics.NewServerMetrics(reg, "api"),
		MetricsHandler: metrics.Handler(reg),
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Store).Str("broker", cfg.NotifyBroker).Msg("server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return reaper.Start(gctx, cfg.ReaperInterval)
	})
	if dispatcher != nil {
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		mem := store.NewMemoryStore()
		if cfg.SeedFile != "" {
			f, err := os.Open(cfg.SeedFile)
			if err != nil {
				return nil, nil, fmt.Errorf("open seed file: %w", err)
			}
			defer f.Close()
			if err := mem.LoadSeed(f); err != nil {
				return nil, nil, err
			}
		}
		logger.Warn().Msg("using the in-memory store; data is lost on exit")
		return mem, func() {}, nil
	}

	db, err := store.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Msg("connected to postgres")
	return store.NewPostgresStore(db), func() { db.Close() }, nil
}

func openPublisher(cfg config.Config, logger zerolog.Logger) (notification.Publisher, func(), error) {
	switch cfg.NotifyBroker {
	case config.BrokerKafka:
		p := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		return p, func() { p.Close() }, nil
	case config.BrokerRabbitMQ:
		p, err := rabbitmq.NewPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	default:
		logger.Warn().Msg("order notifications disabled")
		return nil, func() {}, nil
	}
}
