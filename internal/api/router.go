package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/api/middleware"
	"github.com/example/ec-checkout/internal/auth"
	"github.com/example/ec-checkout/internal/metrics"
)

type RouterConfig struct {
	Handlers       *Handlers
	JWTService     *auth.JWTService
	Metrics        *metrics.ServerMetrics
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := cfg.Handlers
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withLogging(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", h.Health)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	r.Post("/webhooks/payments", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.JWTService))

		r.Post("/addresses", h.CreateAddress)
		r.Get("/addresses/{id}", h.GetAddress)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.GetOrders)
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/cancel", h.CancelOrder)
		})

		r.Post("/payments", h.CreatePayment)
		r.Post("/payments/{intentID}/sync", h.SyncPayment)

		r.Route("/checkout", func(r chi.Router) {
			r.Post("/", h.StartCheckout)
			r.Get("/{id}", h.GetCheckout)
			r.Post("/{id}/complete", h.CompleteCheckout)
		})
	})

	return r
}

func withLogging(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
