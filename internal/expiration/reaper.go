// Package expiration cancels orders that stayed pending past their expiry
// and gives their stock back.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

const (
	DefaultExpiry    = time.Hour
	DefaultBatchSize = 500
)

type Config struct {
	Expiry    time.Duration
	BatchSize int
}

type Result struct {
	Scanned   int `json:"scanned"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
}

type Reaper struct {
	store  store.Store
	orders *order.Service
	cfg    Config
	logger zerolog.Logger
	reaped prometheus.Counter
	now    func() time.Time
}

func NewReaper(s store.Store, orders *order.Service, cfg Config, logger zerolog.Logger) *Reaper {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Reaper{
		store:  s,
		orders: orders,
		cfg:    cfg,
		logger: logger.With().Str("component", "reaper").Logger(),
		now:    time.Now,
	}
}

// Instrument counts cancelled orders on c.
func (r *Reaper) Instrument(c prometheus.Counter) {
	r.reaped = c
}

// Run does one pass. Each order is cancelled in its own transaction under
// its row lock, and only if it is still pending and expired, so overlapping
// runs cancel every order at most once. A failing order does not stop the
// pass; all failures are returned joined.
func (r *Reaper) Run(ctx context.Context) (Result, error) {
	var res Result
	cutoff := r.now().Add(-r.cfg.Expiry)

	ids, err := r.store.ListExpiredOrderIDs(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired orders: %w", err)
	}
	res.Scanned = len(ids)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		cancelled, err := r.reap(ctx, id, cutoff)
		switch {
		case err != nil:
			r.logger.Error().Err(err).Int64("order_id", id).Msg("failed to cancel expired order")
			errs = append(errs, fmt.Errorf("order %d: %w", id, err))
		case cancelled:
			res.Cancelled++
			if r.reaped != nil {
				r.reaped.Inc()
			}
		default:
			res.Skipped++
		}
	}

	if res.Scanned > 0 {
		r.logger.Info().Int("scanned", res.Scanned).Int("cancelled", res.Cancelled).Int("skipped", res.Skipped).Msg("reaper pass finished")
	}
	return res, errors.Join(errs...)
}

func (r *Reaper) reap(ctx context.Context, id int64, cutoff time.Time) (bool, error) {
	var cancelled bool
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending || !o.CreatedAt.Before(cutoff) {
			return nil
		}
		if err := r.orders.CancelTx(ctx, tx, o); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	return cancelled, err
}

// Drain repeats Run while passes come back full so a backlog larger than
// one batch is cleared in one go. A full pass that cancels nothing ends it,
// since its orders are the ones that keep failing.
func (r *Reaper) Drain(ctx context.Context) (Result, error) {
	var (
		total Result
		errs  []error
	)
	for {
		res, err := r.Run(ctx)
		total.Scanned += res.Scanned
		total.Cancelled += res.Cancelled
		total.Skipped += res.Skipped
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil || res.Scanned < r.cfg.BatchSize || res.Cancelled == 0 {
			return total, errors.Join(errs...)
		}
	}
}

// Start drains immediately and then every interval until ctx ends.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) error {
	r.logger.Info().Dur("interval", interval).Dur("expiry", r.cfg.Expiry).Msg("reaper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("reaper pass had failures")
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
