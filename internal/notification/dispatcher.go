// Package notification turns committed orders into broker events and
// broker events into customer emails.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/model"
)

const (
	DefaultBuffer = 256
	drainTimeout  = 5 * time.Second
)

var ErrQueueFull = errors.New("notification queue is full")

// Publisher is a broker producer (Kafka or RabbitMQ).
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Dispatcher implements order.Notifier. OrderCreated only enqueues; Run
// publishes in the background so request paths never wait on the broker.
type Dispatcher struct {
	publisher Publisher
	queue     chan order.OrderCreated
	logger    zerolog.Logger
	published *prometheus.CounterVec
}

func NewDispatcher(p Publisher, buffer int, logger zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		publisher: p,
		queue:     make(chan order.OrderCreated, buffer),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Instrument counts publish outcomes on c, labelled by result.
func (d *Dispatcher) Instrument(c *prometheus.CounterVec) {
	d.published = c
}

func (d *Dispatcher) OrderCreated(_ context.Context, o *model.Order) error {
	select {
	case d.queue <- order.NewOrderCreated(o):
		return nil
	default:
		d.count("dropped")
		return ErrQueueFull
	}
}

// Run publishes queued events until ctx ends, then tries to flush what is
// left within a short grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Msg("dispatcher started")
	for {
		select {
		case evt := <-d.queue:
			d.publish(ctx, evt)
		case <-ctx.Done():
			d.drain(ctx)
			d.logger.Info().Msg("dispatcher stopped")
			return nil
		}
	}
}

func (d *Dispatcher) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	for {
		select {
		case evt := <-d.queue:
			d.publish(ctx, evt)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, evt order.OrderCreated) {
	if err := d.publisher.Publish(ctx, evt.OrderID, evt); err != nil {
		d.count("failed")
		d.logger.Error().Err(err).Str("order_id", evt.OrderID).Msg("publish order created")
		return
	}
	d.count("published")
	d.logger.Debug().Str("order_id", evt.OrderID).Msg("order created published")
}

func (d *Dispatcher) count(result string) {
	if d.published != nil {
		d.published.WithLabelValues(result).Inc()
	}
}
