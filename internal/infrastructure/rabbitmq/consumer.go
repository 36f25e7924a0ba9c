package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

// Consumer reads from a durable queue bound to the exchange.
type Consumer struct {
	conn    *amqp.Connection
	channel amqpChannel
	queue   string
	logger  zerolog.Logger
}

func NewConsumer(amqpURL, exchange, routingKey, queue string, logger zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		channel.Close()
		conn.Close()
		return nil, err
	}

	if err := declareExchange(channel, exchange); err != nil {
		return fail(err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	if err := channel.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fail(fmt.Errorf("bind queue: %w", err))
	}
	if err := channel.Qos(10, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		queue:   queue,
		logger:  logger.With().Str("component", "rabbitmq-consumer").Str("queue", queue).Logger(),
	}, nil
}

// Consume delivers messages to handler until ctx ends. Messages are acked
// after the handler returns, whatever the outcome.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handler(ctx, []byte(d.MessageId), d.Body); err != nil {
				c.logger.Error().Err(err).Str("key", d.MessageId).Msg("handle message")
			}
			if err := d.Ack(false); err != nil {
				c.logger.Error().Err(err).Str("key", d.MessageId).Msg("ack message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
