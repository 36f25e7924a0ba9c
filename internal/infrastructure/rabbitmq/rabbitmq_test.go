package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []published
	publishErr error
	deliveries chan amqp.Delivery
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Close() error { return nil }

// trail records handler calls and acks in the order they happen.
type trail struct {
	mu    sync.Mutex
	steps []string
}

func (t *trail) add(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step)
}

func (t *trail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

func (t *trail) Ack(tag uint64, multiple bool) error {
	t.add(fmt.Sprintf("ack:%d", tag))
	return nil
}

func (t *trail) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (t *trail) Reject(tag uint64, requeue bool) error         { return nil }

func newTestPublisher(ch *fakeChannel) *Publisher {
	return &Publisher{channel: ch, exchange: "orders", routingKey: "order.created", logger: zerolog.Nop()}
}

// ============================================
// Publisher Tests
// ============================================

func TestPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)

	err := p.Publish(context.Background(), "order-1", map[string]string{"event_type": "OrderCreated"})

	require.NoError(t, err)
	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "orders", got.exchange)
	assert.Equal(t, "order.created", got.key)
	assert.Equal(t, "order-1", got.msg.MessageId)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)

	var body map[string]string
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, "OrderCreated", body["event_type"])
}

func TestPublisher_Publish_CancelledContext(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, "order-1", map[string]string{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ch.published)
}

func TestPublisher_Publish_EncodeError(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)

	err := p.Publish(context.Background(), "order-1", make(chan int))

	assert.ErrorContains(t, err, "encode event")
	assert.Empty(t, ch.published)
}

func TestPublisher_Publish_ChannelError(t *testing.T) {
	boom := errors.New("channel closed")
	p := newTestPublisher(&fakeChannel{publishErr: boom})

	err := p.Publish(context.Background(), "order-1", map[string]string{})

	assert.ErrorIs(t, err, boom)
}

// ============================================
// Consumer Tests
// ============================================

func TestConsumer_Consume_AcksAfterHandler(t *testing.T) {
	tr := &trail{}
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	c := &Consumer{channel: ch, queue: "notifications", logger: zerolog.Nop()}

	ch.deliveries <- amqp.Delivery{Acknowledger: tr, DeliveryTag: 1, MessageId: "order-1", Body: []byte(`{"n":1}`)}
	ch.deliveries <- amqp.Delivery{Acknowledger: tr, DeliveryTag: 2, MessageId: "order-2", Body: []byte(`{"n":2}`)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(ctx context.Context, key, value []byte) error {
			tr.add("handle:" + string(key))
			if string(key) == "order-2" {
				return errors.New("smtp down")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(tr.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []string{"handle:order-1", "ack:1", "handle:order-2", "ack:2"}, tr.snapshot())
}

func TestConsumer_Consume_ChannelClosed(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)
	c := &Consumer{channel: ch, queue: "notifications", logger: zerolog.Nop()}

	err := c.Consume(context.Background(), func(ctx context.Context, key, value []byte) error { return nil })

	assert.ErrorContains(t, err, "delivery channel closed")
}
