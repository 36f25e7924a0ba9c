// Package redisstore keeps short-lived processing markers in Redis.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultEventTTL = 24 * time.Hour

// EventDeduper remembers which webhook event ids were already processed.
type EventDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewEventDeduper(client *redis.Client, ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &EventDeduper{client: client, prefix: "webhook:event:", ttl: ttl}
}

// FirstSeen marks id as processed and reports whether it was new.
func (d *EventDeduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event %s: %w", id, err)
	}
	return ok, nil
}

// Forget drops the marker so a redelivery is processed again.
func (d *EventDeduper) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("forget event %s: %w", id, err)
	}
	return nil
}

func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
