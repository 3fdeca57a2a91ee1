package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "pinchwork:events:"

// RedisBus wraps the local bus and mirrors every event onto a Redis
// pub/sub channel per event type, so sibling server processes can
// observe transitions they did not originate.
type RedisBus struct {
	*LocalBus

	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(addr string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		LocalBus: NewLocalBus(),
		rdb:      rdb,
		logger:   log.New(log.Writer(), "[REDIS-EVENTS] ", log.LstdFlags),
	}, nil
}

// Publish fans out locally and mirrors the event to Redis.
func (b *RedisBus) Publish(e *Event) {
	b.LocalBus.Publish(e)

	payload, err := e.JSON()
	if err != nil {
		b.logger.Printf("marshal event %s: %v", e.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, redisChannelPrefix+e.Type, payload).Err(); err != nil {
		b.logger.Printf("redis publish %s: %v", e.ID, err)
	}
}

// HealthCheck pings Redis.
func (b *RedisBus) HealthCheck(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

var _ Bus = (*RedisBus)(nil)
