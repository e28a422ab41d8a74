// Package redis implements broker.Broker on Redis Streams so events reach
// every replica sharing the Redis deployment.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/broker"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. It is required and not closed by
	// the broker.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "mcpgw:broker:" if empty.
	KeyPrefix string
	// MaxLen approximately caps each stream. Defaults to 1000.
	MaxLen int64
	// Block bounds each blocking read so cancellation is observed.
	// Defaults to one second.
	Block time.Duration
}

// Broker is a Redis Streams backed broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// New creates a Redis broker.
func New(config Config) (*Broker, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcpgw:broker:"
	}
	if config.MaxLen <= 0 {
		config.MaxLen = 1000
	}
	if config.Block <= 0 {
		config.Block = time.Second
	}
	return &Broker{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		maxLen:    config.MaxLen,
		block:     config.Block,
	}, nil
}

// Publish implements broker.Broker. Redis assigns the event id.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	key := b.streamKey(topic)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", key, err)
	}
	return id, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string, handler broker.Handler) error {
	key := b.streamKey(topic)

	// Pin "after the newest" to a concrete id so events published between
	// reads are not skipped.
	startID := lastEventID
	if startID == "" {
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read stream tail %s: %w", key, err)
		}
		if len(last) == 1 {
			startID = last[0].ID
		} else {
			startID = "0-0"
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   64,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				err := handler(ctx, broker.Envelope{ID: msg.ID, Data: []byte(data)})
				if errors.Is(err, broker.ErrStopped) {
					return nil
				}
				if err != nil {
					return err
				}
			}
		}
	}
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

var _ broker.Broker = (*Broker)(nil)
