package cacheinfra

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel invalidations travel on.
const DefaultChannel = "graph:cache:invalidate"

// Invalidation is one delete broadcast to other processes. Exactly one of
// Key or Prefix is set.
type Invalidation struct {
	Origin string `msgpack:"o"`
	Key    string `msgpack:"k,omitempty"`
	Prefix string `msgpack:"p,omitempty"`
}

// RedisBus publishes invalidations on a Redis channel and applies the ones
// published by other processes.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	origin  string
	logger  *zap.Logger
}

// NewRedisBus creates a bus on channel. An empty channel uses DefaultChannel.
func NewRedisBus(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Origin identifies this bus in published messages.
func (b *RedisBus) Origin() string {
	return b.origin
}

// Publish broadcasts inv, stamped with this bus's origin.
func (b *RedisBus) Publish(ctx context.Context, inv Invalidation) error {
	inv.Origin = b.origin
	payload, err := msgpack.Marshal(&inv)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "encode cache invalidation")
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "publish cache invalidation").
			WithMetadata(map[string]any{"channel": b.channel})
	}
	return nil
}

// Listen subscribes to the channel and calls apply for every invalidation
// published by another origin. It blocks until ctx is done or the
// subscription fails. ready, when not nil, is closed once subscribed.
func (b *RedisBus) Listen(ctx context.Context, apply func(context.Context, Invalidation), ready chan<- struct{}) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "subscribe to cache invalidations").
			WithMetadata(map[string]any{"channel": b.channel})
	}
	if ready != nil {
		close(ready)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := msgpack.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				b.logger.Warn("dropping malformed cache invalidation", zap.String("channel", b.channel), zap.Error(err))
				continue
			}
			if inv.Origin == b.origin {
				continue
			}
			apply(ctx, inv)
		}
	}
}
