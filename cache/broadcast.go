package cache

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/goliatone/go-repository-graph/internal/cacheinfra"
)

// DefaultBroadcastChannel is the channel used when none is configured.
const DefaultBroadcastChannel = cacheinfra.DefaultChannel

// BroadcastConfig enables cross-process invalidation over Redis pub/sub.
// An empty Addr disables it.
type BroadcastConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Enabled reports whether a Redis address is configured.
func (b BroadcastConfig) Enabled() bool {
	return b.Addr != ""
}

// Validate checks the broadcast settings.
func (b BroadcastConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.DB, validation.Min(0)),
	)
}

// NewRedisClient builds the client described by b.
func (b BroadcastConfig) NewRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     b.Addr,
		Password: b.Password,
		DB:       b.DB,
	})
}

// BroadcastingService wraps a local cache and publishes every delete so
// that other processes holding the same keys drop them too. Reads stay
// local.
type BroadcastingService struct {
	local  CacheService
	bus    *cacheinfra.RedisBus
	logger *zap.Logger
}

var _ CacheService = (*BroadcastingService)(nil)

// NewBroadcastingService wraps local. An empty channel uses the default.
func NewBroadcastingService(local CacheService, client redis.UniversalClient, channel string, logger *zap.Logger) *BroadcastingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastingService{
		local:  local,
		bus:    cacheinfra.NewRedisBus(client, channel, logger),
		logger: logger,
	}
}

func (s *BroadcastingService) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, error) {
	return s.local.GetOrFetch(ctx, key, fetch)
}

// Delete removes key locally and announces it.
func (s *BroadcastingService) Delete(ctx context.Context, key string) error {
	if err := s.local.Delete(ctx, key); err != nil {
		return err
	}
	return s.bus.Publish(ctx, cacheinfra.Invalidation{Key: key})
}

// DeletePrefix removes the prefix locally and announces it.
func (s *BroadcastingService) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	removed, err := s.local.DeletePrefix(ctx, prefix)
	if err != nil {
		return removed, err
	}
	return removed, s.bus.Publish(ctx, cacheinfra.Invalidation{Prefix: prefix})
}

// Listen applies invalidations from other processes to the local cache
// until ctx is done. ready, when not nil, is closed once subscribed.
func (s *BroadcastingService) Listen(ctx context.Context, ready chan<- struct{}) error {
	return s.bus.Listen(ctx, s.apply, ready)
}

func (s *BroadcastingService) apply(ctx context.Context, inv cacheinfra.Invalidation) {
	var err error
	switch {
	case inv.Prefix != "":
		_, err = s.local.DeletePrefix(ctx, inv.Prefix)
	case inv.Key != "":
		err = s.local.Delete(ctx, inv.Key)
	}
	if err != nil {
		s.logger.Warn("remote cache invalidation failed",
			zap.String("origin", inv.Origin),
			zap.String("key", inv.Key),
			zap.String("prefix", inv.Prefix),
			zap.Error(err),
		)
	}
}
