package di

import (
	"context"
	"reflect"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/goliatone/go-repository-graph/cache"
	"github.com/goliatone/go-repository-graph/config"
	"github.com/goliatone/go-repository-graph/hydrator"
	"github.com/goliatone/go-repository-graph/manager"
	"github.com/goliatone/go-repository-graph/replicator"
	"github.com/goliatone/go-repository-graph/repository"
	"github.com/goliatone/go-repository-graph/repositorycache"
	"github.com/uptrace/bun"
)

// Container wires managers, hydrators, replicators and the repository
// cache from one config. The cache service, key serializer and tag index
// are singletons; hydrators and replicators are built once per manager.
type Container struct {
	config        config.Config
	logger        *zap.Logger
	managers      *manager.Registry
	cacheService  cache.CacheService
	keySerializer cache.KeySerializer
	tags          *repositorycache.TagIndex
	services      *xsync.MapOf[*manager.EntityManager, *services]

	redis      redis.UniversalClient
	ownsRedis  bool
	stopListen context.CancelFunc
	listenDone chan error
}

// services are the per-manager collaborators shared by its repositories.
type services struct {
	hydrator   *hydrator.Hydrator
	replicator *replicator.Replicator
	identity   cache.IdentityFunc
}

// Option configures a Container.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	connections map[string]*bun.DB
	subscribers []manager.Subscriber
	redis       redis.UniversalClient
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConnection supplies an open database for the named manager instead
// of dialing its DSN.
func WithConnection(name string, db *bun.DB) Option {
	return func(o *options) {
		o.connections[name] = db
	}
}

// WithSubscribers subscribes every manager to lifecycle events.
func WithSubscribers(subs ...manager.Subscriber) Option {
	return func(o *options) {
		o.subscribers = append(o.subscribers, subs...)
	}
}

// WithRedisClient uses client for cache broadcasts instead of dialing the
// configured address. Broadcasting is enabled even without an address.
// The caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redis = client
	}
}

// NewContainer validates cfg and creates a container for models.
func NewContainer(cfg config.Config, models []any, opts ...Option) (*Container, error) {
	o := &options{logger: zap.NewNop(), connections: make(map[string]*bun.DB)}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cacheService, err := cache.NewCacheService(cfg.Cache, o.logger)
	if err != nil {
		return nil, err
	}

	registryOpts := []manager.RegistryOption{
		manager.WithRegistryLogger(o.logger),
		manager.WithManagerSubscribers(o.subscribers...),
	}
	for name, db := range o.connections {
		registryOpts = append(registryOpts, manager.WithConnection(name, db))
	}

	c := &Container{
		config:       cfg,
		logger:       o.logger,
		managers:     manager.NewRegistry(cfg, models, registryOpts...),
		cacheService: cacheService,
		tags:         repositorycache.NewTagIndex(),
		services:     xsync.NewMapOf[*manager.EntityManager, *services](),
	}
	c.keySerializer = cache.NewDefaultKeySerializer(cache.WithIdentity(c.identity))

	if o.redis != nil || cfg.Cache.Broadcast.Enabled() {
		c.redis = o.redis
		if c.redis == nil {
			c.redis = cfg.Cache.Broadcast.NewRedisClient()
			c.ownsRedis = true
		}
		if err := c.startBroadcast(cfg.Cache.Broadcast.Channel); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// startBroadcast wraps the cache service so deletes reach other processes
// and listens for theirs until Close.
func (c *Container) startBroadcast(channel string) error {
	broadcasting := cache.NewBroadcastingService(c.cacheService, c.redis, channel, c.logger)
	c.cacheService = broadcasting

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	c.stopListen = cancel
	c.listenDone = done
	go func() {
		done <- broadcasting.Listen(ctx, ready)
	}()

	select {
	case <-ready:
		return nil
	case err := <-done:
		c.listenDone = nil
		return err
	}
}

// NewContainerWithDefaults creates a container over config.DefaultConfig.
func NewContainerWithDefaults(models ...any) (*Container, error) {
	return NewContainer(config.DefaultConfig(), models)
}

// NewContainerFromFile loads the config at path and creates a container.
func NewContainerFromFile(path string, models []any, opts ...Option) (*Container, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewContainer(cfg, models, opts...)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config {
	return c.config
}

// Managers returns the manager registry.
func (c *Container) Managers() *manager.Registry {
	return c.managers
}

// Manager returns the named entity manager; an empty name selects the default.
func (c *Container) Manager(name string) (*manager.EntityManager, error) {
	return c.managers.Manager(name)
}

// CacheService returns the singleton cache service.
func (c *Container) CacheService() cache.CacheService {
	return c.cacheService
}

// KeySerializer returns the singleton key serializer. Entities of any
// manager built so far are keyed by identity.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// TagIndex returns the tag index shared by cached repositories.
func (c *Container) TagIndex() *repositorycache.TagIndex {
	return c.tags
}

// Hydrator returns the hydrator for em, with the default filters and the
// configured default protection.
func (c *Container) Hydrator(em *manager.EntityManager) *hydrator.Hydrator {
	return c.servicesFor(em).hydrator
}

// Replicator returns the replicator for em.
func (c *Container) Replicator(em *manager.EntityManager) *replicator.Replicator {
	return c.servicesFor(em).replicator
}

// Close stops the broadcast listener and closes every connection the
// container opened.
func (c *Container) Close() error {
	var err error
	if c.stopListen != nil {
		c.stopListen()
		if c.listenDone != nil {
			err = multierr.Append(err, <-c.listenDone)
			c.listenDone = nil
		}
		c.stopListen = nil
	}
	if c.redis != nil && c.ownsRedis {
		err = multierr.Append(err, c.redis.Close())
		c.redis = nil
	}
	return multierr.Append(err, c.managers.Close())
}

func (c *Container) servicesFor(em *manager.EntityManager) *services {
	s, _ := c.services.LoadOrCompute(em, func() *services {
		h := hydrator.New(em.Registry(), em,
			hydrator.WithLogger(c.logger),
			hydrator.WithDefaultProtection(c.config.Hydrator.DefaultProtection...),
		)
		hydrator.RegisterDefaultFilters(h)
		return &services{
			hydrator:   h,
			replicator: replicator.New(em.Registry(), em, replicator.WithLogger(c.logger)),
			identity:   repositorycache.EntityIdentity(em.Registry()),
		}
	})
	return s
}

func (c *Container) identity(v any) (key string, ok bool) {
	c.services.Range(func(_ *manager.EntityManager, s *services) bool {
		key, ok = s.identity(v)
		return !ok
	})
	return key, ok
}

func (c *Container) managerFor(typ reflect.Type) (*manager.EntityManager, error) {
	return c.managers.ManagerForType(typ)
}

// NewRepository creates a repository for T on the first manager that
// serves T, sharing the container's hydrator and replicator for it.
//
// Since Go methods cannot have type parameters, this is a package-level
// function: NewRepository[Pet](container).
func NewRepository[T any](c *Container, opts ...repository.Option) (*repository.Repository[T], error) {
	em, err := c.managerFor(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	s := c.servicesFor(em)
	base := []repository.Option{
		repository.WithHydrator(s.hydrator),
		repository.WithReplicator(s.replicator),
		repository.WithLogger(c.logger),
	}
	return repository.New[T](em, append(base, opts...)...)
}

// NewCachedRepository creates a repository for T and wraps it with the
// container's cache service, key serializer and tag index.
func NewCachedRepository[T any](c *Container, opts ...repository.Option) (*repositorycache.CachedRepository[T], error) {
	base, err := NewRepository[T](c, opts...)
	if err != nil {
		return nil, err
	}
	return WrapRepository[T](c, base), nil
}

// WrapRepository decorates an existing repository with the container's
// cache.
func WrapRepository[T any](c *Container, base repository.EntityRepository[T]) *repositorycache.CachedRepository[T] {
	return repositorycache.New[T](base, c.cacheService, c.keySerializer,
		repositorycache.WithLogger(c.logger),
		repositorycache.WithTagIndex(c.tags),
	)
}
