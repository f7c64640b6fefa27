package repositorycache

import (
	"context"

	bunrepo "github.com/goliatone/go-repository-bun"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/goliatone/go-repository-graph/cache"
	"github.com/goliatone/go-repository-graph/collection"
	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/goliatone/go-repository-graph/repository"
)

// DefaultNamespace prefixes every key written by a CachedRepository.
const DefaultNamespace = "graph"

var _ repository.EntityRepository[struct{}] = (*CachedRepository[struct{}])(nil)

// listResult wraps the rows and total of a FindBy call for caching.
type listResult[T any] struct {
	Records []*T
	Total   int
}

// Option configures a CachedRepository.
type Option func(*options)

type options struct {
	namespace string
	logger    *zap.Logger
	tags      *tagIndex
}

// WithNamespace sets the leading key segment. Repositories that share a
// namespace and an entity manager invalidate each other on flush.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		if namespace != "" {
			o.namespace = namespace
		}
	}
}

// WithLogger sets the logger used for invalidation failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTagIndex shares a tag index between repositories so that
// InvalidateTags on one drops tagged reads of all of them.
func WithTagIndex(index *TagIndex) Option {
	return func(o *options) {
		if index != nil {
			o.tags = index.index
		}
	}
}

// CachedRepository decorates an entity repository with read-through
// caching. Find, FindAll, FindBy, FindOneBy and Count are cached under
// keys of the form namespace::resource::method::args. Writes drop the
// resource namespace, and a flush drops every resource because the unit
// of work it commits is shared by all repositories of the manager.
//
// Cached entities are column-only copies. Every hit is attached to the
// base repository's unit of work, so the caller gets the instance that
// manager tracks and can modify and store it.
type CachedRepository[T any] struct {
	base          repository.EntityRepository[T]
	cache         cache.CacheService
	keySerializer cache.KeySerializer
	namespace     string
	logger        *zap.Logger
	tags          *tagIndex
}

// New creates a CachedRepository that wraps base.
func New[T any](base repository.EntityRepository[T], cacheService cache.CacheService, keySerializer cache.KeySerializer, opts ...Option) *CachedRepository[T] {
	o := &options{namespace: DefaultNamespace, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.tags == nil {
		o.tags = newTagIndex()
	}
	return &CachedRepository[T]{
		base:          base,
		cache:         cacheService,
		keySerializer: keySerializer,
		namespace:     o.namespace,
		logger:        o.logger,
		tags:          o.tags,
	}
}

// Base returns the decorated repository.
func (c *CachedRepository[T]) Base() repository.EntityRepository[T] {
	return c.base
}

func (c *CachedRepository[T]) Resource() string {
	return c.base.Resource()
}

func (c *CachedRepository[T]) Metadata() *metadata.ClassMetadata {
	return c.base.Metadata()
}

// Find returns the entity with the given identifier. Misses are cached
// when the cache service stores missing records.
func (c *CachedRepository[T]) Find(ctx context.Context, id any) (*T, error) {
	key := c.key(ctx, "Find", id)
	entity, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (*T, error) {
		entity, err := c.base.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			return nil, cache.ErrNotFound
		}
		return repository.Detached(c.base.Metadata(), entity), nil
	})
	if cache.IsMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.attachOne(entity)
}

func (c *CachedRepository[T]) FindAll(ctx context.Context, order ...repository.Order) ([]*T, error) {
	key := c.key(ctx, "FindAll", order)
	records, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) ([]*T, error) {
		records, err := c.base.FindAll(ctx, order...)
		return c.detach(records), err
	})
	if err != nil {
		return nil, err
	}
	return c.base.Attach(records...)
}

// FindBy caches rows together with the total so WithTotal works on hits.
func (c *CachedRepository[T]) FindBy(ctx context.Context, criteria map[string]any, opts ...repository.FindOption) ([]*T, error) {
	o := repository.ApplyFindOptions(opts...)
	key := c.key(ctx, "FindBy", criteria, o.Order, o.Limit, o.Offset, o.Total != nil)

	res, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (listResult[T], error) {
		var total int
		forward := []repository.FindOption{
			repository.WithOrder(o.Order...),
			repository.WithLimit(o.Limit),
			repository.WithOffset(o.Offset),
		}
		if o.Total != nil {
			forward = append(forward, repository.WithTotal(&total))
		}
		records, err := c.base.FindBy(ctx, criteria, forward...)
		return listResult[T]{Records: c.detach(records), Total: total}, err
	})
	if err != nil {
		return nil, err
	}
	if o.Total != nil {
		*o.Total = res.Total
	}
	return c.base.Attach(res.Records...)
}

func (c *CachedRepository[T]) FindOneBy(ctx context.Context, criteria map[string]any, order ...repository.Order) (*T, error) {
	key := c.key(ctx, "FindOneBy", criteria, order)
	entity, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (*T, error) {
		entity, err := c.base.FindOneBy(ctx, criteria, order...)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			return nil, cache.ErrNotFound
		}
		return repository.Detached(c.base.Metadata(), entity), nil
	})
	if cache.IsMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.attachOne(entity)
}

func (c *CachedRepository[T]) Count(ctx context.Context, criteria map[string]any) (int, error) {
	key := c.key(ctx, "Count", criteria)
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (int, error) {
		return c.base.Count(ctx, criteria)
	})
}

// Attach hands entities to the base repository's unit of work.
func (c *CachedRepository[T]) Attach(entities ...*T) ([]*T, error) {
	return c.base.Attach(entities...)
}

// detach copies rows before they are cached, so the cache never shares
// instances with a unit of work.
func (c *CachedRepository[T]) detach(records []*T) []*T {
	meta := c.base.Metadata()
	out := make([]*T, len(records))
	for i, r := range records {
		out[i] = repository.Detached(meta, r)
	}
	return out
}

func (c *CachedRepository[T]) attachOne(entity *T) (*T, error) {
	attached, err := c.base.Attach(entity)
	if err != nil || len(attached) == 0 {
		return nil, err
	}
	return attached[0], nil
}

// Query is not cached: builder functions have no stable identity.
func (c *CachedRepository[T]) Query(ctx context.Context, build ...bunrepo.SelectCriteria) (*collection.Collection[*T], error) {
	return c.base.Query(ctx, build...)
}

func (c *CachedRepository[T]) QueryCount(ctx context.Context, build ...bunrepo.SelectCriteria) (int, error) {
	return c.base.QueryCount(ctx, build...)
}

// Create fills a new entity. Associations it resolves may be created and
// managed, so cached reads of the resource are dropped.
func (c *CachedRepository[T]) Create(ctx context.Context, data map[string]any, protect bool) (*T, error) {
	entity, err := c.base.Create(ctx, data, protect)
	if err == nil {
		c.invalidateResource(ctx)
	}
	return entity, err
}

// Update fills a managed entity in memory. Nothing is written until a
// flush, which invalidates.
func (c *CachedRepository[T]) Update(ctx context.Context, entity *T, data map[string]any, protect bool) error {
	return c.base.Update(ctx, entity, data, protect)
}

func (c *CachedRepository[T]) Replicate(ctx context.Context, entity *T, overrides map[string]any) (*T, error) {
	clone, err := c.base.Replicate(ctx, entity, overrides)
	if err == nil {
		c.invalidateResource(ctx)
	}
	return clone, err
}

func (c *CachedRepository[T]) Store(ctx context.Context, entity *T, flush bool) error {
	err := c.base.Store(ctx, entity, flush)
	c.invalidateAfterWrite(ctx, flush)
	return err
}

func (c *CachedRepository[T]) Remove(ctx context.Context, entity *T, flush bool) error {
	err := c.base.Remove(ctx, entity, flush)
	c.invalidateAfterWrite(ctx, flush)
	return err
}

func (c *CachedRepository[T]) Flush(ctx context.Context) error {
	err := c.base.Flush(ctx)
	c.invalidateAll(ctx)
	return err
}

// Detach stops tracking entity and drops the cached reads of the resource.
func (c *CachedRepository[T]) Detach(entity *T) {
	c.base.Detach(entity)
	c.invalidateResource(context.Background())
}

// Clear empties the identity map of the manager and every cached read.
func (c *CachedRepository[T]) Clear() {
	c.base.Clear()
	c.invalidateAll(context.Background())
}

// InvalidateTags drops every cached read made under one of tags.
func (c *CachedRepository[T]) InvalidateTags(ctx context.Context, tags ...string) error {
	return c.tags.invalidate(ctx, c.cache, tags...)
}

// Invalidate drops every cached read of the resource.
func (c *CachedRepository[T]) Invalidate(ctx context.Context) error {
	_, err := c.cache.DeletePrefix(ctx, c.resourcePrefix())
	return err
}

func (c *CachedRepository[T]) key(ctx context.Context, method string, args ...any) string {
	key := c.keySerializer.SerializeKey(c.resourcePrefix()+method, args...)
	c.tags.register(key, cacheTagsFromContext(ctx))
	return key
}

func (c *CachedRepository[T]) resourcePrefix() string {
	return c.namespace + cache.KeySeparator + c.base.Resource() + cache.KeySeparator
}

func (c *CachedRepository[T]) invalidateAfterWrite(ctx context.Context, flushed bool) {
	if flushed {
		c.invalidateAll(ctx)
		return
	}
	c.invalidateResource(ctx)
}

func (c *CachedRepository[T]) invalidateResource(ctx context.Context) {
	c.deletePrefix(ctx, c.resourcePrefix())
}

func (c *CachedRepository[T]) invalidateAll(ctx context.Context) {
	c.deletePrefix(ctx, c.namespace+cache.KeySeparator)
}

func (c *CachedRepository[T]) deletePrefix(ctx context.Context, prefix string) {
	if _, err := c.cache.DeletePrefix(ctx, prefix); err != nil {
		c.logger.Warn("cache invalidation failed",
			zap.String("resource", c.base.Resource()),
			zap.String("prefix", prefix),
			zap.Error(err),
		)
	}
}

// TagIndex records which cached keys were read under which tags.
type TagIndex struct {
	index *tagIndex
}

// NewTagIndex creates an empty index to share through WithTagIndex.
func NewTagIndex() *TagIndex {
	return &TagIndex{index: newTagIndex()}
}

// Invalidate drops every key read under one of tags from service.
func (t *TagIndex) Invalidate(ctx context.Context, service cache.CacheService, tags ...string) error {
	return t.index.invalidate(ctx, service, tags...)
}

type tagIndex struct {
	keys *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]
}

func newTagIndex() *tagIndex {
	return &tagIndex{keys: xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]]()}
}

func (t *tagIndex) register(key string, tags []string) {
	for _, tag := range tags {
		set, _ := t.keys.LoadOrCompute(tag, func() *xsync.MapOf[string, struct{}] {
			return xsync.NewMapOf[string, struct{}]()
		})
		set.Store(key, struct{}{})
	}
}

func (t *tagIndex) invalidate(ctx context.Context, service cache.CacheService, tags ...string) error {
	for _, tag := range dedupeStrings(tags) {
		set, ok := t.keys.LoadAndDelete(tag)
		if !ok {
			continue
		}
		var err error
		set.Range(func(key string, _ struct{}) bool {
			err = service.Delete(ctx, key)
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
