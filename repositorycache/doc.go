// Package repositorycache provides a read-through caching decorator for
// entity repositories.
//
// # Overview
//
// CachedRepository wraps any repository.EntityRepository[T] and caches
// the reads whose arguments serialize to a stable key. Writes go to the
// base repository and then drop the cached reads they can affect.
//
//	base, _ := repository.New[Pet](em)
//	service, _ := cache.NewCacheService(cache.DefaultConfig(), logger)
//	keys := cache.NewDefaultKeySerializer(cache.WithIdentity(repositorycache.EntityIdentity(em.Registry())))
//
//	pets := repositorycache.New[Pet](base, service, keys)
//	dogs, err := pets.FindBy(ctx, map[string]any{"species": "dog"})
//
// # Cached vs Pass-through Operations
//
// Cached:
//   - Find, FindAll, FindBy, FindOneBy, Count
//
// Pass-through:
//   - Query and QueryCount, since builder functions have no stable key
//   - Update, which only changes the managed instance in memory
//   - Resource and Metadata
//
// Find and FindOneBy report a miss as (nil, nil). With missing record
// storage enabled on the cache service the miss itself is cached.
// FindBy caches the total alongside the rows so WithTotal works on a hit.
//
// # Keys
//
// Keys have the form
//
//	namespace::resource::method::args
//
// The namespace defaults to DefaultNamespace and can be changed with
// WithNamespace. Entities used as criteria values should be keyed by
// identity: EntityIdentity renders them as Name#id, which keeps keys short
// and avoids walking cyclic graphs.
//
// # Invalidation
//
//   - Create, Replicate, Detach and Store or Remove without flush drop the
//     resource prefix
//   - Flush, Store or Remove with flush and Clear drop the whole namespace,
//     because the unit of work and the identity map are shared by every
//     repository of the manager
//
// Invalidation failures never fail the write; they are logged at warn
// level through the logger given to WithLogger.
//
// # Tags
//
// Reads made with a context from WithCacheTags are also registered under
// the given tags and can be dropped together:
//
//	ctx = repositorycache.WithCacheTags(ctx, "owner:7")
//	pets.FindBy(ctx, map[string]any{"owner": owner})
//	...
//	pets.InvalidateTags(ctx, "owner:7")
//
// Repositories built with the same WithTagIndex share one tag index.
package repositorycache
