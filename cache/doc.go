// Package cache provides the read-through cache and key serialization used
// by the cached repository.
//
// # Overview
//
//   - CacheService: read-through GetOrFetch plus key and prefix deletion,
//     backed by sturdyc (see NewCacheService)
//   - KeySerializer: builds stable cache keys from a method name and its
//     arguments
//
// # Basic Usage
//
//	service, err := cache.NewCacheService(cache.DefaultConfig(), logger)
//	serializer := cache.NewDefaultKeySerializer()
//
//	key := serializer.SerializeKey("pets::Find", 7)
//	pet, err := cache.GetOrFetch(ctx, service, key, func(ctx context.Context) (*Pet, error) {
//		return pets.Find(ctx, 7)
//	})
//
// Fetch functions return ErrNotFound for records that do not exist. With
// missing record storage enabled the miss is cached and later lookups
// report IsMissing without reaching the database.
//
// # Key Serialization
//
// The method name is kept verbatim so a whole namespace, such as every key
// of one entity resource, can be dropped with DeletePrefix. Arguments are
// rendered with reflection:
//
//   - Functions and channels: %p formatting, stable within one process
//   - Basic types: direct string representation
//   - Slices, arrays and maps: recursive, maps sorted by key
//   - Structs: exported fields; Stringer structs and arrays use String()
//   - Byte slices: xxhash digest
//   - Anything else: xxhash digest of its msgpack encoding
//
// Pointers already on the current path render as cycle markers. Entities
// should be keyed by identity instead; WithIdentity installs a function that
// does so. Argument parts longer than DefaultMaxArgsLength are replaced by
// their xxhash digest.
//
// Function criteria produce a new key for every closure, so caching Query
// style calls only pays off when the same function value is reused.
package cache
