package cache

import (
	"context"
	"errors"

	"github.com/goliatone/go-repository-graph/internal/cacheinfra"
)

// KeySerializer builds a cache key from a method name + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// FetchFn loads a value from the source of truth on a cache miss.
type FetchFn[T any] func(ctx context.Context) (T, error)

// CacheService exposes the read-through operations repository decorators
// need. Keys are namespaced by their leading segments so a whole namespace
// can be dropped with DeletePrefix.
type CacheService interface {
	GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ErrInvalidResultType is returned when a cached value does not have the
// type the caller asked for.
var ErrInvalidResultType = errors.New("cache: cached value has an unexpected type")

// ErrNotFound is returned by fetch functions for records that do not exist.
// When missing record storage is enabled the miss is cached too.
var ErrNotFound = cacheinfra.ErrNotFound

// IsMissing reports whether err marks a record known not to exist.
func IsMissing(err error) bool {
	return cacheinfra.IsMissing(err)
}

// GetOrFetch is the typed form of CacheService.GetOrFetch. A nil cached
// value yields the zero value of T.
func GetOrFetch[T any](ctx context.Context, service CacheService, key string, fetch FetchFn[T]) (T, error) {
	var zero T
	result, err := service.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, ErrInvalidResultType
	}
	return typed, nil
}
