package cache

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// DefaultMaxArgsLength is the length above which the argument part of a key
// is replaced by its hash.
const DefaultMaxArgsLength = 512

// IdentityFunc returns a stable key for values that stand for a stored
// entity, such as "Person#7". Values it does not recognise report false.
type IdentityFunc func(v any) (string, bool)

// KeyOption configures the default key serializer.
type KeyOption func(*defaultKeySerializer)

// WithIdentity makes the serializer key entities by identity instead of
// walking their fields. Entity graphs are usually cyclic, so repositories
// whose criteria may hold entities should always set it.
func WithIdentity(fn IdentityFunc) KeyOption {
	return func(s *defaultKeySerializer) {
		s.identity = fn
	}
}

// WithMaxArgsLength sets the argument length above which keys are hashed.
// Zero disables hashing.
func WithMaxArgsLength(n int) KeyOption {
	return func(s *defaultKeySerializer) {
		s.maxArgs = n
	}
}

// defaultKeySerializer builds keys with reflection. Functions use %p
// formatting, maps are sorted, pointers already on the current path render
// as cycle markers and values without a readable form fall back to a
// msgpack digest.
type defaultKeySerializer struct {
	identity IdentityFunc
	maxArgs  int
}

// NewDefaultKeySerializer creates the default key serializer.
func NewDefaultKeySerializer(opts ...KeyOption) KeySerializer {
	s := &defaultKeySerializer{maxArgs: DefaultMaxArgsLength}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SerializeKey builds a cache key from method name and args. The method is
// kept verbatim so callers can invalidate by prefix.
func (s *defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = s.serializeValue(arg, map[uintptr]bool{})
	}

	joined := strings.Join(parts, KeySeparator)
	if s.maxArgs > 0 && len(joined) > s.maxArgs {
		joined = "xxh:" + strconv.FormatUint(xxhash.Sum64String(joined), 16)
	}
	return method + KeySeparator + joined
}

func (s *defaultKeySerializer) serializeValue(v any, path map[uintptr]bool) string {
	if v == nil {
		return "nil"
	}
	if s.identity != nil {
		if key, ok := s.identity(v); ok {
			return key
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return fmt.Sprintf("func:%p", v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%p", v)
	case reflect.Ptr:
		if rv.IsNil() {
			return "nil"
		}
		addr := rv.Pointer()
		if path[addr] {
			return "cycle:" + rv.Type().Elem().String()
		}
		path[addr] = true
		defer delete(path, addr)
		return s.serializeValue(rv.Elem().Interface(), path)
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return "bytes:" + strconv.FormatUint(xxhash.Sum64(rv.Bytes()), 16)
		}
		return fmt.Sprintf("slice[%d]:{%s}", rv.Len(), s.serializeElements(rv, path))
	case reflect.Array:
		if str, ok := v.(fmt.Stringer); ok {
			return str.String()
		}
		return fmt.Sprintf("array[%d]:{%s}", rv.Len(), s.serializeElements(rv, path))
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.serializeMap(rv, path)
	case reflect.Struct:
		if str, ok := v.(fmt.Stringer); ok {
			return str.String()
		}
		return s.serializeStruct(rv, path)
	case reflect.Interface:
		if rv.IsNil() {
			return "interface:nil"
		}
		return s.serializeValue(rv.Elem().Interface(), path)
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return fmt.Sprintf("%v", v)
	}
	return s.digest(v)
}

func (s *defaultKeySerializer) serializeElements(rv reflect.Value, path map[uintptr]bool) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = s.serializeValue(rv.Index(i).Interface(), path)
	}
	return strings.Join(parts, ",")
}

// serializeMap renders entries sorted by their serialized key.
func (s *defaultKeySerializer) serializeMap(rv reflect.Value, path map[uintptr]bool) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := s.serializeValue(iter.Key().Interface(), path)
		value := s.serializeValue(iter.Value().Interface(), path)
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func (s *defaultKeySerializer) serializeStruct(rv reflect.Value, path map[uintptr]bool) string {
	rt := rv.Type()
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+":"+s.serializeValue(rv.Field(i).Interface(), path))
	}
	return fmt.Sprintf("struct:{%s}", strings.Join(parts, ","))
}

// digest encodes v with msgpack, map keys sorted, and hashes the result.
func (s *defaultKeySerializer) digest(v any) string {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return "fallback:" + reflect.TypeOf(v).String()
	}
	return "msgpack:" + strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16)
}
