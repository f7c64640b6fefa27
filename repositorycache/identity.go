package repositorycache

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/goliatone/go-repository-graph/cache"
	"github.com/goliatone/go-repository-graph/metadata"
)

// EntityIdentity returns a cache.IdentityFunc that keys registered
// entities as Name#id, or Name#id1,id2 for compound identifiers. Entities
// without a full identity are not recognised and get serialized by value.
func EntityIdentity(registry *metadata.Registry) cache.IdentityFunc {
	return func(v any) (string, bool) {
		if v == nil {
			return "", false
		}
		typ := reflect.TypeOf(v)
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		if typ.Kind() != reflect.Struct || !registry.Has(typ) {
			return "", false
		}
		meta, err := registry.Metadata(typ)
		if err != nil || !meta.HasIdentity(v) {
			return "", false
		}
		values := meta.IdentifierValues(v)
		parts := make([]string, 0, len(meta.Identifiers))
		for _, f := range meta.IdentifierFields() {
			parts = append(parts, fmt.Sprintf("%v", values[f.Key]))
		}
		return meta.Name + "#" + strings.Join(parts, ","), true
	}
}
