package hydrator

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// coerce is the default conversion applied when no filter is registered for
// the field's logical type. Values that cannot be coerced become nil.
func coerce(f *metadata.Field, value any) any {
	if value == nil {
		return nil
	}

	var (
		out any
		err error
	)
	switch f.TypeName {
	case "string":
		out, err = cast.ToStringE(value)
	case "integer":
		out, err = cast.ToInt64E(value)
	case "unsigned":
		out, err = cast.ToUint64E(value)
	case "float":
		out, err = cast.ToFloat64E(value)
	case "boolean":
		out, err = cast.ToBoolE(value)
	case "datetime":
		out, err = toTime(value)
	case "uuid":
		out, err = toUUID(value)
	case "bytes":
		out, err = toBytes(value)
	default:
		out, err = decodeJSON(f.Type, value)
	}
	if err != nil {
		return nil
	}
	return out
}

func toTime(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
	}
	return cast.ToTimeE(value)
}

func toUUID(value any) (any, error) {
	switch v := value.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return uuid.Parse(v)
	case []byte:
		if len(v) == 16 {
			return uuid.FromBytes(v)
		}
		return uuid.ParseBytes(v)
	}
	return uuid.Parse(cast.ToString(value))
}

func toBytes(value any) (any, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	s, err := cast.ToStringE(value)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// decodeJSON passes structured values through and decodes JSON strings
// into map, slice and struct fields.
func decodeJSON(typ reflect.Type, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	switch typ.Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct, reflect.Interface:
	default:
		return value, nil
	}

	ptr := reflect.New(typ)
	if err := json.Unmarshal([]byte(s), ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
