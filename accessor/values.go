package accessor

import (
	"errors"
	"math"
	"reflect"
)

var errNotAssignable = errors.New("not assignable")

// Elements flattens a value into a list: nil is empty, collections and slices
// yield their members, anything else is a single element.
func Elements(value any) []any {
	if value == nil {
		return nil
	}
	if c, ok := value.(MutableCollection); ok {
		if isNil(c) {
			return nil
		}
		return c.Elements()
	}
	if list, ok := value.([]any); ok {
		return append([]any(nil), list...)
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.IsNil() {
				return nil
			}
			return []any{value}
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
	}
	return []any{value}
}

// Copy returns a shallow copy of a struct pointer.
func Copy(entity any) any {
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return entity
	}
	cp := reflect.New(rv.Type().Elem())
	cp.Elem().Set(rv.Elem())
	return cp.Interface()
}

// CopyCollection detaches a collection value from its source: slices get a
// new backing array, copiers produce their own copy.
func CopyCollection(value any) any {
	if value == nil {
		return nil
	}
	if c, ok := value.(CollectionCopier); ok && !isNil(value) {
		return c.CopyCollection()
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || rv.IsNil() {
		return value
	}
	cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(cp, rv)
	return cp.Interface()
}

// IsEmpty reports whether value is nil, a nil pointer or a zero value.
func IsEmpty(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	return rv.IsZero()
}

// Same compares two values by identity: pointers by address, comparable
// values by equality.
func Same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func containsIdentity(list []any, v any) bool {
	for _, el := range list {
		if Same(el, v) {
			return true
		}
	}
	return false
}

func reconcileCollection(c MutableCollection, values []any) {
	for _, el := range c.Elements() {
		if !containsIdentity(values, el) {
			c.RemoveElement(el)
		}
	}
	for _, el := range values {
		if !c.ContainsElement(el) {
			c.AddElement(el)
		}
	}
}

// reconcileSlice keeps members of current that are still present (same
// position, same pointer), drops the rest and appends new members.
func reconcileSlice(current reflect.Value, values []any) (reflect.Value, error) {
	typ := current.Type()
	out := reflect.MakeSlice(typ, 0, len(values))

	for i := 0; i < current.Len(); i++ {
		el := current.Index(i)
		if containsIdentity(values, el.Interface()) {
			out = reflect.Append(out, el)
		}
	}
	for _, v := range values {
		if containsIdentity(sliceValues(out), v) {
			continue
		}
		conv, err := convert(v, typ.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		if conv.Kind() == reflect.Ptr && conv.IsNil() {
			continue
		}
		out = reflect.Append(out, conv)
	}
	return out, nil
}

func sliceValues(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func isEntitySlice(typ reflect.Type) bool {
	if typ.Kind() != reflect.Slice {
		return false
	}
	k := typ.Elem().Kind()
	return k == reflect.Ptr || k == reflect.Interface
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return isNilValue(rv)
}

func isNilValue(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// convert turns value into a reflect.Value assignable to typ.
func convert(value any, typ reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(typ), nil
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(typ) {
		return rv, nil
	}

	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Zero(typ), nil
		}
		if rv.Elem().Type().AssignableTo(typ) {
			return rv.Elem(), nil
		}
	}

	if typ.Kind() == reflect.Ptr {
		inner, err := convert(value, typ.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(typ.Elem())
		ptr.Elem().Set(inner)
		return ptr, nil
	}

	if compatibleKinds(rv.Type(), typ) && rv.Type().ConvertibleTo(typ) {
		if overflows(rv, typ) {
			return reflect.Value{}, errNotAssignable
		}
		return rv.Convert(typ), nil
	}

	if typ.Kind() == reflect.Slice && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		out := reflect.MakeSlice(typ, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			el, err := convert(rv.Index(i).Interface(), typ.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out = reflect.Append(out, el)
		}
		return out, nil
	}

	return reflect.Value{}, errNotAssignable
}

// overflows reports whether converting the number in rv to typ would
// wrap, truncate or lose its sign.
func overflows(rv reflect.Value, typ reflect.Type) bool {
	from, to := rv.Kind(), typ.Kind()
	if !isNumeric(from) || !isNumeric(to) {
		return false
	}
	target := reflect.Zero(typ)

	switch {
	case isInt(to):
		switch {
		case isInt(from):
			return target.OverflowInt(rv.Int())
		case isUint(from):
			return rv.Uint() > math.MaxInt64 || target.OverflowInt(int64(rv.Uint()))
		default:
			f := rv.Float()
			return f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 || target.OverflowInt(int64(f))
		}
	case isUint(to):
		switch {
		case isInt(from):
			return rv.Int() < 0 || target.OverflowUint(uint64(rv.Int()))
		case isUint(from):
			return target.OverflowUint(rv.Uint())
		default:
			f := rv.Float()
			return f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 || target.OverflowUint(uint64(f))
		}
	default:
		if from == reflect.Float32 || from == reflect.Float64 {
			return target.OverflowFloat(rv.Float())
		}
	}
	return false
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func compatibleKinds(from, to reflect.Type) bool {
	switch {
	case isNumeric(from.Kind()) && isNumeric(to.Kind()):
		return true
	case from.Kind() == reflect.String && to.Kind() == reflect.String:
		return true
	case from.Kind() == reflect.Bool && to.Kind() == reflect.Bool:
		return true
	case from.Kind() == to.Kind() && from.Kind() != reflect.Struct:
		return true
	}
	return false
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
