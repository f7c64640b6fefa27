package accessor

import (
	"reflect"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// MutableCollection is implemented by containers whose identity must survive
// assignment. Writes against a field holding one reconcile membership instead
// of replacing the container.
type MutableCollection interface {
	Elements() []any
	ContainsElement(v any) bool
	AddElement(v any)
	RemoveElement(v any)
}

// CollectionCopier is implemented by containers that know how to produce a
// detached copy of themselves.
type CollectionCopier interface {
	CopyCollection() any
}

// Accessor reads and writes struct fields by logical key or dotted path.
// Descriptors are built lazily, once per type, and shared between goroutines.
type Accessor struct {
	descriptors *xsync.MapOf[reflect.Type, *Descriptor]
}

// New creates an Accessor with an empty descriptor cache.
func New() *Accessor {
	return &Accessor{
		descriptors: xsync.NewMapOf[reflect.Type, *Descriptor](),
	}
}

// Describe returns the descriptor for a struct type (or pointer to one).
func (a *Accessor) Describe(typ reflect.Type) *Descriptor {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	d, _ := a.descriptors.LoadOrCompute(typ, func() *Descriptor {
		return buildDescriptor(typ)
	})
	return d
}

// Get reads the value at path. Intermediate nil values yield a nil result.
func (a *Accessor) Get(entity any, path string) (any, error) {
	v, err := a.value(entity, path, false)
	if err != nil || !v.IsValid() {
		return nil, err
	}
	return v.Interface(), nil
}

// Set writes value at path. Intermediate nil pointers are allocated, fields
// holding collections are reconciled in place.
func (a *Accessor) Set(entity any, path string, value any) error {
	parts := strings.Split(path, ".")
	target, err := a.traverse(reflect.ValueOf(entity), parts[:len(parts)-1], true)
	if err != nil {
		return err
	}
	if !target.IsValid() {
		return unknownField(reflect.TypeOf(entity), path)
	}
	return a.setField(target, parts[len(parts)-1], value)
}

// Append adds elements to the collection held at path when they are absent.
func (a *Accessor) Append(entity any, path string, elements ...any) error {
	current, err := a.Get(entity, path)
	if err != nil {
		return err
	}
	if c, ok := current.(MutableCollection); ok && !isNil(c) {
		for _, el := range elements {
			if !c.ContainsElement(el) {
				c.AddElement(el)
			}
		}
		return nil
	}

	merged := Elements(current)
	for _, el := range elements {
		if !containsIdentity(merged, el) {
			merged = append(merged, el)
		}
	}
	return a.Set(entity, path, merged)
}

// Discard removes elements from the collection held at path.
func (a *Accessor) Discard(entity any, path string, elements ...any) error {
	current, err := a.Get(entity, path)
	if err != nil {
		return err
	}
	if c, ok := current.(MutableCollection); ok && !isNil(c) {
		for _, el := range elements {
			c.RemoveElement(el)
		}
		return nil
	}

	kept := make([]any, 0)
	for _, el := range Elements(current) {
		if !containsIdentity(elements, el) {
			kept = append(kept, el)
		}
	}
	return a.Set(entity, path, kept)
}

func (a *Accessor) value(entity any, path string, allocate bool) (reflect.Value, error) {
	parts := strings.Split(path, ".")
	target, err := a.traverse(reflect.ValueOf(entity), parts[:len(parts)-1], allocate)
	if err != nil || !target.IsValid() {
		return reflect.Value{}, err
	}

	name := parts[len(parts)-1]
	if target.Kind() == reflect.Map {
		v := target.MapIndex(reflect.ValueOf(name))
		if !v.IsValid() {
			return reflect.Value{}, nil
		}
		return v, nil
	}

	p, ok := a.Describe(target.Type()).Property(name)
	if !ok {
		return reflect.Value{}, unknownField(target.Type(), name)
	}
	return p.field(target), nil
}

// traverse walks segments and returns the struct (or map) value holding the
// final segment. A nil pointer along the way stops the walk with an invalid
// value unless allocate is set.
func (a *Accessor) traverse(v reflect.Value, segments []string, allocate bool) (reflect.Value, error) {
	v = indirect(v)
	for _, seg := range segments {
		if !v.IsValid() {
			return reflect.Value{}, nil
		}
		switch v.Kind() {
		case reflect.Map:
			next := v.MapIndex(reflect.ValueOf(seg))
			if !next.IsValid() {
				return reflect.Value{}, nil
			}
			v = indirect(next)
			continue
		case reflect.Struct:
		default:
			return reflect.Value{}, unknownField(v.Type(), seg)
		}

		p, ok := a.Describe(v.Type()).Property(seg)
		if !ok {
			return reflect.Value{}, unknownField(v.Type(), seg)
		}
		f := p.field(v)
		for f.Kind() == reflect.Ptr || f.Kind() == reflect.Interface {
			if f.IsNil() {
				if !allocate || f.Kind() == reflect.Interface {
					return reflect.Value{}, nil
				}
				f.Set(reflect.New(f.Type().Elem()))
			}
			f = f.Elem()
		}
		v = f
	}
	return v, nil
}

func (a *Accessor) setField(strct reflect.Value, name string, value any) error {
	if strct.Kind() == reflect.Map {
		if strct.IsNil() || strct.Type().Key().Kind() != reflect.String {
			return unknownField(strct.Type(), name)
		}
		conv, err := convert(value, strct.Type().Elem())
		if err != nil {
			return invalidValue(strct.Type(), name, value)
		}
		strct.SetMapIndex(reflect.ValueOf(name).Convert(strct.Type().Key()), conv)
		return nil
	}

	p, ok := a.Describe(strct.Type()).Property(name)
	if !ok {
		return unknownField(strct.Type(), name)
	}
	if !strct.CanAddr() {
		return invalidValue(strct.Type(), name, value)
	}

	field := p.field(strct)

	if field.CanInterface() && !isNilValue(field) {
		if c, ok := field.Interface().(MutableCollection); ok {
			if _, replacing := value.(MutableCollection); !replacing || !isNil(value) {
				reconcileCollection(c, Elements(value))
				return nil
			}
		}
	}

	if isEntitySlice(p.Type) && value != nil {
		next, err := reconcileSlice(field, Elements(value))
		if err != nil {
			return invalidValue(strct.Type(), name, value)
		}
		p.assign(strct.Addr(), next)
		return nil
	}

	conv, err := convert(value, p.Type)
	if err != nil {
		return invalidValue(strct.Type(), name, value)
	}
	p.assign(strct.Addr(), conv)
	return nil
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}
