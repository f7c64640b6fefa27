package accessor

import (
	"reflect"
	"unsafe"

	"github.com/goliatone/go-repository-graph/internal/naming"
)

// Property describes a single struct field reachable by key.
type Property struct {
	Key    string
	Name   string
	Index  []int
	Type   reflect.Type
	setter *reflect.Method
}

// HasSetter reports whether writes go through a SetXxx method.
func (p *Property) HasSetter() bool {
	return p.setter != nil
}

// Descriptor is the per-type table of properties. It is built once and never
// mutated afterwards.
type Descriptor struct {
	Type       reflect.Type
	properties []*Property
	byKey      map[string]*Property
}

// Property looks a property up by logical key or Go field name.
func (d *Descriptor) Property(key string) (*Property, bool) {
	p, ok := d.byKey[key]
	return p, ok
}

// Properties returns the properties in declaration order.
func (d *Descriptor) Properties() []*Property {
	return append([]*Property(nil), d.properties...)
}

func buildDescriptor(typ reflect.Type) *Descriptor {
	d := &Descriptor{
		Type:  typ,
		byKey: make(map[string]*Property),
	}
	ptrType := reflect.PointerTo(typ)
	collectProperties(d, ptrType, typ, nil)
	return d
}

func collectProperties(d *Descriptor, ptrType, typ reflect.Type, parent []int) {
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		index := append(append([]int(nil), parent...), i)

		if sf.Anonymous {
			if isBaseModel(sf) {
				continue
			}
			ft := sf.Type
			if ft.Kind() == reflect.Struct {
				collectProperties(d, ptrType, ft, index)
				continue
			}
		}

		p := &Property{
			Key:   naming.FieldKey(sf),
			Name:  sf.Name,
			Index: index,
			Type:  sf.Type,
		}
		if m, ok := ptrType.MethodByName("Set" + naming.UpperFirst(sf.Name)); ok && m.Type.NumIn() == 2 {
			p.setter = &m
		}

		d.properties = append(d.properties, p)
		if _, taken := d.byKey[p.Key]; !taken {
			d.byKey[p.Key] = p
		}
		if _, taken := d.byKey[p.Name]; !taken {
			d.byKey[p.Name] = p
		}
	}
}

func isBaseModel(sf reflect.StructField) bool {
	if sf.Name != "BaseModel" {
		return false
	}
	pkg := sf.Type.PkgPath()
	return pkg == "github.com/uptrace/bun" || pkg == "github.com/uptrace/bun/schema"
}

// field returns the settable field value, reaching into unexported fields.
func (p *Property) field(strct reflect.Value) reflect.Value {
	f := strct.FieldByIndex(p.Index)
	if !f.CanSet() && f.CanAddr() {
		f = reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem()
	}
	return f
}

// assign writes v into the field, preferring a setter method when available.
func (p *Property) assign(ptr reflect.Value, v reflect.Value) {
	if p.setter != nil {
		arg := p.setter.Type.In(1)
		if v.Type().AssignableTo(arg) {
			ptr.Method(p.setter.Index).Call([]reflect.Value{v})
			return
		}
	}
	p.field(ptr.Elem()).Set(v)
}
