package metadata

import (
	"fmt"
	"reflect"
)

// Protector is implemented by entities that declare which fields mass
// assignment must not touch. "*" protects every field.
type Protector interface {
	ProtectedFields() []string
}

// Field is a mapped scalar column.
type Field struct {
	Name       string
	Key        string
	Column     string
	Index      []int
	Type       reflect.Type
	TypeName   string
	Identifier bool
	Protected  bool

	pk bool
}

// Embedded is a value object stored inline with a column prefix.
type Embedded struct {
	Name   string
	Key    string
	Prefix string
	Index  []int
	Type   reflect.Type
	Fields []*Field

	byKey map[string]*Field
}

// Field looks up a field of the embedded value by key or Go name.
func (e *Embedded) Field(key string) (*Field, bool) {
	f, ok := e.byKey[key]
	return f, ok
}

// JoinColumn pairs a column of the declaring table with a column of the
// target table.
type JoinColumn struct {
	Base string
	Join string
}

// Association maps a relation field onto its target entity.
type Association struct {
	Source      reflect.Type
	Target      reflect.Type
	Field       string
	Key         string
	Index       []int
	Type        reflect.Type
	Relation    Relation
	Kind        Kind
	Side        Side
	Reciprocal  string
	JoinColumns []JoinColumn
	JoinTable   string
}

// Variant resolves the association shape, failing on kinds outside the
// closed set.
func (a *Association) Variant() (Variant, error) {
	switch {
	case a.Kind == OneToOne || a.Kind == ManyToOne:
		if a.Side == Owning {
			return ToOneOwning, nil
		}
		return ToOneInverse, nil
	case a.Kind == OneToMany || a.Kind == ManyToMany:
		if a.Side == Owning {
			return ToManyOwning, nil
		}
		return ToManyInverse, nil
	}
	return 0, UnknownMappingKind(a)
}

// IsToMany reports whether the field holds a collection.
func (a *Association) IsToMany() bool {
	return a.Kind == OneToMany || a.Kind == ManyToMany
}

func (a *Association) String() string {
	return fmt.Sprintf("%s.%s (%s, %s)", a.Source.Name(), a.Field, a.Kind, a.Side)
}

// ClassMetadata is the immutable description of one entity type.
type ClassMetadata struct {
	Type         reflect.Type
	Name         string
	Table        string
	Resource     string
	Fields       []*Field
	Embedded     []*Embedded
	Associations []*Association
	Identifiers  []string
	Columns      map[string][]int

	protected    []string
	declaresRule bool

	fields       map[string]*Field
	embedded     map[string]*Embedded
	associations map[string]*Association
}

// Field looks up a scalar field by key or Go name.
func (m *ClassMetadata) Field(key string) (*Field, bool) {
	f, ok := m.fields[key]
	return f, ok
}

// EmbeddedField looks up an embedded value object by key or Go name.
func (m *ClassMetadata) EmbeddedField(key string) (*Embedded, bool) {
	e, ok := m.embedded[key]
	return e, ok
}

// Association looks up an association by key or Go name.
func (m *ClassMetadata) Association(key string) (*Association, bool) {
	a, ok := m.associations[key]
	return a, ok
}

// HasAssociation reports whether key names an association.
func (m *ClassMetadata) HasAssociation(key string) bool {
	_, ok := m.associations[key]
	return ok
}

// IdentifierFields returns the primary key fields in declaration order.
func (m *ClassMetadata) IdentifierFields() []*Field {
	out := make([]*Field, 0, len(m.Identifiers))
	for _, name := range m.Identifiers {
		out = append(out, m.fields[name])
	}
	return out
}

// IdentifierValues returns the primary key values of entity keyed by
// logical field key.
func (m *ClassMetadata) IdentifierValues(entity any) map[string]any {
	rv := structValue(entity)
	out := make(map[string]any, len(m.Identifiers))
	if !rv.IsValid() {
		return out
	}
	for _, f := range m.IdentifierFields() {
		out[f.Key] = rv.FieldByIndex(f.Index).Interface()
	}
	return out
}

// HasIdentity reports whether every identifier of entity is non-zero.
func (m *ClassMetadata) HasIdentity(entity any) bool {
	rv := structValue(entity)
	if !rv.IsValid() || len(m.Identifiers) == 0 {
		return false
	}
	for _, f := range m.IdentifierFields() {
		if rv.FieldByIndex(f.Index).IsZero() {
			return false
		}
	}
	return true
}

// ColumnValue reads the value stored in column on entity.
func (m *ClassMetadata) ColumnValue(entity any, column string) (any, bool) {
	index, ok := m.Columns[column]
	rv := structValue(entity)
	if !ok || !rv.IsValid() {
		return nil, false
	}
	return rv.FieldByIndex(index).Interface(), true
}

// SetColumnValue writes value into column on entity, converting numeric
// kinds when needed.
func (m *ClassMetadata) SetColumnValue(entity any, column string, value any) bool {
	index, ok := m.Columns[column]
	rv := structValue(entity)
	if !ok || !rv.IsValid() || !rv.CanAddr() {
		return false
	}
	f := rv.FieldByIndex(index)
	if value == nil {
		f.Set(reflect.Zero(f.Type()))
		return true
	}
	v := reflect.ValueOf(value)
	switch {
	case v.Type().AssignableTo(f.Type()):
		f.Set(v)
	case v.Type().ConvertibleTo(f.Type()):
		f.Set(v.Convert(f.Type()))
	default:
		return false
	}
	return true
}

// Protection returns the protected keys and whether the entity declared any
// protection at all.
func (m *ClassMetadata) Protection() ([]string, bool) {
	return append([]string(nil), m.protected...), m.declaresRule
}

// New allocates a zero entity of this type.
func (m *ClassMetadata) New() any {
	return reflect.New(m.Type).Interface()
}

// TypeOf returns the struct type behind an entity, model pointer or type.
func TypeOf(v any) reflect.Type {
	var typ reflect.Type
	switch t := v.(type) {
	case nil:
		return nil
	case reflect.Type:
		typ = t
	default:
		typ = reflect.TypeOf(v)
	}
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	return typ
}

func structValue(entity any) reflect.Value {
	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}
	}
	return rv
}
