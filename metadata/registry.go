package metadata

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-graph/internal/naming"
	"github.com/google/uuid"
	"github.com/uptrace/bun/schema"
)

// TableSource resolves bun table schemas. *bun.DB satisfies it.
type TableSource interface {
	Table(typ reflect.Type) *schema.Table
}

// Registry holds the metadata of every registered entity type.
type Registry struct {
	types   map[reflect.Type]*ClassMetadata
	ordered []*ClassMetadata
}

// NewRegistry builds metadata for models. Models may be given as nil
// pointers, values or reflect.Types.
func NewRegistry(tables TableSource, models ...any) (*Registry, error) {
	r := &Registry{
		types: make(map[reflect.Type]*ClassMetadata, len(models)),
	}

	for _, model := range models {
		typ := TypeOf(model)
		if typ == nil || typ.Kind() != reflect.Struct {
			return nil, goerrors.New(
				fmt.Sprintf("cannot register model %v: not a struct", model),
				goerrors.CategoryBadInput,
			)
		}
		if _, seen := r.types[typ]; seen {
			continue
		}

		var table *schema.Table
		if tables != nil {
			table = tables.Table(typ)
		}

		meta := build(typ, table)
		r.types[typ] = meta
		r.ordered = append(r.ordered, meta)
	}

	r.resolveReciprocals()

	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].Name < r.ordered[j].Name
	})
	return r, nil
}

// Metadata returns the metadata for typ (a struct type or pointer to one).
func (r *Registry) Metadata(typ reflect.Type) (*ClassMetadata, error) {
	if typ == nil {
		return nil, unknownEntity(nil)
	}
	typ = TypeOf(typ)
	if meta, ok := r.types[typ]; ok {
		return meta, nil
	}
	return nil, unknownEntity(typ)
}

// MetadataFor returns the metadata for the type of entity.
func (r *Registry) MetadataFor(entity any) (*ClassMetadata, error) {
	if entity == nil {
		return nil, unknownEntity(nil)
	}
	return r.Metadata(reflect.TypeOf(entity))
}

// Has reports whether typ was registered.
func (r *Registry) Has(typ reflect.Type) bool {
	if typ == nil {
		return false
	}
	_, ok := r.types[TypeOf(typ)]
	return ok
}

// All returns every registered entity sorted by name.
func (r *Registry) All() []*ClassMetadata {
	return append([]*ClassMetadata(nil), r.ordered...)
}

// Types returns the registered struct types sorted by name.
func (r *Registry) Types() []reflect.Type {
	out := make([]reflect.Type, 0, len(r.ordered))
	for _, meta := range r.ordered {
		out = append(out, meta.Type)
	}
	return out
}

// AssociationsTargeting returns every association, on any registered
// entity, whose target is typ.
func (r *Registry) AssociationsTargeting(typ reflect.Type) []*Association {
	typ = TypeOf(typ)
	var out []*Association
	for _, meta := range r.ordered {
		for _, a := range meta.Associations {
			if a.Target == typ {
				out = append(out, a)
			}
		}
	}
	return out
}

func (r *Registry) resolveReciprocals() {
	for _, meta := range r.ordered {
		for _, a := range meta.Associations {
			target, ok := r.types[a.Target]
			if !ok {
				continue
			}
			for _, b := range target.Associations {
				if b == a || b.Target != a.Source || !reciprocates(a, b) {
					continue
				}
				a.Reciprocal = b.Field
				switch {
				case a.Relation == RelBelongsTo && b.Relation == RelHasOne:
					a.Kind = OneToOne
				case a.Relation == RelBelongsTo && b.Relation == RelHasMany:
					a.Kind = ManyToOne
				case a.Relation == RelManyToMany:
					a.Side = Owning
					if b.Source.Name() < a.Source.Name() || (b.Source == a.Source && b.Field < a.Field) {
						a.Side = Inverse
					}
				}
				break
			}
		}
	}
}

func reciprocates(a, b *Association) bool {
	switch a.Relation {
	case RelBelongsTo:
		if b.Relation != RelHasOne && b.Relation != RelHasMany {
			return false
		}
	case RelHasOne, RelHasMany:
		if b.Relation != RelBelongsTo {
			return false
		}
	case RelManyToMany:
		return b.Relation == RelManyToMany && a.JoinTable != "" && a.JoinTable == b.JoinTable
	default:
		return false
	}
	return mirrored(a.JoinColumns, b.JoinColumns)
}

func mirrored(a, b []JoinColumn) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for _, ja := range a {
		found := false
		for _, jb := range b {
			if jb.Base == ja.Join && jb.Join == ja.Base {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func build(typ reflect.Type, table *schema.Table) *ClassMetadata {
	meta := &ClassMetadata{
		Type:         typ,
		Name:         typ.Name(),
		Resource:     naming.Resource(typ),
		Columns:      make(map[string][]int),
		fields:       make(map[string]*Field),
		embedded:     make(map[string]*Embedded),
		associations: make(map[string]*Association),
	}
	meta.Table = meta.Resource
	if table != nil && table.Name != "" {
		meta.Table = table.Name
	}

	collect(meta, typ, table, nil)

	pks := map[string]bool{}
	if table != nil {
		for _, pk := range table.PKs {
			pks[pk.GoName] = true
		}
	}
	for _, f := range meta.Fields {
		if pks[f.Name] || (table == nil && f.pk) {
			f.Identifier = true
			meta.Identifiers = append(meta.Identifiers, f.Name)
		}
		if f.Protected {
			meta.protected = append(meta.protected, f.Key)
		}
	}

	if p, ok := reflect.New(typ).Interface().(Protector); ok {
		meta.declaresRule = true
		for _, key := range p.ProtectedFields() {
			if !contains(meta.protected, key) {
				meta.protected = append(meta.protected, key)
			}
		}
	}
	if len(meta.protected) > 0 {
		meta.declaresRule = true
	}

	return meta
}

func collect(meta *ClassMetadata, typ reflect.Type, table *schema.Table, parent []int) {
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		index := append(append([]int(nil), parent...), i)

		if sf.Anonymous {
			if sf.Name == "BaseModel" {
				continue
			}
			if sf.Type.Kind() == reflect.Struct && sf.Tag.Get("bun") == "" {
				collect(meta, sf.Type, table, index)
				continue
			}
		}
		if sf.PkgPath != "" {
			continue
		}

		tag := parseTag(sf.Tag.Get("bun"))
		if tag.name == "-" {
			// fields bun cannot map, such as collections, may still declare
			// a relation through the graph tag
			if g := parseTag(sf.Tag.Get("graph")); g.has("rel") {
				a := association(meta.Type, sf, index, g, nil)
				meta.Associations = append(meta.Associations, a)
				register(meta.associations, a.Key, a.Field, a)
			}
			continue
		}

		switch {
		case tag.has("rel") || tag.has("m2m"):
			a := association(meta.Type, sf, index, tag, table)
			meta.Associations = append(meta.Associations, a)
			register(meta.associations, a.Key, a.Field, a)

		case tag.has("embed"):
			e := embedded(sf, index, tag.option("embed"))
			meta.Embedded = append(meta.Embedded, e)
			register(meta.embedded, e.Key, e.Name, e)
			for _, f := range e.Fields {
				meta.Columns[e.Prefix+f.Column] = append(append([]int(nil), index...), f.Index...)
			}

		default:
			f := scalar(sf, index)
			meta.Fields = append(meta.Fields, f)
			register(meta.fields, f.Key, f.Name, f)
			meta.Columns[f.Column] = f.Index
		}
	}
}

func scalar(sf reflect.StructField, index []int) *Field {
	tag := parseTag(sf.Tag.Get("bun"))
	return &Field{
		pk:        tag.flags["pk"],
		Name:      sf.Name,
		Key:       naming.FieldKey(sf),
		Column:    naming.Column(sf),
		Index:     index,
		Type:      sf.Type,
		TypeName:  typeName(sf),
		Protected: graphFlag(sf, "protected"),
	}
}

func embedded(sf reflect.StructField, index []int, prefix string) *Embedded {
	typ := sf.Type
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	e := &Embedded{
		Name:   sf.Name,
		Key:    naming.FieldKey(sf),
		Prefix: prefix,
		Index:  index,
		Type:   typ,
		byKey:  make(map[string]*Field),
	}
	for i := 0; i < typ.NumField(); i++ {
		inner := typ.Field(i)
		if inner.PkgPath != "" || parseTag(inner.Tag.Get("bun")).name == "-" {
			continue
		}
		f := scalar(inner, []int{i})
		e.Fields = append(e.Fields, f)
		register(e.byKey, f.Key, f.Name, f)
	}
	return e
}

func association(source reflect.Type, sf reflect.StructField, index []int, tag bunTag, table *schema.Table) *Association {
	a := &Association{
		Source: source,
		Target: TypeOf(elemType(sf.Type)),
		Field:  sf.Name,
		Key:    naming.FieldKey(sf),
		Index:  index,
		Type:   sf.Type,
	}

	a.Relation = Relation(tag.option("rel"))
	if tag.has("m2m") {
		a.Relation = RelManyToMany
		a.JoinTable = tag.option("m2m")
	}
	if table != nil {
		if rel, ok := table.Relations[sf.Name]; ok {
			a.Relation = relationOf(rel.Type, a.Relation)
			if rel.JoinTable != nil {
				a.Target = rel.JoinTable.Type
			}
		}
	}

	for _, join := range tag.options("join") {
		base, target, ok := strings.Cut(join, "=")
		if ok {
			a.JoinColumns = append(a.JoinColumns, JoinColumn{Base: base, Join: target})
		}
	}

	switch a.Relation {
	case RelBelongsTo:
		a.Kind, a.Side = ManyToOne, Owning
		if graphFlag(sf, "one-to-one") {
			a.Kind = OneToOne
		}
		if len(a.JoinColumns) == 0 {
			a.JoinColumns = []JoinColumn{{Base: naming.Snake(sf.Name) + "_id", Join: "id"}}
		}
	case RelHasOne:
		a.Kind, a.Side = OneToOne, Inverse
		if len(a.JoinColumns) == 0 {
			a.JoinColumns = []JoinColumn{{Base: "id", Join: naming.Snake(source.Name()) + "_id"}}
		}
	case RelHasMany:
		a.Kind, a.Side = OneToMany, Inverse
		if len(a.JoinColumns) == 0 {
			a.JoinColumns = []JoinColumn{{Base: "id", Join: naming.Snake(source.Name()) + "_id"}}
		}
	case RelManyToMany:
		a.Kind, a.Side = ManyToMany, Owning
		a.JoinColumns = nil
	}
	return a
}

func relationOf(bunType int, fallback Relation) Relation {
	switch bunType {
	case schema.BelongsToRelation:
		return RelBelongsTo
	case schema.HasOneRelation:
		return RelHasOne
	case schema.HasManyRelation:
		return RelHasMany
	case schema.ManyToManyRelation:
		return RelManyToMany
	}
	return fallback
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	uuidType    = reflect.TypeOf(uuid.UUID{})
	rawJSONType = reflect.TypeOf(json.RawMessage{})
)

// typeName honours a graph:"type:<name>" override, so fields can opt into
// filters such as file.
func typeName(sf reflect.StructField) string {
	for _, v := range strings.Split(sf.Tag.Get("graph"), ",") {
		if name, ok := strings.CutPrefix(strings.TrimSpace(v), "type:"); ok && name != "" {
			return name
		}
	}
	return TypeName(sf.Type)
}

// TypeName returns the logical type name of a scalar Go type.
func TypeName(typ reflect.Type) string {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	switch typ {
	case timeType:
		return "datetime"
	case uuidType:
		return "uuid"
	case rawJSONType:
		return "json"
	}
	switch typ.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "unsigned"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		if typ.Elem().Kind() == reflect.Uint8 {
			return "bytes"
		}
	}
	return "json"
}

func elemType(typ reflect.Type) reflect.Type {
	for typ.Kind() == reflect.Ptr || typ.Kind() == reflect.Slice || typ.Kind() == reflect.Array {
		typ = typ.Elem()
	}
	// collections expose their members through Values() []T
	if m, ok := reflect.PointerTo(typ).MethodByName("Values"); ok && m.Type.NumIn() == 1 && m.Type.NumOut() == 1 && m.Type.Out(0).Kind() == reflect.Slice {
		return elemType(m.Type.Out(0))
	}
	return typ
}

func register[T any](m map[string]T, key, name string, v T) {
	if _, taken := m[key]; !taken {
		m[key] = v
	}
	if _, taken := m[name]; !taken {
		m[name] = v
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func graphFlag(sf reflect.StructField, flag string) bool {
	for _, v := range strings.Split(sf.Tag.Get("graph"), ",") {
		if strings.TrimSpace(v) == flag {
			return true
		}
	}
	return false
}

// bunTag is the parsed form of a bun struct tag: a column name followed by
// flags and key:value options. Options may repeat (join:a=b,join:c=d).
type bunTag struct {
	name    string
	flags   map[string]bool
	entries map[string][]string
}

func parseTag(s string) bunTag {
	t := bunTag{flags: map[string]bool{}, entries: map[string][]string{}}
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			if i == 0 {
				t.name = part
			} else {
				t.flags[part] = true
			}
			continue
		}
		t.entries[key] = append(t.entries[key], value)
	}
	return t
}

func (t bunTag) has(key string) bool {
	_, ok := t.entries[key]
	return ok
}

func (t bunTag) option(key string) string {
	if v := t.entries[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (t bunTag) options(key string) []string {
	return t.entries[key]
}
