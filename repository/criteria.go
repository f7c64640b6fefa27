package repository

import (
	"reflect"
	"sort"
	"strings"

	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/collection"
	"github.com/goliatone/go-repository-graph/internal/naming"
	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// Like matches a column against a SQL pattern. On Postgres the match is
// case-insensitive.
type Like string

// CriteriaFilter applies a named criteria key to the query.
type CriteriaFilter func(q *bun.SelectQuery, value any) *bun.SelectQuery

// Order is one sort key: a property path and a direction (asc or desc).
type Order = collection.OrderBy

// Asc orders by property ascending.
func Asc(property string) Order {
	return Order{Property: property, Direction: "asc"}
}

// Desc orders by property descending.
func Desc(property string) Order {
	return Order{Property: property, Direction: "desc"}
}

// column is a resolved criteria path: a column on the root table or on a
// joined to-one relation.
type column struct {
	alias string
	name  string
}

func (c column) expr() (string, []any) {
	if c.alias == "" {
		return "?TableAlias.?", []any{bun.Ident(c.name)}
	}
	return "?.?", []any{bun.Ident(c.alias), bun.Ident(c.name)}
}

// criteriaQuery translates criteria maps and ordering into bun clauses.
type criteriaQuery struct {
	meta     *metadata.ClassMetadata
	registry *metadata.Registry
	filters  map[string]CriteriaFilter
	dialect  dialect.Name
	q        *bun.SelectQuery
	joined   map[string]bool
}

func (c *criteriaQuery) where(criteria map[string]any) error {
	flat := make(map[string]any, len(criteria))
	for _, key := range sortedKeys(criteria) {
		value := criteria[key]
		if fn, ok := c.filters[key]; ok {
			if !blank(value) {
				c.q = fn(c.q, value)
			}
			continue
		}
		flatten(key, value, flat)
	}

	for _, path := range sortedKeys(flat) {
		if err := c.match(path, flat[path]); err != nil {
			return err
		}
	}
	return nil
}

func (c *criteriaQuery) match(path string, value any) error {
	cols, target, err := c.resolve(path)
	if err != nil {
		return err
	}

	if target == nil {
		c.q = compare(c.q, cols[0], normalize(value), c.insensitive())
		return nil
	}

	// association criteria compare the join columns with the target's keys
	if mc, ok := value.(accessor.MutableCollection); ok {
		value = mc.Elements()
	}
	if isNil(value) {
		for _, col := range cols {
			c.q = compare(c.q, col, nil, false)
		}
		return nil
	}

	if list, ok := listOf(value); ok {
		if len(cols) != 1 {
			return unsupportedCriteria(c.meta.Type, path, "lists need a single join column")
		}
		ids := make([]any, 0, len(list))
		for _, item := range list {
			ids = append(ids, c.keyValue(target, item, 0))
		}
		c.q = compare(c.q, cols[0], ids, false)
		return nil
	}

	for i, col := range cols {
		c.q = compare(c.q, col, c.keyValue(target, value, i), false)
	}
	return nil
}

// keyValue reads the i-th join key off an entity, or passes a raw key through.
func (c *criteriaQuery) keyValue(a *metadata.Association, value any, i int) any {
	if reflect.TypeOf(value) == reflect.PointerTo(a.Target) {
		targetMeta, err := c.registry.Metadata(a.Target)
		if err != nil {
			return value
		}
		v, _ := targetMeta.ColumnValue(value, a.JoinColumns[i].Join)
		return v
	}
	if m, ok := value.(map[string]any); ok {
		return m[a.JoinColumns[i].Join]
	}
	return value
}

// resolve maps a dotted path onto columns, joining to-one relations on the
// way. A belongs-to association as the last segment resolves to its join
// columns and is returned so values can be turned into keys.
func (c *criteriaQuery) resolve(path string) ([]column, *metadata.Association, error) {
	segments := strings.Split(path, ".")
	meta := c.meta
	var relation, alias []string

	for i, seg := range segments[:len(segments)-1] {
		if a, ok := meta.Association(seg); ok {
			if a.IsToMany() {
				return nil, nil, unsupportedCriteria(c.meta.Type, path, "to-many associations cannot be joined")
			}
			target, err := c.registry.Metadata(a.Target)
			if err != nil {
				return nil, nil, err
			}
			relation = append(relation, a.Field)
			alias = append(alias, naming.Snake(a.Field))
			c.join(strings.Join(relation, "."))
			meta = target
			continue
		}
		if e, ok := meta.EmbeddedField(seg); ok && i == len(segments)-2 {
			f, ok := e.Field(segments[i+1])
			if !ok {
				return nil, nil, unknownCriteria(c.meta.Type, path)
			}
			return []column{{alias: strings.Join(alias, "__"), name: e.Prefix + f.Column}}, nil, nil
		}
		return nil, nil, unknownCriteria(c.meta.Type, path)
	}

	last := segments[len(segments)-1]
	prefix := strings.Join(alias, "__")
	if f, ok := meta.Field(last); ok {
		return []column{{alias: prefix, name: f.Column}}, nil, nil
	}
	if a, ok := meta.Association(last); ok {
		if a.Relation != metadata.RelBelongsTo || len(a.JoinColumns) == 0 {
			return nil, nil, unsupportedCriteria(c.meta.Type, path, "only owning to-one associations can be matched")
		}
		cols := make([]column, len(a.JoinColumns))
		for i, jc := range a.JoinColumns {
			cols[i] = column{alias: prefix, name: jc.Base}
		}
		return cols, a, nil
	}
	if _, ok := meta.Columns[last]; ok {
		return []column{{alias: prefix, name: last}}, nil, nil
	}
	return nil, nil, unknownCriteria(c.meta.Type, path)
}

func (c *criteriaQuery) join(relation string) {
	if c.joined[relation] {
		return
	}
	c.joined[relation] = true
	c.q = c.q.Relation(relation)
}

func (c *criteriaQuery) order(keys []Order) error {
	for _, k := range keys {
		dir := strings.ToLower(k.Direction)
		if dir != "asc" && dir != "desc" {
			return invalidOrder(k.Direction)
		}
		cols, _, err := c.resolve(k.Property)
		if err != nil {
			return err
		}
		for _, col := range cols {
			expr, args := col.expr()
			c.q = c.q.OrderExpr(expr+" "+strings.ToUpper(dir), args...)
		}
	}
	return nil
}

func (c *criteriaQuery) insensitive() bool {
	return c.dialect == dialect.PG
}

func compare(q *bun.SelectQuery, col column, value any, insensitive bool) *bun.SelectQuery {
	expr, args := col.expr()
	switch v := value.(type) {
	case nil:
		return q.Where(expr+" IS NULL", args...)
	case Like:
		op := " LIKE ?"
		if insensitive {
			op = " ILIKE ?"
		}
		return q.Where(expr+op, append(args, string(v))...)
	}
	if list, ok := listOf(value); ok {
		if len(list) == 0 {
			return q.Where("1 = 0")
		}
		return q.Where(expr+" IN (?)", append(args, bun.In(list))...)
	}
	return q.Where(expr+" = ?", append(args, value)...)
}

// mergeOrder appends defaults for properties the caller did not order by.
func mergeOrder(caller, defaults []Order) []Order {
	out := append([]Order(nil), caller...)
	for _, d := range defaults {
		seen := false
		for _, o := range caller {
			if o.Property == d.Property {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, d)
		}
	}
	return out
}

// flatten expands nested maps into dotted paths.
func flatten(key string, value any, out map[string]any) {
	nested, ok := value.(map[string]any)
	if !ok || len(nested) == 0 {
		out[key] = value
		return
	}
	for k, v := range nested {
		flatten(key+"."+k, v, out)
	}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

func normalize(value any) any {
	if isNil(value) {
		return nil
	}
	if mc, ok := value.(accessor.MutableCollection); ok {
		return mc.Elements()
	}
	return value
}

func listOf(value any) ([]any, bool) {
	if list, ok := value.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() || rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// blank reports values a named filter should not see: empty strings, nil
// and lists holding only empty members.
func blank(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return s == ""
	}
	if list, ok := listOf(value); ok {
		for _, item := range list {
			if !accessor.IsEmpty(item) {
				return false
			}
		}
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
