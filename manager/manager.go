package manager

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sort"
	"strings"

	bunrepo "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/spf13/cast"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

type state int

const (
	stateNew state = iota + 1
	stateManaged
	stateRemoved
)

// entry is the unit of work record kept for every tracked entity.
type entry struct {
	entity   any
	meta     *metadata.ClassMetadata
	state    state
	snapshot map[string]any
	// belongs-to fields whose pointer was set when the snapshot was taken
	linked map[string]bool
}

// EntityManager is a unit of work with an identity map over a bun database.
// It is not safe for concurrent use; create one per request scope.
type EntityManager struct {
	db          *bun.DB
	registry    *metadata.Registry
	accessor    *accessor.Accessor
	logger      *zap.Logger
	subscribers []Subscriber

	entries  map[any]*entry
	order    []*entry
	identity map[reflect.Type]map[string]any
}

// Option configures an EntityManager.
type Option func(*EntityManager)

// WithLogger sets the logger used for debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(m *EntityManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAccessor shares a property accessor.
func WithAccessor(acc *accessor.Accessor) Option {
	return func(m *EntityManager) {
		if acc != nil {
			m.accessor = acc
		}
	}
}

// WithSubscribers registers lifecycle subscribers at construction.
func WithSubscribers(subs ...Subscriber) Option {
	return func(m *EntityManager) {
		m.subscribers = append(m.subscribers, subs...)
	}
}

// New creates an EntityManager over db for the entities in registry.
func New(db *bun.DB, registry *metadata.Registry, opts ...Option) *EntityManager {
	m := &EntityManager{
		db:       db,
		registry: registry,
		accessor: accessor.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reset()
	return m
}

func (m *EntityManager) reset() {
	m.entries = make(map[any]*entry)
	m.order = nil
	m.identity = make(map[reflect.Type]map[string]any)
}

// DB returns the underlying bun database.
func (m *EntityManager) DB() *bun.DB {
	return m.db
}

// Registry returns the metadata registry.
func (m *EntityManager) Registry() *metadata.Registry {
	return m.registry
}

// Metadata returns the metadata for typ.
func (m *EntityManager) Metadata(typ reflect.Type) (*metadata.ClassMetadata, error) {
	return m.registry.Metadata(typ)
}

// AllMetadata returns every registered entity's metadata.
func (m *EntityManager) AllMetadata() []*metadata.ClassMetadata {
	return m.registry.All()
}

// Subscribe adds a lifecycle subscriber.
func (m *EntityManager) Subscribe(sub Subscriber) {
	if sub != nil {
		m.subscribers = append(m.subscribers, sub)
	}
}

// Find loads the entity of type typ identified by id, keyed by logical
// field name. The identity map answers first. A missing row is (nil, nil).
func (m *EntityManager) Find(ctx context.Context, typ reflect.Type, id map[string]any) (any, error) {
	meta, err := m.registry.Metadata(typ)
	if err != nil {
		return nil, err
	}

	values, err := identifierValues(meta, id)
	if err != nil {
		return nil, err
	}
	key := identityKey(values)
	if tracked, ok := m.identity[meta.Type][key]; ok {
		if m.entries[tracked].state == stateRemoved {
			return nil, nil
		}
		return tracked, nil
	}

	entity := meta.New()
	q := m.db.NewSelect().Model(entity)
	for i, f := range meta.IdentifierFields() {
		q = q.Where("?TableAlias.? = ?", bun.Ident(f.Column), values[i])
	}
	if err := q.Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, m.WrapError(err, "find %s", meta.Name)
	}
	return m.Manage(entity)
}

// FindBy loads every entity of type typ matching criteria. Keys are logical
// field names or column names; nil matches NULL and slices match any member.
func (m *EntityManager) FindBy(ctx context.Context, typ reflect.Type, criteria map[string]any) ([]any, error) {
	meta, err := m.registry.Metadata(typ)
	if err != nil {
		return nil, err
	}

	rows := reflect.New(reflect.SliceOf(reflect.PointerTo(meta.Type)))
	q := m.db.NewSelect().Model(rows.Interface())

	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		column, ok := columnFor(meta, k)
		if !ok {
			return nil, badInput("%s has no column for %q", meta.Name, k)
		}
		q = whereColumn(q, column, criteria[k])
	}

	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, m.WrapError(err, "find %s by criteria", meta.Name)
	}

	list := rows.Elem()
	out := make([]any, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		managed, err := m.Manage(list.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, managed)
	}
	return out, nil
}

// FindByAssociation returns the entities of the association's source type
// whose association points at target: stored rows matched through the join
// columns plus tracked, unflushed entities holding target in memory.
// Join-table associations only consult memory.
func (m *EntityManager) FindByAssociation(ctx context.Context, a *metadata.Association, target any) ([]any, error) {
	if accessor.IsEmpty(target) {
		return nil, nil
	}

	var out []any
	if a.JoinTable == "" && len(a.JoinColumns) > 0 {
		targetMeta, err := m.registry.MetadataFor(target)
		if err != nil {
			return nil, err
		}

		criteria := make(map[string]any, len(a.JoinColumns))
		for _, jc := range a.JoinColumns {
			v, ok := targetMeta.ColumnValue(target, jc.Join)
			if !ok || accessor.IsEmpty(v) {
				criteria = nil
				break
			}
			criteria[jc.Base] = v
		}

		if criteria != nil {
			found, err := m.FindBy(ctx, a.Source, criteria)
			if err != nil {
				return nil, err
			}
			out = found
		}
	}

	for _, e := range m.order {
		if e.state == stateRemoved || e.meta.Type != a.Source || containsSame(out, e.entity) {
			continue
		}
		if pointsAt(e.entity, a, target) {
			out = append(out, e.entity)
		}
	}
	return out, nil
}

// Related loads what entity currently holds through a, matching the
// target's join columns against entity's keys. Results are managed; tracked
// entities scheduled for removal are left out. Join-table associations and
// entities without stored keys yield nothing.
func (m *EntityManager) Related(ctx context.Context, a *metadata.Association, entity any) ([]any, error) {
	if accessor.IsEmpty(entity) || a.JoinTable != "" || len(a.JoinColumns) == 0 {
		return nil, nil
	}
	meta, err := m.registry.MetadataFor(entity)
	if err != nil {
		return nil, err
	}

	criteria := make(map[string]any, len(a.JoinColumns))
	for _, jc := range a.JoinColumns {
		v, ok := meta.ColumnValue(entity, jc.Base)
		if !ok || accessor.IsEmpty(v) {
			return nil, nil
		}
		criteria[jc.Join] = v
	}

	found, err := m.FindBy(ctx, a.Target, criteria)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, related := range found {
		if m.Contains(related) {
			out = append(out, related)
		}
	}
	return out, nil
}

// Manage registers a loaded entity and returns the canonical instance: the
// one already tracked under the same identity, or entity itself.
func (m *EntityManager) Manage(entity any) (any, error) {
	if _, ok := m.entries[entity]; ok {
		return entity, nil
	}
	meta, err := m.registry.MetadataFor(entity)
	if err != nil {
		return nil, err
	}
	if key, ok := entityKey(meta, entity); ok {
		if existing, found := m.identity[meta.Type][key]; found {
			return existing, nil
		}
	}

	e := m.track(entity, meta, stateManaged)
	e.snapshot = snapshot(meta, entity)
	e.linked = linked(meta, entity)
	m.register(e)
	return entity, nil
}

// Contains reports whether entity is tracked and not scheduled for removal.
func (m *EntityManager) Contains(entity any) bool {
	e, ok := m.entries[entity]
	return ok && e.state != stateRemoved
}

// Detach stops tracking entity. Pending writes for it are dropped.
func (m *EntityManager) Detach(entity any) {
	e, ok := m.entries[entity]
	if !ok {
		return
	}
	m.forget(e)
}

// Clear detaches every tracked entity.
func (m *EntityManager) Clear() {
	m.reset()
}

func (m *EntityManager) track(entity any, meta *metadata.ClassMetadata, s state) *entry {
	e := &entry{entity: entity, meta: meta, state: s}
	m.entries[entity] = e
	m.order = append(m.order, e)
	return e
}

func (m *EntityManager) register(e *entry) {
	key, ok := entityKey(e.meta, e.entity)
	if !ok {
		return
	}
	byKey := m.identity[e.meta.Type]
	if byKey == nil {
		byKey = make(map[string]any)
		m.identity[e.meta.Type] = byKey
	}
	byKey[key] = e.entity
}

func (m *EntityManager) forget(e *entry) {
	delete(m.entries, e.entity)
	for i, o := range m.order {
		if o == e {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if byKey := m.identity[e.meta.Type]; byKey != nil {
		for k, v := range byKey {
			if v == e.entity {
				delete(byKey, k)
			}
		}
	}
}

func (m *EntityManager) lookup(meta *metadata.ClassMetadata, key string) (any, bool) {
	found, ok := m.identity[meta.Type][key]
	if !ok {
		return nil, false
	}
	if e := m.entries[found]; e != nil && e.state == stateRemoved {
		return nil, false
	}
	return found, true
}

// identifierValues orders id by the identifier fields, accepting logical
// keys, Go field names or column names.
func identifierValues(meta *metadata.ClassMetadata, id map[string]any) ([]any, error) {
	fields := meta.IdentifierFields()
	if len(fields) == 0 {
		return nil, badInput("%s has no identifier", meta.Name)
	}

	values := make([]any, len(fields))
	for i, f := range fields {
		v, ok := id[f.Key]
		if !ok {
			v, ok = id[f.Name]
		}
		if !ok {
			v, ok = id[f.Column]
		}
		if !ok || accessor.IsEmpty(v) {
			return nil, badInput("identifier %q missing for %s", f.Key, meta.Name)
		}
		values[i] = v
	}
	return values, nil
}

func entityKey(meta *metadata.ClassMetadata, entity any) (string, bool) {
	fields := meta.IdentifierFields()
	if len(fields) == 0 || !meta.HasIdentity(entity) {
		return "", false
	}
	values := make([]any, len(fields))
	for i, f := range fields {
		v, _ := meta.ColumnValue(entity, f.Column)
		values[i] = v
	}
	return identityKey(values), true
}

func identityKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = cast.ToString(v)
	}
	return strings.Join(parts, "\x1f")
}

func columnFor(meta *metadata.ClassMetadata, key string) (string, bool) {
	if f, ok := meta.Field(key); ok && f.Column != "" {
		return f.Column, true
	}
	if _, ok := meta.Columns[key]; ok {
		return key, true
	}
	return "", false
}

// whereColumn adds a column comparison against value to q. An empty list
// matches nothing.
func whereColumn(q *bun.SelectQuery, column string, value any) *bun.SelectQuery {
	switch {
	case value == nil:
		return bunrepo.SelectIsNull(column)(q)
	case isList(value):
		values := accessor.Elements(value)
		if len(values) == 0 {
			return q.Where("1 = 0")
		}
		return bunrepo.SelectColumnIn(column, values)(q)
	default:
		return q.Where("?TableAlias.? = ?", bun.Ident(column), value)
	}
}

func isList(value any) bool {
	rv := reflect.ValueOf(value)
	return rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8
}

func pointsAt(entity any, a *metadata.Association, target any) bool {
	rv := reflect.ValueOf(entity).Elem().FieldByIndex(a.Index)
	if a.IsToMany() {
		return containsSame(accessor.Elements(rv.Interface()), target)
	}
	return rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Interface() == target
}

func containsSame(list []any, v any) bool {
	for _, item := range list {
		if accessor.Same(item, v) {
			return true
		}
	}
	return false
}

func linked(meta *metadata.ClassMetadata, entity any) map[string]bool {
	rv := reflect.ValueOf(entity).Elem()
	out := make(map[string]bool)
	for _, a := range meta.Associations {
		if a.Relation != metadata.RelBelongsTo {
			continue
		}
		if field := rv.FieldByIndex(a.Index); field.Kind() == reflect.Ptr && !field.IsNil() {
			out[a.Field] = true
		}
	}
	return out
}

func snapshot(meta *metadata.ClassMetadata, entity any) map[string]any {
	out := make(map[string]any, len(meta.Columns))
	for column := range meta.Columns {
		if v, ok := meta.ColumnValue(entity, column); ok {
			out[column] = v
		}
	}
	return out
}
