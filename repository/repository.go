package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	bunrepo "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-repository-graph/collection"
	"github.com/goliatone/go-repository-graph/hydrator"
	"github.com/goliatone/go-repository-graph/manager"
	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/goliatone/go-repository-graph/replicator"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// EntityRepository is the entity-facing API of a Repository. Decorators
// such as the cached repository implement it too.
type EntityRepository[T any] interface {
	Resource() string
	Metadata() *metadata.ClassMetadata

	Create(ctx context.Context, data map[string]any, protect bool) (*T, error)
	Update(ctx context.Context, entity *T, data map[string]any, protect bool) error
	Replicate(ctx context.Context, entity *T, overrides map[string]any) (*T, error)

	Store(ctx context.Context, entity *T, flush bool) error
	Flush(ctx context.Context) error
	Remove(ctx context.Context, entity *T, flush bool) error
	Detach(entity *T)
	Clear()
	Attach(entities ...*T) ([]*T, error)

	Find(ctx context.Context, id any) (*T, error)
	FindAll(ctx context.Context, order ...Order) ([]*T, error)
	FindBy(ctx context.Context, criteria map[string]any, opts ...FindOption) ([]*T, error)
	FindOneBy(ctx context.Context, criteria map[string]any, order ...Order) (*T, error)
	Count(ctx context.Context, criteria map[string]any) (int, error)

	Query(ctx context.Context, build ...bunrepo.SelectCriteria) (*collection.Collection[*T], error)
	QueryCount(ctx context.Context, build ...bunrepo.SelectCriteria) (int, error)
}

// FindOptions shape a FindBy query.
type FindOptions struct {
	Order  []Order
	Limit  int
	Offset int
	// Total, when set, receives the row count ignoring Limit and Offset.
	Total *int
}

// FindOption configures FindOptions.
type FindOption func(*FindOptions)

// WithOrder sorts the results. Default ordering applies to properties not
// listed here.
func WithOrder(order ...Order) FindOption {
	return func(o *FindOptions) {
		o.Order = append(o.Order, order...)
	}
}

// WithLimit caps the number of rows.
func WithLimit(limit int) FindOption {
	return func(o *FindOptions) {
		o.Limit = limit
	}
}

// WithOffset skips rows.
func WithOffset(offset int) FindOption {
	return func(o *FindOptions) {
		o.Offset = offset
	}
}

// WithTotal stores the unpaginated row count in total.
func WithTotal(total *int) FindOption {
	return func(o *FindOptions) {
		o.Total = total
	}
}

// ApplyFindOptions folds opts into a FindOptions value.
func ApplyFindOptions(opts ...FindOption) FindOptions {
	var o FindOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Repository.
type Option func(*settings)

type settings struct {
	hydrator   *hydrator.Hydrator
	replicator *replicator.Replicator
	filters    map[string]CriteriaFilter
	order      []Order
	logger     *zap.Logger
}

// WithHydrator shares a hydrator instead of building one per repository.
func WithHydrator(h *hydrator.Hydrator) Option {
	return func(s *settings) {
		s.hydrator = h
	}
}

// WithReplicator shares a replicator instead of building one per repository.
func WithReplicator(r *replicator.Replicator) Option {
	return func(s *settings) {
		s.replicator = r
	}
}

// WithCriteriaFilter registers fn for criteria key name. The key is removed
// from criteria before translation; empty values never reach fn.
func WithCriteriaFilter(name string, fn CriteriaFilter) Option {
	return func(s *settings) {
		s.filters[name] = fn
	}
}

// WithDefaultOrder sets the ordering applied under any caller ordering.
func WithDefaultOrder(order ...Order) Option {
	return func(s *settings) {
		s.order = append(s.order, order...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Repository gives typed access to one entity type managed by an
// EntityManager. Loaded entities join the manager's identity map.
type Repository[T any] struct {
	em         *manager.EntityManager
	meta       *metadata.ClassMetadata
	hydrator   *hydrator.Hydrator
	replicator *replicator.Replicator
	filters    map[string]CriteriaFilter
	order      []Order
	logger     *zap.Logger
}

var _ EntityRepository[struct{}] = (*Repository[struct{}])(nil)

// New creates a repository for T over em. T must be registered with the
// manager's metadata registry.
func New[T any](em *manager.EntityManager, opts ...Option) (*Repository[T], error) {
	meta, err := em.Metadata(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}

	s := &settings{
		filters: make(map[string]CriteriaFilter),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, o := range s.order {
		if err := validDirection(o); err != nil {
			return nil, err
		}
	}

	if s.hydrator == nil {
		s.hydrator = hydrator.New(em.Registry(), em, hydrator.WithLogger(s.logger))
		hydrator.RegisterDefaultFilters(s.hydrator)
	}
	if s.replicator == nil {
		s.replicator = replicator.New(em.Registry(), em, replicator.WithLogger(s.logger))
	}

	return &Repository[T]{
		em:         em,
		meta:       meta,
		hydrator:   s.hydrator,
		replicator: s.replicator,
		filters:    s.filters,
		order:      s.order,
		logger:     s.logger.With(zap.String("resource", meta.Resource)),
	}, nil
}

// Manager returns the entity manager the repository works through.
func (r *Repository[T]) Manager() *manager.EntityManager {
	return r.em
}

// Hydrator returns the hydrator used by Create and Update.
func (r *Repository[T]) Hydrator() *hydrator.Hydrator {
	return r.hydrator
}

// Metadata returns the metadata of T.
func (r *Repository[T]) Metadata() *metadata.ClassMetadata {
	return r.meta
}

// Resource returns the plural resource name of T.
func (r *Repository[T]) Resource() string {
	return r.meta.Resource
}

// Create returns a new entity filled from data. It is not persisted until
// Store.
func (r *Repository[T]) Create(ctx context.Context, data map[string]any, protect bool) (*T, error) {
	entity := new(T)
	if len(data) == 0 {
		return entity, nil
	}
	if err := r.hydrator.Fill(ctx, entity, data, protect); err != nil {
		return nil, err
	}
	return entity, nil
}

// Update fills entity from data.
func (r *Repository[T]) Update(ctx context.Context, entity *T, data map[string]any, protect bool) error {
	return r.hydrator.Fill(ctx, entity, data, protect)
}

// Replicate deep-copies entity with overrides applied. The copy and every
// copied related entity are persisted on the next flush.
func (r *Repository[T]) Replicate(ctx context.Context, entity *T, overrides map[string]any) (*T, error) {
	if entity == nil {
		return nil, nil
	}
	clone, err := r.replicator.Clone(ctx, entity, overrides)
	if err != nil {
		return nil, err
	}
	out, _ := clone.(*T)
	return out, nil
}

// Store persists entity, when given, and flushes when flush is set.
func (r *Repository[T]) Store(ctx context.Context, entity *T, flush bool) error {
	if entity != nil {
		if err := r.em.Persist(ctx, entity); err != nil {
			return err
		}
	}
	if flush {
		return r.Flush(ctx)
	}
	return nil
}

// Flush writes every pending change of the manager.
func (r *Repository[T]) Flush(ctx context.Context) error {
	return r.em.Flush(ctx)
}

// Remove schedules entity for deletion and flushes when flush is set.
func (r *Repository[T]) Remove(ctx context.Context, entity *T, flush bool) error {
	if entity != nil {
		if err := r.em.Remove(ctx, entity); err != nil {
			return err
		}
	}
	if flush {
		return r.Flush(ctx)
	}
	return nil
}

// Detach stops the manager tracking entity.
func (r *Repository[T]) Detach(entity *T) {
	if entity != nil {
		r.em.Detach(entity)
	}
}

// Clear detaches every entity the manager tracks.
func (r *Repository[T]) Clear() {
	r.em.Clear()
}

// Attach makes entities known to the manager. Tracked entities are
// returned as is; anything else is copied without its associations and
// managed, so the result is the instance this manager tracks for the same
// identity.
func (r *Repository[T]) Attach(entities ...*T) ([]*T, error) {
	out := make([]*T, 0, len(entities))
	for _, e := range entities {
		if e == nil {
			continue
		}
		if r.em.Contains(e) {
			out = append(out, e)
			continue
		}
		canonical, err := r.em.Manage(Detached(r.meta, e))
		if err != nil {
			return nil, err
		}
		entity, _ := canonical.(*T)
		out = append(out, entity)
	}
	return out, nil
}

// Detached returns a shallow copy of entity with every association field
// zeroed. Columns and embedded values are kept.
func Detached[T any](meta *metadata.ClassMetadata, entity *T) *T {
	if entity == nil {
		return nil
	}
	copied := *entity
	rv := reflect.ValueOf(&copied).Elem()
	for _, a := range meta.Associations {
		field := rv.FieldByIndex(a.Index)
		field.Set(reflect.Zero(field.Type()))
	}
	return &copied
}

// Find loads one entity. id is a scalar for single-column identifiers or a
// map; a map holding every identifier field is an identity lookup, any
// other map is criteria that must match at most one row.
func (r *Repository[T]) Find(ctx context.Context, id any) (*T, error) {
	if isNil(id) {
		return nil, nil
	}

	fields := r.meta.IdentifierFields()
	criteria, ok := id.(map[string]any)
	if !ok {
		if len(fields) != 1 {
			return nil, hydrator.InvalidIdentity(r.meta.Type,
				fmt.Sprintf("a scalar cannot address %d identifier fields", len(fields)))
		}
		return r.find(ctx, map[string]any{fields[0].Key: id})
	}

	if identity, ok := identityOf(fields, criteria); ok {
		return r.find(ctx, identity)
	}

	rows, err := r.FindBy(ctx, criteria, WithLimit(2))
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, hydrator.InvalidIdentity(r.meta.Type, "criteria match more than one row")
	}
}

func (r *Repository[T]) find(ctx context.Context, identity map[string]any) (*T, error) {
	found, err := r.em.Find(ctx, r.meta.Type, identity)
	if err != nil || found == nil {
		return nil, err
	}
	entity, _ := found.(*T)
	return entity, nil
}

// FindAll loads every entity of T.
func (r *Repository[T]) FindAll(ctx context.Context, order ...Order) ([]*T, error) {
	return r.FindBy(ctx, nil, WithOrder(order...))
}

// FindBy loads the entities matching criteria. Keys are logical field
// names, columns or dotted paths through to-one associations; nested maps
// are read as dotted paths.
func (r *Repository[T]) FindBy(ctx context.Context, criteria map[string]any, opts ...FindOption) ([]*T, error) {
	o := ApplyFindOptions(opts...)

	var rows []*T
	cq := r.criteriaQuery(r.em.DB().NewSelect().Model(&rows))
	if err := cq.where(criteria); err != nil {
		return nil, err
	}
	if err := cq.order(mergeOrder(o.Order, r.order)); err != nil {
		return nil, err
	}

	q := cq.q
	if o.Limit > 0 || o.Offset > 0 {
		q = bunrepo.SelectPaginate(o.Limit, o.Offset)(q)
	}

	var err error
	if o.Total != nil {
		var total int
		total, err = q.ScanAndCount(ctx)
		*o.Total = total
	} else {
		err = q.Scan(ctx)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.em.WrapError(err, "find %s", r.meta.Resource)
	}

	r.logger.Debug("find by", zap.Int("criteria", len(criteria)), zap.Int("rows", len(rows)))
	return r.manage(rows, cq.joined)
}

// FindOneBy returns the first entity matching criteria, or nil.
func (r *Repository[T]) FindOneBy(ctx context.Context, criteria map[string]any, order ...Order) (*T, error) {
	rows, err := r.FindBy(ctx, criteria, WithOrder(order...), WithLimit(1))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Count returns how many rows match criteria.
func (r *Repository[T]) Count(ctx context.Context, criteria map[string]any) (int, error) {
	var rows []*T
	cq := r.criteriaQuery(r.em.DB().NewSelect().Model(&rows))
	if err := cq.where(criteria); err != nil {
		return 0, err
	}
	n, err := cq.q.Count(ctx)
	if err != nil {
		return 0, r.em.WrapError(err, "count %s", r.meta.Resource)
	}
	return n, nil
}

// Query runs a select shaped by build and returns the managed results.
// Default ordering is appended after any ordering build adds.
func (r *Repository[T]) Query(ctx context.Context, build ...bunrepo.SelectCriteria) (*collection.Collection[*T], error) {
	var rows []*T
	q := r.em.DB().NewSelect().Model(&rows)
	for _, b := range build {
		q = b(q)
	}

	cq := r.criteriaQuery(q)
	if err := cq.order(r.order); err != nil {
		return nil, err
	}
	if err := cq.q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.em.WrapError(err, "query %s", r.meta.Resource)
	}

	managed, err := r.manage(rows, nil)
	if err != nil {
		return nil, err
	}
	return collection.New(managed...), nil
}

// QueryCount counts the rows a select shaped by build would return.
func (r *Repository[T]) QueryCount(ctx context.Context, build ...bunrepo.SelectCriteria) (int, error) {
	var rows []*T
	q := r.em.DB().NewSelect().Model(&rows)
	for _, b := range build {
		q = b(q)
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, r.em.WrapError(err, "count %s", r.meta.Resource)
	}
	return n, nil
}

func (r *Repository[T]) criteriaQuery(q *bun.SelectQuery) *criteriaQuery {
	return &criteriaQuery{
		meta:     r.meta,
		registry: r.em.Registry(),
		filters:  r.filters,
		dialect:  r.em.DB().Dialect().Name(),
		q:        q,
		joined:   make(map[string]bool),
	}
}

// manage swaps every row for its canonical instance. Relations loaded by a
// join are registered as well; empty joins are cleared.
func (r *Repository[T]) manage(rows []*T, joined map[string]bool) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		canonical, err := r.em.Manage(row)
		if err != nil {
			return nil, err
		}
		entity, _ := canonical.(*T)
		if entity == row {
			if err := r.adoptJoined(row, joined); err != nil {
				return nil, err
			}
		}
		out = append(out, entity)
	}
	return out, nil
}

func (r *Repository[T]) adoptJoined(row *T, joined map[string]bool) error {
	rv := reflect.ValueOf(row).Elem()
	for _, a := range r.meta.Associations {
		if !joined[a.Field] || a.IsToMany() {
			continue
		}
		field := rv.FieldByIndex(a.Index)
		if field.Kind() != reflect.Ptr || field.IsNil() {
			continue
		}
		target, err := r.em.Metadata(a.Target)
		if err != nil {
			return err
		}
		if !target.HasIdentity(field.Interface()) {
			field.Set(reflect.Zero(field.Type()))
			continue
		}
		canonical, err := r.em.Manage(field.Interface())
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(canonical))
	}
	return nil
}

// identityOf picks the identifier values out of criteria. It reports false
// unless every identifier field is present and non-empty.
func identityOf(fields []*metadata.Field, criteria map[string]any) (map[string]any, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	identity := make(map[string]any, len(fields))
	for _, f := range fields {
		var (
			v  any
			ok bool
		)
		for _, key := range []string{f.Key, f.Name, f.Column} {
			if v, ok = criteria[key]; ok {
				break
			}
		}
		if !ok || isNil(v) {
			return nil, false
		}
		if _, list := listOf(v); list {
			return nil, false
		}
		identity[f.Key] = v
	}
	return identity, true
}

func validDirection(o Order) error {
	if strings.EqualFold(o.Direction, "asc") || strings.EqualFold(o.Direction, "desc") {
		return nil
	}
	return invalidOrder(o.Direction)
}
