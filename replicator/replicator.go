// Package replicator deep-copies entity graphs.
//
// Clone copies an entity, clones what it owns through one-to-one and
// one-to-many associations with their back-references pointed at the new
// copies, repairs relations declared only on the foreign side, and stages
// every clone for persistence. A visited set threaded through the traversal
// maps each source entity to its clone, so arbitrary cycles terminate and a
// revisited node resolves to the clone already made.
package replicator

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/metadata"
	"go.uber.org/zap"
)

// Store stages clones, finds entities pointing at a given target and loads
// the stored side of associations that were never read into memory.
type Store interface {
	Persist(ctx context.Context, entity any) error
	FindByAssociation(ctx context.Context, assoc *metadata.Association, target any) ([]any, error)
	Related(ctx context.Context, assoc *metadata.Association, entity any) ([]any, error)
}

// Edge names the association a clone was reached through.
type Edge struct {
	Type  reflect.Type
	Field string
}

// Replicator clones entity graphs.
type Replicator struct {
	registry *metadata.Registry
	store    Store
	accessor *accessor.Accessor
	logger   *zap.Logger
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithAccessor shares a property accessor.
func WithAccessor(acc *accessor.Accessor) Option {
	return func(r *Replicator) {
		if acc != nil {
			r.accessor = acc
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Replicator.
func New(registry *metadata.Registry, store Store, opts ...Option) *Replicator {
	r := &Replicator{
		registry: registry,
		store:    store,
		accessor: accessor.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type session struct {
	visited  map[any]any
	produced map[any]bool
}

// Clone returns a persisted-on-flush copy of entity with overrides applied.
// via lists the edges the caller arrived through; foreign relations matching
// one of them are not repaired again.
func (r *Replicator) Clone(ctx context.Context, entity any, overrides map[string]any, via ...Edge) (any, error) {
	s := &session{
		visited:  map[any]any{},
		produced: map[any]bool{},
	}
	return r.clone(ctx, s, entity, overrides, via)
}

func (r *Replicator) clone(ctx context.Context, s *session, entity any, overrides map[string]any, via []Edge) (any, error) {
	if accessor.IsEmpty(entity) {
		return nil, nil
	}
	if reflect.TypeOf(entity).Kind() != reflect.Ptr {
		return nil, goerrors.New(
			fmt.Sprintf("cannot clone %T: entities are cloned through pointers", entity),
			goerrors.CategoryBadInput,
		)
	}
	if s.produced[entity] {
		return entity, r.apply(entity, overrides)
	}
	if existing, ok := s.visited[entity]; ok {
		return existing, r.apply(existing, overrides)
	}

	meta, err := r.registry.MetadataFor(entity)
	if err != nil {
		return nil, err
	}

	original := entity
	clone := accessor.Copy(original)
	s.visited[original] = clone
	s.produced[clone] = true

	for _, f := range meta.IdentifierFields() {
		if err := r.accessor.Set(clone, f.Name, nil); err != nil {
			return nil, err
		}
	}
	detachCollections(meta, clone)

	if err := r.apply(clone, overrides); err != nil {
		return nil, err
	}

	edge := Edge{Type: meta.Type}
	for _, a := range sortedAssociations(meta) {
		if overridden(overrides, a) {
			continue
		}
		edge.Field = a.Field

		if a.Kind == metadata.OneToOne || a.Kind == metadata.OneToMany {
			if err := r.load(ctx, meta, original, clone, a); err != nil {
				return nil, err
			}
		}

		switch a.Kind {
		case metadata.OneToOne:
			related, err := r.accessor.Get(clone, a.Field)
			if err != nil {
				return nil, err
			}
			if accessor.IsEmpty(related) {
				continue
			}
			copied, err := r.clone(ctx, s, related, backReference(a, clone), []Edge{edge})
			if err != nil {
				return nil, err
			}
			if err := r.accessor.Set(clone, a.Field, copied); err != nil {
				return nil, err
			}

		case metadata.OneToMany:
			current, err := r.accessor.Get(clone, a.Field)
			if err != nil {
				return nil, err
			}
			items := accessor.Elements(current)
			copies := make([]any, 0, len(items))
			for _, item := range items {
				copied, err := r.clone(ctx, s, item, backReference(a, clone), []Edge{edge})
				if err != nil {
					return nil, err
				}
				if copied != nil {
					copies = append(copies, copied)
				}
			}
			if err := r.accessor.Set(clone, a.Field, copies); err != nil {
				return nil, err
			}

		case metadata.ManyToOne, metadata.ManyToMany:
			// shared references stay as they are

		default:
			return nil, metadata.UnknownMappingKind(a)
		}
	}

	if err := r.repairForeign(ctx, s, meta, original, clone, via); err != nil {
		return nil, err
	}

	r.logger.Debug("cloned entity", zap.String("entity", meta.Name))

	if r.store != nil {
		if err := r.store.Persist(ctx, clone); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// load reads an owned association from the store when the source holds an
// identity but the field was never populated. The loaded value is set on
// the source as well, so both sides agree on what was copied.
func (r *Replicator) load(ctx context.Context, meta *metadata.ClassMetadata, original, clone any, a *metadata.Association) error {
	if r.store == nil || !meta.HasIdentity(original) {
		return nil
	}
	current, err := r.accessor.Get(original, a.Field)
	if err != nil {
		return err
	}
	if len(accessor.Elements(current)) > 0 {
		return nil
	}

	related, err := r.store.Related(ctx, a, original)
	if err != nil || len(related) == 0 {
		return err
	}

	var value any = related
	if !a.IsToMany() {
		value = related[0]
	}
	if err := r.accessor.Set(original, a.Field, value); err != nil {
		return err
	}
	if a.IsToMany() {
		value = append([]any(nil), related...)
	}
	return r.accessor.Set(clone, a.Field, value)
}

// repairForeign clones entities whose undeclared relation points at the
// original so that their copies point at clone instead.
func (r *Replicator) repairForeign(ctx context.Context, s *session, meta *metadata.ClassMetadata, original, clone any, via []Edge) error {
	if r.store == nil {
		return nil
	}

	for _, a := range r.registry.AssociationsTargeting(meta.Type) {
		if a.Reciprocal != "" || arrivedVia(via, a) {
			continue
		}
		if a.Kind != metadata.OneToOne && a.Kind != metadata.ManyToOne {
			continue
		}

		found, err := r.store.FindByAssociation(ctx, a, original)
		if err != nil {
			return err
		}
		if a.Kind == metadata.OneToOne && len(found) > 1 {
			found = found[:1]
		}

		for _, related := range found {
			if _, err := r.clone(ctx, s, related, map[string]any{a.Field: clone}, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Replicator) apply(entity any, overrides map[string]any) error {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.accessor.Set(entity, k, overrides[k]); err != nil {
			return err
		}
	}
	return nil
}

// detachCollections gives the clone its own to-many containers so later
// writes never reach the source's collections.
func detachCollections(meta *metadata.ClassMetadata, clone any) {
	rv := reflect.ValueOf(clone).Elem()
	for _, a := range meta.Associations {
		if !a.IsToMany() {
			continue
		}
		f := rv.FieldByIndex(a.Index)
		if isNilValue(f) {
			continue
		}
		f.Set(reflect.ValueOf(accessor.CopyCollection(f.Interface())))
	}
}

func backReference(a *metadata.Association, clone any) map[string]any {
	if a.Reciprocal == "" {
		return nil
	}
	return map[string]any{a.Reciprocal: clone}
}

func overridden(overrides map[string]any, a *metadata.Association) bool {
	if _, ok := overrides[a.Field]; ok {
		return true
	}
	_, ok := overrides[a.Key]
	return ok
}

func arrivedVia(via []Edge, a *metadata.Association) bool {
	for _, e := range via {
		if metadata.TypeOf(e.Type) == a.Source && e.Field == a.Field {
			return true
		}
	}
	return false
}

func sortedAssociations(meta *metadata.ClassMetadata) []*metadata.Association {
	out := append([]*metadata.Association(nil), meta.Associations...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Field < out[j].Field
	})
	return out
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}
