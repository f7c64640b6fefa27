package hydrator

import (
	"context"
	"reflect"

	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/spf13/cast"
)

// FindAssociated resolves the entity that id refers to for the association
// field of entity:
//
//   - an empty id resolves to nil
//   - an instance of the target type is returned as is
//   - a complete identifier is looked up through the finder
//   - an incomplete identifier falls back to the current to-one value
//   - anything else yields a new target instance carrying the given keys
func (h *Hydrator) FindAssociated(ctx context.Context, entity any, field string, id any) (any, error) {
	meta, err := h.registry.MetadataFor(entity)
	if err != nil {
		return nil, err
	}
	a, ok := meta.Association(field)
	if !ok {
		return nil, unknownAssociation(meta.Type, field, nil)
	}
	target, err := h.registry.Metadata(a.Target)
	if err != nil {
		return nil, unknownAssociation(meta.Type, field, err)
	}

	if accessor.IsEmpty(id) {
		return nil, nil
	}
	if reflect.TypeOf(id) == reflect.PointerTo(target.Type) {
		return id, nil
	}

	keys, err := h.identity(target, id)
	if err != nil {
		return nil, err
	}

	identifiers := target.IdentifierFields()
	switch {
	case len(identifiers) > 0 && len(keys) == len(identifiers):
		if h.finder != nil {
			found, err := h.finder.Find(ctx, target.Type, keys)
			if err != nil {
				return nil, err
			}
			if !accessor.IsEmpty(found) {
				return found, nil
			}
		}
	case !a.IsToMany():
		current, err := h.accessor.Get(entity, a.Field)
		if err != nil {
			return nil, err
		}
		if !accessor.IsEmpty(current) {
			return current, nil
		}
	}

	instance := target.New()
	for _, f := range identifiers {
		if v, ok := keys[f.Key]; ok {
			if err := h.fillScalar(instance, f.Name, f, v); err != nil {
				return nil, err
			}
		}
	}
	return instance, nil
}

// identity composes the identifier key set of target from id, dropping
// empty values.
func (h *Hydrator) identity(target *metadata.ClassMetadata, id any) (map[string]any, error) {
	identifiers := target.IdentifierFields()
	keys := make(map[string]any, len(identifiers))

	if m, ok := id.(map[string]any); ok {
		for _, f := range identifiers {
			v, ok := m[f.Key]
			if !ok {
				v, ok = m[f.Name]
			}
			if !ok {
				continue
			}
			if v = h.convert(f, v); !accessor.IsEmpty(v) {
				keys[f.Key] = v
			}
		}
		return keys, nil
	}

	if len(identifiers) != 1 {
		return nil, InvalidIdentity(target.Type, "a scalar identifier needs exactly one identifier field")
	}
	if v := h.convert(identifiers[0], id); !accessor.IsEmpty(v) {
		keys[identifiers[0].Key] = v
	}
	return keys, nil
}

func (h *Hydrator) fillAssociation(ctx context.Context, entity any, a *metadata.Association, value any) error {
	variant, err := a.Variant()
	if err != nil {
		return err
	}
	switch variant {
	case metadata.ToOneOwning, metadata.ToOneInverse:
		return h.fillToOne(ctx, entity, a, value)
	default:
		return h.fillToMany(ctx, entity, a, value)
	}
}

// resolve finds the related entity for value and fills it when value is a
// nested map. Nested fills are always protected.
func (h *Hydrator) resolve(ctx context.Context, entity any, a *metadata.Association, value any) (any, error) {
	related, err := h.FindAssociated(ctx, entity, a.Key, value)
	if err != nil || related == nil {
		return related, err
	}
	if nested, ok := value.(map[string]any); ok {
		if err := h.Fill(ctx, related, nested, true); err != nil {
			return nil, err
		}
	}
	return related, nil
}

func (h *Hydrator) fillToOne(ctx context.Context, entity any, a *metadata.Association, value any) error {
	previous, err := h.accessor.Get(entity, a.Field)
	if err != nil {
		return err
	}
	related, err := h.resolve(ctx, entity, a, value)
	if err != nil {
		return err
	}
	if err := h.accessor.Set(entity, a.Field, related); err != nil {
		return err
	}

	if a.Reciprocal == "" {
		return nil
	}
	if !accessor.IsEmpty(previous) && !accessor.Same(previous, related) {
		if err := h.unlink(previous, a, entity); err != nil {
			return err
		}
	}
	if related != nil {
		return h.link(related, a, entity)
	}
	return nil
}

func (h *Hydrator) fillToMany(ctx context.Context, entity any, a *metadata.Association, value any) error {
	current, err := h.accessor.Get(entity, a.Field)
	if err != nil {
		return err
	}
	before := accessor.Elements(current)

	var after []any
	for _, el := range accessor.Elements(value) {
		related, err := h.resolve(ctx, entity, a, el)
		if err != nil {
			return err
		}
		if related != nil && !containsSame(after, related) {
			after = append(after, related)
		}
	}

	if err := h.accessor.Set(entity, a.Field, after); err != nil {
		return err
	}

	if a.Reciprocal == "" {
		return nil
	}
	for _, old := range before {
		if !containsSame(after, old) {
			if err := h.unlink(old, a, entity); err != nil {
				return err
			}
		}
	}
	for _, el := range after {
		if !containsSame(before, el) {
			if err := h.link(el, a, entity); err != nil {
				return err
			}
		}
	}
	return nil
}

// link points the reciprocal field of related back at entity.
func (h *Hydrator) link(related any, a *metadata.Association, entity any) error {
	back := h.reciprocal(a)
	if back == nil {
		return nil
	}
	if back.IsToMany() {
		return h.accessor.Append(related, back.Field, entity)
	}
	return h.accessor.Set(related, back.Field, entity)
}

// unlink removes entity from the reciprocal field of related. An owning
// side also loses the foreign keys that referenced entity, including when
// its pointer was never loaded.
func (h *Hydrator) unlink(related any, a *metadata.Association, entity any) error {
	back := h.reciprocal(a)
	if back == nil {
		return nil
	}
	if back.IsToMany() {
		return h.accessor.Discard(related, back.Field, entity)
	}
	current, err := h.accessor.Get(related, back.Field)
	if err != nil {
		return err
	}
	same := accessor.Same(current, entity)
	if !same && !(accessor.IsEmpty(current) && h.references(related, back, entity)) {
		return nil
	}
	if err := h.accessor.Set(related, back.Field, nil); err != nil {
		return err
	}
	if back.Relation != metadata.RelBelongsTo {
		return nil
	}
	meta, err := h.registry.MetadataFor(related)
	if err != nil {
		return err
	}
	for _, jc := range back.JoinColumns {
		meta.SetColumnValue(related, jc.Base, nil)
	}
	return nil
}

// references reports whether the foreign keys of related through the
// belongs-to association back hold entity's keys.
func (h *Hydrator) references(related any, back *metadata.Association, entity any) bool {
	if back.Relation != metadata.RelBelongsTo || len(back.JoinColumns) == 0 {
		return false
	}
	relatedMeta, err := h.registry.MetadataFor(related)
	if err != nil {
		return false
	}
	entityMeta, err := h.registry.MetadataFor(entity)
	if err != nil {
		return false
	}
	for _, jc := range back.JoinColumns {
		key, ok := entityMeta.ColumnValue(entity, jc.Join)
		if !ok || accessor.IsEmpty(key) {
			return false
		}
		fk, ok := relatedMeta.ColumnValue(related, jc.Base)
		if !ok || cast.ToString(fk) != cast.ToString(key) {
			return false
		}
	}
	return true
}

func (h *Hydrator) reciprocal(a *metadata.Association) *metadata.Association {
	target, err := h.registry.Metadata(a.Target)
	if err != nil {
		return nil
	}
	back, ok := target.Association(a.Reciprocal)
	if !ok {
		return nil
	}
	return back
}

func containsSame(list []any, v any) bool {
	for _, el := range list {
		if accessor.Same(el, v) {
			return true
		}
	}
	return false
}
