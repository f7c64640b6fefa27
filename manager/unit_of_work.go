package manager

import (
	"context"
	"reflect"

	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Persist schedules entity for insertion on the next flush, cascading to
// every new entity reachable through its associations. Managed entities
// are written when they changed, so persisting them only cascades. An
// untracked entity whose identity is already stored is adopted and
// written as an update.
func (m *EntityManager) Persist(ctx context.Context, entity any) error {
	if accessor.IsEmpty(entity) || reflect.TypeOf(entity).Kind() != reflect.Ptr {
		return badInput("cannot persist %T: entities are persisted through non-nil pointers", entity)
	}
	return m.persist(ctx, entity, make(map[any]bool))
}

func (m *EntityManager) persist(ctx context.Context, entity any, seen map[any]bool) error {
	if seen[entity] {
		return nil
	}
	seen[entity] = true

	meta, err := m.registry.MetadataFor(entity)
	if err != nil {
		return err
	}

	e, ok := m.entries[entity]
	switch {
	case !ok:
		stored, err := m.stored(ctx, meta, entity)
		if err != nil {
			return err
		}
		if stored {
			// no snapshot: written as an update on the next flush
			m.register(m.track(entity, meta, stateManaged))
			break
		}
		m.track(entity, meta, stateNew)
	case e.state == stateRemoved:
		e.state = stateManaged
	}

	for _, a := range meta.Associations {
		value := reflect.ValueOf(entity).Elem().FieldByIndex(a.Index).Interface()
		for _, related := range accessor.Elements(value) {
			if accessor.IsEmpty(related) || reflect.TypeOf(related).Kind() != reflect.Ptr {
				continue
			}
			if err := m.persist(ctx, related, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// stored reports whether an untracked entity already has a row. Entities
// without an identity are new.
func (m *EntityManager) stored(ctx context.Context, meta *metadata.ClassMetadata, entity any) (bool, error) {
	key, ok := entityKey(meta, entity)
	if !ok {
		return false, nil
	}
	if existing, found := m.lookup(meta, key); found && existing != entity {
		return false, detachedEntity(meta.Type, "another instance with the same identity is managed, merge it instead")
	}
	exists, err := m.db.NewSelect().Model(entity).WherePK().Exists(ctx)
	if err != nil {
		return false, m.WrapError(err, "check %s %s", meta.Type, key)
	}
	return exists, nil
}

// Merge copies the state of a detached entity onto the managed instance
// with the same identity and returns that instance. Entities without a
// managed counterpart are adopted: scheduled for insertion when they have
// no identity, for an update otherwise.
func (m *EntityManager) Merge(entity any) (any, error) {
	if accessor.IsEmpty(entity) || reflect.TypeOf(entity).Kind() != reflect.Ptr {
		return nil, badInput("cannot merge %T: entities are merged through non-nil pointers", entity)
	}
	if _, ok := m.entries[entity]; ok {
		return entity, nil
	}

	meta, err := m.registry.MetadataFor(entity)
	if err != nil {
		return nil, err
	}

	key, hasIdentity := entityKey(meta, entity)
	if !hasIdentity {
		m.track(entity, meta, stateNew)
		return entity, nil
	}

	if existing, found := m.lookup(meta, key); found {
		if err := m.copyState(meta, existing, entity); err != nil {
			return nil, err
		}
		return existing, nil
	}

	// no snapshot: the adopted row is written on the next flush
	e := m.track(entity, meta, stateManaged)
	m.register(e)
	return entity, nil
}

func (m *EntityManager) copyState(meta *metadata.ClassMetadata, dst, src any) error {
	to := reflect.ValueOf(dst).Elem()
	from := reflect.ValueOf(src).Elem()

	for _, f := range meta.Fields {
		if f.Identifier {
			continue
		}
		to.FieldByIndex(f.Index).Set(from.FieldByIndex(f.Index))
	}
	for _, e := range meta.Embedded {
		to.FieldByIndex(e.Index).Set(from.FieldByIndex(e.Index))
	}
	for _, a := range meta.Associations {
		value := from.FieldByIndex(a.Index).Interface()
		if a.IsToMany() {
			if err := m.accessor.Set(dst, a.Field, accessor.Elements(value)); err != nil {
				return err
			}
			continue
		}
		to.FieldByIndex(a.Index).Set(from.FieldByIndex(a.Index))
	}
	return nil
}

// Remove schedules entity for deletion on the next flush. A pending
// insertion is simply dropped.
func (m *EntityManager) Remove(_ context.Context, entity any) error {
	e, ok := m.entries[entity]
	if !ok {
		return detachedEntity(reflect.TypeOf(entity), "cannot remove an entity the manager does not track")
	}
	switch e.state {
	case stateNew:
		m.forget(e)
	case stateManaged:
		e.state = stateRemoved
	}
	return nil
}

// Flush writes every pending change in one transaction: insertions in
// dependency order with foreign keys taken from association pointers, then
// updates of changed entities, then deletions in reverse order. Events are
// dispatched once the transaction commits.
func (m *EntityManager) Flush(ctx context.Context) error {
	inserts := m.insertOrder()

	var updates, removals []*entry
	for i := len(m.order) - 1; i >= 0; i-- {
		if e := m.order[i]; e.state == stateRemoved {
			removals = append(removals, e)
		}
	}

	inserted := make(map[*entry]map[string]any, len(inserts))
	err := m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		updates = updates[:0]

		for _, e := range m.order {
			if e.state == stateManaged {
				m.propagate(e)
			}
		}

		for _, e := range inserts {
			m.pull(e)
			if _, err := tx.NewInsert().Model(e.entity).Exec(ctx); err != nil {
				return m.WrapError(err, "insert %s", e.meta.Name)
			}
			inserted[e] = snapshot(e.meta, e.entity)
			m.propagate(e)
		}

		for _, e := range m.order {
			if e.state == stateRemoved {
				continue
			}
			m.pull(e)

			before := e.snapshot
			if snap, ok := inserted[e]; ok {
				before = snap
			} else if e.state != stateManaged {
				continue
			}
			if before != nil && reflect.DeepEqual(before, snapshot(e.meta, e.entity)) {
				continue
			}

			if _, err := tx.NewUpdate().Model(e.entity).WherePK().Exec(ctx); err != nil {
				return m.WrapError(err, "update %s", e.meta.Name)
			}
			if _, ok := inserted[e]; !ok {
				updates = append(updates, e)
			}
		}

		for _, e := range removals {
			if _, err := tx.NewDelete().Model(e.entity).WherePK().Exec(ctx); err != nil {
				return m.WrapError(err, "delete %s", e.meta.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var events []Event
	for _, e := range inserts {
		e.state = stateManaged
		e.snapshot = snapshot(e.meta, e.entity)
		e.linked = linked(e.meta, e.entity)
		m.register(e)
		events = append(events, Event{Type: EventPersisted, Entity: e.entity, Metadata: e.meta})
	}
	for _, e := range updates {
		e.snapshot = snapshot(e.meta, e.entity)
		e.linked = linked(e.meta, e.entity)
		m.register(e)
		events = append(events, Event{Type: EventUpdated, Entity: e.entity, Metadata: e.meta})
	}
	for _, e := range removals {
		m.forget(e)
		events = append(events, Event{Type: EventRemoved, Entity: e.entity, Metadata: e.meta})
	}

	m.logger.Debug("flushed unit of work",
		zap.Int("inserted", len(inserts)),
		zap.Int("updated", len(updates)),
		zap.Int("removed", len(removals)),
	)

	for _, ev := range events {
		for _, sub := range m.subscribers {
			sub.Notify(ctx, ev)
		}
	}
	return nil
}

// insertOrder sorts pending insertions so that every entity comes after the
// new entities it references: belongs-to targets and the parents holding it
// through has-one or has-many. Cycles are cut and closed by an update.
func (m *EntityManager) insertOrder() []*entry {
	var pending []*entry
	for _, e := range m.order {
		if e.state == stateNew {
			pending = append(pending, e)
		}
	}

	deps := make(map[*entry][]*entry, len(pending))
	for _, e := range pending {
		for _, a := range e.meta.Associations {
			value := reflect.ValueOf(e.entity).Elem().FieldByIndex(a.Index).Interface()
			for _, related := range accessor.Elements(value) {
				r, ok := m.entries[related]
				if !ok || r.state != stateNew || r == e {
					continue
				}
				switch a.Relation {
				case metadata.RelBelongsTo:
					deps[e] = append(deps[e], r)
				case metadata.RelHasOne, metadata.RelHasMany:
					deps[r] = append(deps[r], e)
				}
			}
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[*entry]int, len(pending))
	out := make([]*entry, 0, len(pending))

	var visit func(e *entry)
	visit = func(e *entry) {
		if marks[e] != 0 {
			return
		}
		marks[e] = visiting
		for _, d := range deps[e] {
			visit(d)
		}
		marks[e] = done
		out = append(out, e)
	}
	for _, e := range pending {
		visit(e)
	}
	return out
}

// pull copies foreign keys from the entity's belongs-to targets and clears
// the keys of targets that were unset.
func (m *EntityManager) pull(e *entry) {
	rv := reflect.ValueOf(e.entity).Elem()
	for _, a := range e.meta.Associations {
		if a.Relation != metadata.RelBelongsTo {
			continue
		}
		target := rv.FieldByIndex(a.Index)
		if target.Kind() != reflect.Ptr {
			continue
		}
		if target.IsNil() {
			// a pointer cleared since the snapshot drops keys left untouched
			if e.linked[a.Field] {
				for _, jc := range a.JoinColumns {
					if v, ok := e.meta.ColumnValue(e.entity, jc.Base); ok && reflect.DeepEqual(v, e.snapshot[jc.Base]) {
						e.meta.SetColumnValue(e.entity, jc.Base, nil)
					}
				}
			}
			continue
		}
		targetMeta, err := m.registry.Metadata(a.Target)
		if err != nil {
			continue
		}
		for _, jc := range a.JoinColumns {
			if v, ok := targetMeta.ColumnValue(target.Interface(), jc.Join); ok && !accessor.IsEmpty(v) {
				e.meta.SetColumnValue(e.entity, jc.Base, v)
			}
		}
	}
}

// propagate copies the entity's keys into the children it holds through
// has-one and has-many associations.
func (m *EntityManager) propagate(e *entry) {
	rv := reflect.ValueOf(e.entity).Elem()
	for _, a := range e.meta.Associations {
		if a.Relation != metadata.RelHasOne && a.Relation != metadata.RelHasMany {
			continue
		}
		targetMeta, err := m.registry.Metadata(a.Target)
		if err != nil {
			continue
		}
		for _, child := range accessor.Elements(rv.FieldByIndex(a.Index).Interface()) {
			if accessor.IsEmpty(child) {
				continue
			}
			for _, jc := range a.JoinColumns {
				if v, ok := e.meta.ColumnValue(e.entity, jc.Base); ok && !accessor.IsEmpty(v) {
					targetMeta.SetColumnValue(child, jc.Join, v)
				}
			}
		}
	}
}
