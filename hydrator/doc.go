// Package hydrator assigns request-shaped maps onto entities.
//
// Fill walks the input keys in sorted order and dispatches on the entity
// metadata: associations are resolved through FindAssociated (and filled
// recursively from nested maps), embedded values are filled key by key,
// scalar fields are converted by a registered filter or the default
// coercion, and unmapped keys are written raw through the accessor.
//
// Protection is declared per entity, either by implementing
//
//	ProtectedFields() []string
//
// or by tagging fields with graph:"protected". Entities that declare
// nothing fall back to the hydrator default, which protects everything.
//
//	h := hydrator.New(registry, manager)
//	hydrator.RegisterDefaultFilters(h)
//	err := h.Fill(ctx, person, map[string]any{
//		"name":         "Ada",
//		"address.city": "London",
//		"pets":         []any{10, 11},
//	}, true)
package hydrator
