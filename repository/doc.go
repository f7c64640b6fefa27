// Package repository provides typed repositories over an entity manager.
//
// # Overview
//
// A Repository[T] loads, creates and stores entities of one type through a
// manager.EntityManager, so every loaded entity joins the manager's
// identity map and every write goes through its unit of work:
//
//	people, err := repository.New[Person](em)
//	ada, err := people.Create(ctx, map[string]any{"name": "Ada"}, true)
//	err = people.Store(ctx, ada, true)
//
// # Criteria
//
// FindBy, FindOneBy and Count take criteria maps. Keys are logical field
// names, column names or dotted paths through to-one associations, which
// become joins:
//
//	pets.FindBy(ctx, map[string]any{
//		"species":    []string{"dog", "cat"}, // IN
//		"owner.name": repository.Like("A%"),  // LIKE, ILIKE on Postgres
//		"owner.born": nil,                    // IS NULL
//	})
//
// Nested maps are read as dotted paths. An owning to-one association
// matches by entity, by entity list or by raw key. Keys registered with
// WithCriteriaFilter are handed to the filter instead.
//
// For anything criteria cannot express, Query and QueryCount accept
// go-repository-bun SelectCriteria functions.
package repository
