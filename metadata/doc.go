// Package metadata describes bun models as entities: scalar fields with
// logical type names, embedded value objects, associations and identifiers.
//
// # Overview
//
// A Registry is built once from bun's table schema and never mutated
// afterwards, so it can be shared freely between goroutines:
//
//	registry, err := metadata.NewRegistry(db, (*User)(nil), (*Profile)(nil))
//	meta, err := registry.MetadataFor(user)
//	assoc, ok := meta.Association("profile")
//
// # Associations
//
// bun relation tags are mapped onto a closed set of association kinds:
//
//   - rel:belongs-to is the owning side. It is OneToOne when the target
//     declares a mirrored rel:has-one (or the field is tagged
//     graph:"one-to-one"), ManyToOne otherwise.
//   - rel:has-one is the inverse side of a OneToOne.
//   - rel:has-many is the inverse side of a OneToMany.
//   - rel:m2m is ManyToMany. Reciprocals are matched by junction table.
//
// Reciprocal fields are resolved across all registered models by mirrored
// join columns, so both sides of a relation must be registered for the
// link to be known.
package metadata
