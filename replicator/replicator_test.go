package replicator_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/goliatone/go-repository-graph/pkg/testsupport"
	"github.com/goliatone/go-repository-graph/replicator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type foreignKey struct {
	source reflect.Type
	field  string
	target any
}

type fakeStore struct {
	persisted []any
	foreign   map[foreignKey][]any
	related   map[foreignKey][]any
	lookups   []foreignKey
	loads     []foreignKey
	err       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{foreign: map[foreignKey][]any{}, related: map[foreignKey][]any{}}
}

func (s *fakeStore) Persist(_ context.Context, entity any) error {
	if s.err != nil {
		return s.err
	}
	s.persisted = append(s.persisted, entity)
	return nil
}

func (s *fakeStore) FindByAssociation(_ context.Context, a *metadata.Association, target any) ([]any, error) {
	key := foreignKey{source: a.Source, field: a.Field, target: target}
	s.lookups = append(s.lookups, key)
	return s.foreign[key], nil
}

func (s *fakeStore) Related(_ context.Context, a *metadata.Association, entity any) ([]any, error) {
	key := foreignKey{source: a.Source, field: a.Field, target: entity}
	s.loads = append(s.loads, key)
	return s.related[key], nil
}

// hold makes entity's field load related entities from the store.
func (s *fakeStore) hold(entity any, field string, related ...any) {
	key := foreignKey{source: metadata.TypeOf(entity), field: field, target: entity}
	s.related[key] = append(s.related[key], related...)
}

func (s *fakeStore) point(model any, field string, target any, entities ...any) {
	key := foreignKey{source: metadata.TypeOf(model), field: field, target: target}
	s.foreign[key] = append(s.foreign[key], entities...)
}

func newRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	registry, err := metadata.NewRegistry(nil, testsupport.Models()...)
	require.NoError(t, err)
	return registry
}

func TestCloneNil(t *testing.T) {
	r := replicator.New(newRegistry(t), newFakeStore())

	out, err := r.Clone(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = r.Clone(context.Background(), (*testsupport.Person)(nil), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCloneBreaksIdentityAndPreservesStructure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := replicator.New(newRegistry(t), store)

	person := &testsupport.Person{ID: 1, Name: "Ada", Address: testsupport.Address{City: "London"}}
	passport := &testsupport.Passport{ID: 2, Number: "X1", PersonID: 1, Person: person}
	rex := &testsupport.Pet{ID: 3, Name: "Rex", OwnerID: 1, Owner: person}
	tom := &testsupport.Pet{ID: 4, Name: "Tom", OwnerID: 1, Owner: person}
	person.Passport = passport
	person.Pets = []*testsupport.Pet{rex, tom}

	out, err := r.Clone(ctx, person, map[string]any{"name": "Ada (copy)"})
	require.NoError(t, err)

	clone, ok := out.(*testsupport.Person)
	require.True(t, ok)
	assert.NotSame(t, person, clone)
	assert.Zero(t, clone.ID)
	assert.Equal(t, "Ada (copy)", clone.Name)
	assert.Equal(t, "London", clone.Address.City)

	require.NotNil(t, clone.Passport)
	assert.NotSame(t, passport, clone.Passport)
	assert.Zero(t, clone.Passport.ID)
	assert.Equal(t, "X1", clone.Passport.Number)
	assert.Same(t, clone, clone.Passport.Person)

	require.Len(t, clone.Pets, 2)
	for i, pet := range clone.Pets {
		assert.NotSame(t, person.Pets[i], pet)
		assert.Equal(t, person.Pets[i].Name, pet.Name)
		assert.Same(t, clone, pet.Owner)
		assert.Zero(t, pet.ID)
	}

	assert.Equal(t, "Ada", person.Name)
	assert.Same(t, passport, person.Passport)
	assert.Same(t, person, passport.Person)
	assert.Equal(t, []*testsupport.Pet{rex, tom}, person.Pets)
	assert.Same(t, person, rex.Owner)

	assert.Len(t, store.persisted, 4)
	assert.Same(t, clone, store.persisted[len(store.persisted)-1])
}

func TestCloneMutualOneToOneTerminates(t *testing.T) {
	ctx := context.Background()
	r := replicator.New(newRegistry(t), newFakeStore())

	a := &testsupport.Passport{ID: 1, Number: "A"}
	b := &testsupport.Person{ID: 2, Name: "B"}
	a.Person = b
	b.Passport = a

	out, err := r.Clone(ctx, a, nil)
	require.NoError(t, err)

	aClone := out.(*testsupport.Passport)
	require.NotNil(t, aClone.Person)
	assert.NotSame(t, b, aClone.Person)
	assert.Same(t, aClone, aClone.Person.Passport)
}

func TestCloneThreeNodeCycle(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := replicator.New(newRegistry(t), store)

	a := &testsupport.Node{ID: 1, Label: "a"}
	b := &testsupport.Node{ID: 2, Label: "b"}
	c := &testsupport.Node{ID: 3, Label: "c"}
	a.Next, b.Next, c.Next = b, c, a
	b.Prev, c.Prev, a.Prev = a, b, c

	out, err := r.Clone(ctx, a, nil)
	require.NoError(t, err)

	a2 := out.(*testsupport.Node)
	b2 := a2.Next
	require.NotNil(t, b2)
	c2 := b2.Next
	require.NotNil(t, c2)

	assert.Equal(t, []string{"a", "b", "c"}, []string{a2.Label, b2.Label, c2.Label})
	assert.Same(t, a2, c2.Next)
	assert.Same(t, c2, a2.Prev)
	assert.Same(t, a2, b2.Prev)
	assert.Same(t, b2, c2.Prev)

	for _, n := range []*testsupport.Node{a2, b2, c2} {
		assert.NotContains(t, []*testsupport.Node{a, b, c}, n)
	}
	assert.Same(t, b, a.Next)
	assert.Len(t, store.persisted, 3)
}

func TestCloneRepairsForeignRelations(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := replicator.New(newRegistry(t), store)

	pet := &testsupport.Pet{ID: 10, Name: "Rex"}
	chip := &testsupport.Microchip{ID: 1, Serial: "C-1", PetID: 10, Pet: pet}
	other := &testsupport.Microchip{ID: 2, Serial: "C-2", PetID: 10, Pet: pet}
	v1 := &testsupport.Visit{ID: 1, Reason: "checkup", PetID: 10, Pet: pet}
	v2 := &testsupport.Visit{ID: 2, Reason: "shots", PetID: 10, Pet: pet}
	store.point(&testsupport.Microchip{}, "Pet", pet, chip, other)
	store.point(&testsupport.Visit{}, "Pet", pet, v1, v2)

	out, err := r.Clone(ctx, pet, nil)
	require.NoError(t, err)
	clone := out.(*testsupport.Pet)

	var chips []*testsupport.Microchip
	var visits []*testsupport.Visit
	for _, e := range store.persisted {
		switch v := e.(type) {
		case *testsupport.Microchip:
			chips = append(chips, v)
		case *testsupport.Visit:
			visits = append(visits, v)
		}
	}

	require.Len(t, chips, 1, "one-to-one repairs only the first match")
	assert.Equal(t, "C-1", chips[0].Serial)
	assert.Same(t, clone, chips[0].Pet)

	require.Len(t, visits, 2)
	for _, v := range visits {
		assert.Same(t, clone, v.Pet)
		assert.Zero(t, v.ID)
	}

	assert.Same(t, pet, chip.Pet)
	assert.Same(t, pet, v1.Pet)
}

func TestCloneArrivedViaSkipsForeignEdge(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := replicator.New(newRegistry(t), store)

	pet := &testsupport.Pet{ID: 10}
	store.point(&testsupport.Microchip{}, "Pet", pet, &testsupport.Microchip{ID: 1, Pet: pet})

	_, err := r.Clone(ctx, pet, nil, replicator.Edge{Type: reflect.TypeOf(testsupport.Microchip{}), Field: "Pet"})
	require.NoError(t, err)

	for _, lookup := range store.lookups {
		assert.NotEqual(t, "Microchip", lookup.source.Name())
	}
	assert.Len(t, store.persisted, 1)
}

func TestCloneKeepsManyToOneShared(t *testing.T) {
	ctx := context.Background()
	r := replicator.New(newRegistry(t), newFakeStore())

	owner := &testsupport.Person{ID: 1}
	pet := &testsupport.Pet{ID: 2, OwnerID: 1, Owner: owner}

	out, err := r.Clone(ctx, pet, nil)
	require.NoError(t, err)

	clone := out.(*testsupport.Pet)
	assert.Same(t, owner, clone.Owner)
	assert.Equal(t, int64(1), clone.OwnerID)
}

func TestCloneUnknownMappingKind(t *testing.T) {
	registry := newRegistry(t)
	meta, err := registry.MetadataFor(&testsupport.Person{})
	require.NoError(t, err)
	a, ok := meta.Association("passport")
	require.True(t, ok)
	a.Kind = metadata.Kind(99)

	r := replicator.New(registry, newFakeStore())
	_, err = r.Clone(context.Background(), &testsupport.Person{Passport: &testsupport.Passport{}}, nil)
	require.Error(t, err)
	assert.True(t, metadata.IsUnknownMappingKind(err))
}

func TestCloneStoreErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("disk full")
	r := replicator.New(newRegistry(t), store)

	_, err := r.Clone(context.Background(), &testsupport.Pet{ID: 1}, nil)
	assert.ErrorIs(t, err, store.err)
}

func TestCloneRejectsValues(t *testing.T) {
	r := replicator.New(newRegistry(t), newFakeStore())

	_, err := r.Clone(context.Background(), testsupport.Pet{ID: 1}, nil)
	require.Error(t, err)
}

func TestCloneLoadsUnreadOwnedAssociations(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := replicator.New(newRegistry(t), store)

	// a person read without its relations
	person := &testsupport.Person{ID: 1, Name: "Ada"}
	rex := &testsupport.Pet{ID: 3, Name: "Rex", OwnerID: 1}
	tom := &testsupport.Pet{ID: 4, Name: "Tom", OwnerID: 1}
	passport := &testsupport.Passport{ID: 2, Number: "X1", PersonID: 1}
	store.hold(person, "Pets", rex, tom)
	store.hold(person, "Passport", passport)

	out, err := r.Clone(ctx, person, nil)
	require.NoError(t, err)
	clone := out.(*testsupport.Person)

	require.Len(t, clone.Pets, 2)
	for i, pet := range clone.Pets {
		assert.NotSame(t, []*testsupport.Pet{rex, tom}[i], pet)
		assert.Same(t, clone, pet.Owner)
		assert.Zero(t, pet.ID)
	}
	require.NotNil(t, clone.Passport)
	assert.NotSame(t, passport, clone.Passport)
	assert.Same(t, clone, clone.Passport.Person)

	assert.Equal(t, []*testsupport.Pet{rex, tom}, person.Pets)
	assert.Same(t, passport, person.Passport)
	assert.Len(t, store.persisted, 4)
}

func TestCloneSkipsLoadingWithoutIdentity(t *testing.T) {
	store := newFakeStore()
	r := replicator.New(newRegistry(t), store)

	_, err := r.Clone(context.Background(), &testsupport.Person{Name: "new"}, nil)
	require.NoError(t, err)
	assert.Empty(t, store.loads)
}
