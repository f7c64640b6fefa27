package repository_test

import (
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/hydrator"
	"github.com/goliatone/go-repository-graph/manager"
	"github.com/goliatone/go-repository-graph/metadata"
	"github.com/goliatone/go-repository-graph/pkg/testsupport"
	"github.com/goliatone/go-repository-graph/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func newManager(t *testing.T) *manager.EntityManager {
	t.Helper()
	db := testsupport.OpenSchemaDB(t)
	registry, err := metadata.NewRegistry(db, testsupport.Models()...)
	require.NoError(t, err)
	return manager.New(db, registry)
}

func newRepository[T any](t *testing.T, em *manager.EntityManager, opts ...repository.Option) *repository.Repository[T] {
	t.Helper()
	r, err := repository.New[T](em, opts...)
	require.NoError(t, err)
	return r
}

// seed stores Ada with pets Rex and Tom, Grace with Ann, and a stray pet.
func seed(t *testing.T, em *manager.EntityManager) (*testsupport.Person, *testsupport.Person) {
	t.Helper()
	ctx := context.Background()
	people := newRepository[testsupport.Person](t, em)

	ada := &testsupport.Person{Name: "Ada", Email: "ada@example.com", Address: testsupport.Address{City: "London"}}
	ada.Pets = []*testsupport.Pet{{Name: "Rex", Species: "dog"}, {Name: "Tom", Species: "cat"}}
	ada.Passport = &testsupport.Passport{Number: "P-1"}

	grace := &testsupport.Person{Name: "Grace", Email: "grace@example.com", Address: testsupport.Address{City: "New York"}}
	grace.Pets = []*testsupport.Pet{{Name: "Ann", Species: "dog"}}

	require.NoError(t, people.Store(ctx, ada, false))
	require.NoError(t, people.Store(ctx, grace, false))
	require.NoError(t, em.Persist(ctx, &testsupport.Pet{Name: "Stray", Species: "cat"}))
	require.NoError(t, people.Flush(ctx))
	return ada, grace
}

func petNames(pets []*testsupport.Pet) []string {
	names := make([]string, len(pets))
	for i, p := range pets {
		names[i] = p.Name
	}
	return names
}

func TestNewRejectsUnregisteredTypes(t *testing.T) {
	_, err := repository.New[struct{ ID int }](newManager(t))
	require.Error(t, err)
}

func TestNewRejectsInvalidDefaultOrder(t *testing.T) {
	_, err := repository.New[testsupport.Pet](newManager(t), repository.WithDefaultOrder(repository.Order{Property: "name", Direction: "up"}))
	require.Error(t, err)
	assert.True(t, repository.IsInvalidOrder(err))
}

func TestCreateFillsWithoutPersisting(t *testing.T) {
	em := newManager(t)
	people := newRepository[testsupport.Person](t, em)
	ctx := context.Background()

	ada, err := people.Create(ctx, map[string]any{"id": 9, "name": "Ada", "address": map[string]any{"city": "London"}}, true)
	require.NoError(t, err)
	assert.Zero(t, ada.ID)
	assert.Equal(t, "Ada", ada.Name)
	assert.Equal(t, "London", ada.Address.City)
	assert.False(t, em.Contains(ada))

	require.NoError(t, people.Store(ctx, ada, true))
	assert.NotZero(t, ada.ID)
	assert.True(t, em.Contains(ada))

	require.NoError(t, people.Update(ctx, ada, map[string]any{"email": "ada@example.com"}, true))
	require.NoError(t, people.Flush(ctx))

	people.Clear()
	loaded, err := people.Find(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", loaded.Email)
}

func TestFindByScalarUsesIdentityMap(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	people := newRepository[testsupport.Person](t, em)
	ctx := context.Background()

	found, err := people.Find(ctx, ada.ID)
	require.NoError(t, err)
	assert.Same(t, ada, found)

	people.Clear()
	reloaded, err := people.Find(ctx, ada.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.NotSame(t, ada, reloaded)
	assert.Equal(t, "Ada", reloaded.Name)

	again, err := people.Find(ctx, map[string]any{"id": ada.ID})
	require.NoError(t, err)
	assert.Same(t, reloaded, again)
}

func TestFindNilAndMissing(t *testing.T) {
	people := newRepository[testsupport.Person](t, newManager(t))
	ctx := context.Background()

	found, err := people.Find(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = people.Find(ctx, 404)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByCriteriaMap(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	pets := newRepository[testsupport.Pet](t, em)
	ctx := context.Background()

	rex, err := pets.Find(ctx, map[string]any{"name": "Rex", "owner": ada})
	require.NoError(t, err)
	assert.Same(t, ada.Pets[0], rex)

	none, err := pets.Find(ctx, map[string]any{"name": "Nobody"})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = pets.Find(ctx, map[string]any{"species": "dog"})
	require.Error(t, err)
	assert.True(t, hydrator.IsInvalidIdentity(err))
}

func TestFindCompoundIdentifier(t *testing.T) {
	em := newManager(t)
	memberships := newRepository[testsupport.Membership](t, em)
	ctx := context.Background()

	gold := &testsupport.Membership{OrgID: 1, UserID: 2, Level: "gold"}
	require.NoError(t, memberships.Store(ctx, gold, true))

	_, err := memberships.Find(ctx, 1)
	require.Error(t, err)
	assert.True(t, hydrator.IsInvalidIdentity(err))

	memberships.Clear()
	found, err := memberships.Find(ctx, map[string]any{"org_id": 1, "user_id": 2})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "gold", found.Level)

	partial, err := memberships.Find(ctx, map[string]any{"org_id": 1})
	require.NoError(t, err)
	assert.Same(t, found, partial)
}

func TestFindByOperators(t *testing.T) {
	em := newManager(t)
	seed(t, em)
	pets := newRepository[testsupport.Pet](t, em, repository.WithDefaultOrder(repository.Asc("name")))
	ctx := context.Background()

	tests := []struct {
		name     string
		criteria map[string]any
		want     []string
	}{
		{name: "equal", criteria: map[string]any{"species": "dog"}, want: []string{"Ann", "Rex"}},
		{name: "in", criteria: map[string]any{"name": []string{"Rex", "Stray"}}, want: []string{"Rex", "Stray"}},
		{name: "empty in", criteria: map[string]any{"name": []string{}}, want: []string{}},
		{name: "like", criteria: map[string]any{"name": repository.Like("%a%")}, want: []string{"Ann", "Stray"}},
		{name: "null association", criteria: map[string]any{"owner": nil}, want: []string{"Stray"}},
		{name: "column name", criteria: map[string]any{"owner_id": nil, "species": "cat"}, want: []string{"Stray"}},
		{name: "no criteria", criteria: nil, want: []string{"Ann", "Rex", "Stray", "Tom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := pets.FindBy(ctx, tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.want, petNames(found))
		})
	}
}

func TestFindByAssociationPaths(t *testing.T) {
	em := newManager(t)
	ada, grace := seed(t, em)
	pets := newRepository[testsupport.Pet](t, em, repository.WithDefaultOrder(repository.Asc("name")))
	ctx := context.Background()

	byEntity, err := pets.FindBy(ctx, map[string]any{"owner": ada})
	require.NoError(t, err)
	assert.Equal(t, []string{"Rex", "Tom"}, petNames(byEntity))

	byList, err := pets.FindBy(ctx, map[string]any{"owner": []*testsupport.Person{ada, grace}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Rex", "Tom"}, petNames(byList))

	em.Clear()

	byPath, err := pets.FindBy(ctx, map[string]any{"owner.name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, []string{"Rex", "Tom"}, petNames(byPath))
	require.NotNil(t, byPath[0].Owner)
	assert.Equal(t, "Ada", byPath[0].Owner.Name)
	assert.Same(t, byPath[0].Owner, byPath[1].Owner)
	assert.True(t, em.Contains(byPath[0].Owner))

	nested, err := pets.FindBy(ctx, map[string]any{"owner": map[string]any{"address": map[string]any{"city": "New York"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann"}, petNames(nested))

	ordered, err := pets.FindBy(ctx, map[string]any{"species": "dog"}, repository.WithOrder(repository.Desc("owner.name")))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Rex"}, petNames(ordered))
}

func TestFindByEmbeddedAndJoinedPaths(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	ctx := context.Background()

	people := newRepository[testsupport.Person](t, em)
	found, err := people.FindBy(ctx, map[string]any{"address.city": "London"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, ada, found[0])

	passports := newRepository[testsupport.Passport](t, em)
	byOwnerEmail, err := passports.FindBy(ctx, map[string]any{"person.email": repository.Like("ada@%")})
	require.NoError(t, err)
	require.Len(t, byOwnerEmail, 1)
	assert.Same(t, ada.Passport, byOwnerEmail[0])
}

func TestFindByRejectsUnknownPaths(t *testing.T) {
	em := newManager(t)
	people := newRepository[testsupport.Person](t, em)
	pets := newRepository[testsupport.Pet](t, em)
	ctx := context.Background()

	_, err := people.FindBy(ctx, map[string]any{"shoe_size": 42})
	require.Error(t, err)
	assert.True(t, accessor.IsUnknownField(err))

	_, err = people.FindBy(ctx, map[string]any{"pets.name": "Rex"})
	require.Error(t, err)
	assert.True(t, accessor.IsUnknownField(err))

	_, err = people.FindBy(ctx, map[string]any{"passport": 1})
	require.Error(t, err)

	_, err = pets.FindBy(ctx, map[string]any{"owner.shoe_size": 1})
	require.Error(t, err)
	assert.True(t, accessor.IsUnknownField(err))
}

func TestFindByPagination(t *testing.T) {
	em := newManager(t)
	seed(t, em)
	pets := newRepository[testsupport.Pet](t, em)
	ctx := context.Background()

	var total int
	page, err := pets.FindBy(ctx, nil,
		repository.WithOrder(repository.Desc("name")),
		repository.WithLimit(2),
		repository.WithOffset(1),
		repository.WithTotal(&total),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"Stray", "Rex"}, petNames(page))
	assert.Equal(t, 4, total)

	_, err = pets.FindBy(ctx, nil, repository.WithOrder(repository.Order{Property: "name", Direction: "sideways"}))
	require.Error(t, err)
	assert.True(t, repository.IsInvalidOrder(err))
}

func TestDefaultOrderMergesUnderCallerOrder(t *testing.T) {
	em := newManager(t)
	seed(t, em)
	pets := newRepository[testsupport.Pet](t, em, repository.WithDefaultOrder(repository.Asc("name")))
	ctx := context.Background()

	all, err := pets.FindAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Rex", "Stray", "Tom"}, petNames(all))

	desc, err := pets.FindAll(ctx, repository.Desc("name"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Tom", "Stray", "Rex", "Ann"}, petNames(desc))

	bySpecies, err := pets.FindAll(ctx, repository.Desc("species"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Rex", "Stray", "Tom"}, petNames(bySpecies))
}

func TestCriteriaFilter(t *testing.T) {
	em := newManager(t)
	seed(t, em)
	calls := 0
	pets := newRepository[testsupport.Pet](t, em,
		repository.WithDefaultOrder(repository.Asc("name")),
		repository.WithCriteriaFilter("search", func(q *bun.SelectQuery, value any) *bun.SelectQuery {
			calls++
			return q.Where("?TableAlias.name LIKE ?", "%"+strings.ToLower(value.(string))+"%")
		}),
	)
	ctx := context.Background()

	found, err := pets.FindBy(ctx, map[string]any{"search": "O", "species": "cat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Tom"}, petNames(found))
	assert.Equal(t, 1, calls)

	skipped, err := pets.FindBy(ctx, map[string]any{"search": ""})
	require.NoError(t, err)
	assert.Len(t, skipped, 4)
	assert.Equal(t, 1, calls)
}

func TestFindOneByAndCount(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	pets := newRepository[testsupport.Pet](t, em)
	ctx := context.Background()

	first, err := pets.FindOneBy(ctx, map[string]any{"owner": ada}, repository.Desc("name"))
	require.NoError(t, err)
	assert.Same(t, ada.Pets[1], first)

	missing, err := pets.FindOneBy(ctx, map[string]any{"name": "Nobody"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, err := pets.Count(ctx, map[string]any{"species": "dog"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = pets.Count(ctx, map[string]any{"owner.name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = pets.Count(ctx, map[string]any{"color": "brown"})
	require.Error(t, err)
}

func TestQuery(t *testing.T) {
	em := newManager(t)
	ada, grace := seed(t, em)
	pets := newRepository[testsupport.Pet](t, em, repository.WithDefaultOrder(repository.Asc("name")))
	ctx := context.Background()

	dogs, err := pets.Query(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.species = ?", "dog")
	})
	require.NoError(t, err)
	require.Equal(t, 2, dogs.Len())
	assert.Same(t, grace.Pets[0], dogs.At(0))
	assert.Same(t, ada.Pets[0], dogs.At(1))

	n, err := pets.QueryCount(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.owner_id IS NULL")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemoveAndDetach(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	pets := newRepository[testsupport.Pet](t, em)
	ctx := context.Background()

	tom := ada.Pets[1]
	require.NoError(t, pets.Remove(ctx, tom, true))
	gone, err := pets.Find(ctx, tom.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	rex := ada.Pets[0]
	pets.Detach(rex)
	assert.False(t, em.Contains(rex))

	reloaded, err := pets.Find(ctx, rex.ID)
	require.NoError(t, err)
	assert.NotSame(t, rex, reloaded)
	assert.Equal(t, "Rex", reloaded.Name)
}

func TestReplicateCopiesOwnedGraph(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	people := newRepository[testsupport.Person](t, em)
	ctx := context.Background()

	copyOfAda, err := people.Replicate(ctx, ada, map[string]any{"Name": "Ada II"})
	require.NoError(t, err)
	require.NotNil(t, copyOfAda)
	assert.NotSame(t, ada, copyOfAda)
	require.NoError(t, people.Flush(ctx))

	assert.NotZero(t, copyOfAda.ID)
	assert.NotEqual(t, ada.ID, copyOfAda.ID)
	assert.Equal(t, "Ada II", copyOfAda.Name)
	require.Len(t, copyOfAda.Pets, 2)
	for i, pet := range copyOfAda.Pets {
		assert.NotSame(t, ada.Pets[i], pet)
		assert.Equal(t, copyOfAda.ID, pet.OwnerID)
	}
	require.NotNil(t, copyOfAda.Passport)
	assert.Equal(t, copyOfAda.ID, copyOfAda.Passport.PersonID)

	pets := newRepository[testsupport.Pet](t, em)
	n, err := pets.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = people.Count(ctx, map[string]any{"name": repository.Like("Ada%")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	none, err := people.Replicate(ctx, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReplicateLoadsOwnedGraphOfFoundEntity(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	em.Clear()

	people := newRepository[testsupport.Person](t, em)
	ctx := context.Background()

	found, err := people.Find(ctx, ada.ID)
	require.NoError(t, err)
	require.NotNil(t, found)

	copyOfAda, err := people.Replicate(ctx, found, map[string]any{"Name": "Ada II"})
	require.NoError(t, err)
	require.NoError(t, people.Flush(ctx))

	require.Len(t, copyOfAda.Pets, 2)
	assert.ElementsMatch(t, []string{"Rex", "Tom"}, petNames(copyOfAda.Pets))
	for _, pet := range copyOfAda.Pets {
		assert.Equal(t, copyOfAda.ID, pet.OwnerID)
	}
	require.NotNil(t, copyOfAda.Passport)
	assert.Equal(t, copyOfAda.ID, copyOfAda.Passport.PersonID)

	pets := newRepository[testsupport.Pet](t, em)
	n, err := pets.Count(ctx, map[string]any{"owner": copyOfAda})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	passports := newRepository[testsupport.Passport](t, em)
	n, err = passports.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAttach(t *testing.T) {
	em := newManager(t)
	ada, _ := seed(t, em)
	people := newRepository[testsupport.Person](t, em)

	tracked, err := people.Attach(ada, nil)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Same(t, ada, tracked[0])

	outside := &testsupport.Person{ID: ada.ID, Name: "Ada"}
	canonical, err := people.Attach(outside)
	require.NoError(t, err)
	assert.Same(t, ada, canonical[0])

	em.Clear()
	withPets := &testsupport.Person{ID: ada.ID, Name: "Ada", Pets: ada.Pets}
	adopted, err := people.Attach(withPets)
	require.NoError(t, err)
	assert.NotSame(t, withPets, adopted[0])
	assert.Empty(t, adopted[0].Pets)
	assert.True(t, em.Contains(adopted[0]))
	assert.Len(t, withPets.Pets, 2)
}

func TestResource(t *testing.T) {
	pets := newRepository[testsupport.Pet](t, newManager(t))
	assert.Equal(t, "pets", pets.Resource())
	assert.Equal(t, "Pet", pets.Metadata().Name)
}
