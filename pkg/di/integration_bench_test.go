package di

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/goliatone/go-repository-graph/config"
	"github.com/goliatone/go-repository-graph/manager"
	"github.com/goliatone/go-repository-graph/pkg/testsupport"
	"github.com/goliatone/go-repository-graph/repositorycache"
	"github.com/goliatone/go-repository-graph/repository"
)

// scopedRepository returns a cached repository over a manager of its own,
// as a request handler would, sharing the container's cache.
func scopedRepository[T any](tb testing.TB, c *Container) *repositorycache.CachedRepository[T] {
	tb.Helper()
	em, err := c.Manager("")
	if err != nil {
		tb.Fatalf("Manager() failed: %v", err)
	}
	base, err := repository.New[T](manager.New(em.DB(), em.Registry()))
	if err != nil {
		tb.Fatalf("repository.New() failed: %v", err)
	}
	return WrapRepository[T](c, base)
}

// seedPeople stores n people, each with one pet, and returns their ids.
func seedPeople(tb testing.TB, c *Container, n int) []int64 {
	tb.Helper()
	people, err := NewRepository[testsupport.Person](c)
	if err != nil {
		tb.Fatalf("NewRepository() failed: %v", err)
	}
	ctx := context.Background()
	ids := make([]int64, 0, n)
	batch := make([]*testsupport.Person, 0, n)
	for i := 0; i < n; i++ {
		p := &testsupport.Person{Name: fmt.Sprintf("person-%03d", i)}
		p.Pets = []*testsupport.Pet{{Name: fmt.Sprintf("pet-%03d", i), Species: "dog"}}
		if err := people.Store(ctx, p, false); err != nil {
			tb.Fatalf("Store() failed: %v", err)
		}
		batch = append(batch, p)
	}
	if err := people.Flush(ctx); err != nil {
		tb.Fatalf("Flush() failed: %v", err)
	}
	for _, p := range batch {
		ids = append(ids, p.ID)
	}
	people.Clear()
	return ids
}

func newBenchContainer(b *testing.B) *Container {
	b.Helper()
	cfg := testConfig()
	container, err := NewContainer(cfg, testsupport.Models(), WithConnection(cfg.DefaultManager, testsupport.OpenSchemaDB(b)))
	if err != nil {
		b.Fatalf("NewContainer() failed: %v", err)
	}
	b.Cleanup(func() { _ = container.Close() })
	return container
}

func TestConcurrentAccess(t *testing.T) {
	container, counter := newCountingContainer(t, testConfig())
	ids := seedPeople(t, container, 5)

	people, err := NewCachedRepository[testsupport.Person](container)
	if err != nil {
		t.Fatalf("NewCachedRepository() failed: %v", err)
	}

	// warm the cache so concurrent readers never reach the database
	ctx := context.Background()
	for _, id := range ids {
		if _, err := people.Find(ctx, id); err != nil {
			t.Fatalf("Find() failed: %v", err)
		}
	}
	before := counter.count()

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		scoped := scopedRepository[testsupport.Person](t, container)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := ids[(g+i)%len(ids)]
				p, err := scoped.Find(ctx, id)
				if err != nil {
					errs <- err
					return
				}
				if p == nil || p.ID != id {
					errs <- fmt.Errorf("unexpected person for %d: %+v", id, p)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if got := counter.count() - before; got != 0 {
		t.Errorf("expected every read to be a cache hit, got %d selects", got)
	}
}

func TestConcurrentFindBy(t *testing.T) {
	container, _ := newCountingContainer(t, testConfig())
	seedPeople(t, container, 10)

	pets, err := NewCachedRepository[testsupport.Pet](container)
	if err != nil {
		t.Fatalf("NewCachedRepository() failed: %v", err)
	}

	// managers are not safe for concurrent use: the cache is warmed through
	// the container's manager and every reader gets a scope of its own
	ctx := context.Background()
	for page := 0; page < 5; page++ {
		if _, err := pets.FindBy(ctx, map[string]any{"species": "dog"}, repository.WithOrder(repository.Asc("name")), repository.WithLimit(2), repository.WithOffset(page*2)); err != nil {
			t.Fatalf("FindBy() failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		scoped := scopedRepository[testsupport.Pet](t, container)
		go func(page int) {
			defer wg.Done()
			rows, err := scoped.FindBy(ctx, map[string]any{"species": "dog"}, repository.WithOrder(repository.Asc("name")), repository.WithLimit(2), repository.WithOffset(page*2))
			if err != nil {
				t.Errorf("FindBy() failed: %v", err)
				return
			}
			want := fmt.Sprintf("pet-%03d", page*2)
			if len(rows) != 2 || rows[0].Name != want {
				t.Errorf("page %d: expected %s first, got %v", page, want, rows)
			}
		}(g % 5)
	}
	wg.Wait()
}

func BenchmarkCachedVsBaseRepository(b *testing.B) {
	ctx := context.Background()

	b.Run("base", func(b *testing.B) {
		container := newBenchContainer(b)
		ids := seedPeople(b, container, 20)
		people, err := NewRepository[testsupport.Person](container)
		if err != nil {
			b.Fatalf("NewRepository() failed: %v", err)
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := people.FindBy(ctx, map[string]any{"id": ids[i%len(ids)]}); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("cached", func(b *testing.B) {
		container := newBenchContainer(b)
		ids := seedPeople(b, container, 20)
		people, err := NewCachedRepository[testsupport.Person](container)
		if err != nil {
			b.Fatalf("NewCachedRepository() failed: %v", err)
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := people.FindBy(ctx, map[string]any{"id": ids[i%len(ids)]}); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkKeySerialization(b *testing.B) {
	cfg := config.DefaultConfig()
	container, err := NewContainer(cfg, testsupport.Models())
	if err != nil {
		b.Fatalf("NewContainer() failed: %v", err)
	}
	keys := container.KeySerializer()

	owner := &testsupport.Person{ID: 7, Name: "Ada"}
	owner.Pets = []*testsupport.Pet{{ID: 1, Name: "Rex", Owner: owner}}

	cases := []struct {
		name string
		args []any
	}{
		{name: "scalar", args: []any{int64(7)}},
		{name: "criteria", args: []any{map[string]any{"species": "dog", "name": []string{"Rex", "Tom"}}}},
		{name: "entity graph", args: []any{map[string]any{"owner": owner}}},
	}
	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				keys.SerializeKey("graph::pets::FindBy", tc.args...)
			}
		})
	}
}
