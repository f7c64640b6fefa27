package di

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-repository-graph/cache"
	"github.com/goliatone/go-repository-graph/config"
	"github.com/goliatone/go-repository-graph/pkg/testsupport"
)

func testCacheConfig() cache.Config {
	return cache.Config{
		Capacity:             1000,
		NumShards:            16,
		TTL:                  5 * time.Minute,
		EvictionPercentage:   10,
		MissingRecordStorage: true,
	}
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Cache = testCacheConfig()
	return cfg
}

func newTestContainer(t *testing.T, cfg config.Config, opts ...Option) *Container {
	t.Helper()
	db := testsupport.OpenSchemaDB(t)
	opts = append([]Option{WithConnection(cfg.DefaultManager, db)}, opts...)
	container, err := NewContainer(cfg, testsupport.Models(), opts...)
	if err != nil {
		t.Fatalf("NewContainer() failed: %v", err)
	}
	t.Cleanup(func() { _ = container.Close() })
	return container
}

func TestNewContainer(t *testing.T) {
	cfg := testConfig()
	container := newTestContainer(t, cfg)

	if container.CacheService() == nil {
		t.Error("Container should have a non-nil cache service")
	}
	if container.KeySerializer() == nil {
		t.Error("Container should have a non-nil key serializer")
	}
	if container.TagIndex() == nil {
		t.Error("Container should have a non-nil tag index")
	}

	stored := container.Config()
	if stored.Cache.Capacity != cfg.Cache.Capacity {
		t.Errorf("Expected capacity %d, got %d", cfg.Cache.Capacity, stored.Cache.Capacity)
	}
	if stored.DefaultManager != "default" {
		t.Errorf("Expected default manager, got %q", stored.DefaultManager)
	}

	em, err := container.Manager("")
	if err != nil {
		t.Fatalf("Manager() failed: %v", err)
	}
	if !em.Registry().Has(reflect.TypeOf(testsupport.Person{})) {
		t.Error("expected Person to be registered")
	}
}

func TestNewContainerWithDefaults(t *testing.T) {
	container, err := NewContainerWithDefaults()
	if err != nil {
		t.Fatalf("NewContainerWithDefaults() failed: %v", err)
	}

	defaults := config.DefaultConfig()
	if got := container.Config().Cache.TTL; got != defaults.Cache.TTL {
		t.Errorf("Expected default TTL %v, got %v", defaults.Cache.TTL, got)
	}
	if got := container.Config().Hydrator.DefaultProtection; !reflect.DeepEqual(got, []string{"*"}) {
		t.Errorf("Expected full default protection, got %v", got)
	}
}

func TestNewContainer_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "cache capacity", mutate: func(c *config.Config) { c.Cache.Capacity = 0 }},
		{name: "unknown default manager", mutate: func(c *config.Config) { c.DefaultManager = "missing" }},
		{name: "unknown driver", mutate: func(c *config.Config) {
			c.Managers["default"] = config.ManagerConfig{Driver: "oracle", DSN: "x"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := NewContainer(cfg, testsupport.Models()); err == nil {
				t.Error("NewContainer() should fail with invalid config")
			}
		})
	}
}

func TestNewContainerFromFile(t *testing.T) {
	path := testsupport.WriteFixture(t, t.TempDir(), "graph.yaml", []byte(`
default_manager: main
managers:
  main:
    driver: sqlite3
    dsn: "file:main?mode=memory&cache=shared"
hydrator:
  default_protection: ["id"]
cache:
  capacity: 50
  num_shards: 4
  ttl: 30s
  eviction_percentage: 25
`))

	container, err := NewContainerFromFile(path, testsupport.Models())
	if err != nil {
		t.Fatalf("NewContainerFromFile() failed: %v", err)
	}
	defer container.Close()

	cfg := container.Config()
	if cfg.DefaultManager != "main" {
		t.Errorf("Expected main, got %q", cfg.DefaultManager)
	}
	if cfg.Cache.TTL != 30*time.Second || cfg.Cache.Capacity != 50 {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}

	if _, err := NewContainerFromFile(t.TempDir()+"/missing.yaml", nil); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestContainerSingletonBehavior(t *testing.T) {
	container := newTestContainer(t, testConfig())

	if container.CacheService() != container.CacheService() {
		t.Error("CacheService() should return the same instance")
	}
	if container.KeySerializer() != container.KeySerializer() {
		t.Error("KeySerializer() should return the same instance")
	}

	em, err := container.Manager("")
	if err != nil {
		t.Fatalf("Manager() failed: %v", err)
	}
	if container.Hydrator(em) != container.Hydrator(em) {
		t.Error("Hydrator() should be built once per manager")
	}
	if container.Replicator(em) != container.Replicator(em) {
		t.Error("Replicator() should be built once per manager")
	}

	fresh, err := container.Managers().ResetManager("")
	if err != nil {
		t.Fatalf("ResetManager() failed: %v", err)
	}
	if fresh == em {
		t.Fatal("expected a new manager after reset")
	}
	if container.Hydrator(fresh) == container.Hydrator(em) {
		t.Error("a reset manager should get its own hydrator")
	}
}

func TestKeySerializerIntegration(t *testing.T) {
	container := newTestContainer(t, testConfig())
	keys := container.KeySerializer()

	testCases := []struct {
		name     string
		method   string
		args     []any
		expected string
	}{
		{name: "no args", method: "graph::pets::FindAll", expected: "graph::pets::FindAll"},
		{name: "single arg", method: "graph::pets::Find", args: []any{int64(7)}, expected: "graph::pets::Find::7"},
		{name: "multiple args", method: "graph::pets::FindBy", args: []any{"dog", 10, true}, expected: "graph::pets::FindBy::dog::10::true"},
		{name: "nil arg", method: "graph::pets::Count", args: []any{nil}, expected: "graph::pets::Count::nil"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := keys.SerializeKey(tc.method, tc.args...); got != tc.expected {
				t.Errorf("Expected key %q, got %q", tc.expected, got)
			}
		})
	}

	// entities are keyed by identity once their manager has services
	people, err := NewRepository[testsupport.Person](container)
	if err != nil {
		t.Fatalf("NewRepository() failed: %v", err)
	}
	ada := &testsupport.Person{Name: "Ada"}
	if err := people.Store(context.Background(), ada, true); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	key := keys.SerializeKey("graph::pets::FindBy", map[string]any{"owner": ada})
	if !strings.Contains(key, "owner=Person#") {
		t.Errorf("expected an identity key, got %q", key)
	}
}

func TestCacheServiceIntegration(t *testing.T) {
	container := newTestContainer(t, testConfig())
	service := container.CacheService()
	ctx := context.Background()

	result, err := service.GetOrFetch(ctx, "test-key", func(context.Context) (any, error) {
		return "test-value", nil
	})
	if err != nil {
		t.Fatalf("GetOrFetch() failed: %v", err)
	}
	if result != "test-value" {
		t.Errorf("Expected test-value, got %v", result)
	}

	if err := service.Delete(ctx, "test-key"); err != nil {
		t.Errorf("Delete() failed: %v", err)
	}
}

func TestNewRepositoryRejectsUnservedTypes(t *testing.T) {
	container := newTestContainer(t, testConfig())

	if _, err := NewRepository[struct{ ID int }](container); err == nil {
		t.Error("expected an error for a type no manager serves")
	}
	if _, err := NewCachedRepository[struct{ ID int }](container); err == nil {
		t.Error("expected an error for a type no manager serves")
	}
}
