package manager

import (
	"database/sql"
	"reflect"
	"sort"
	"sync"

	"github.com/goliatone/go-repository-graph/config"
	"github.com/goliatone/go-repository-graph/metadata"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry hands out named entity managers built lazily from config. Each
// name keeps one connection and one metadata registry; ResetManager swaps
// the unit of work without reconnecting.
type Registry struct {
	mu          sync.Mutex
	cfg         config.Config
	models      []any
	logger      *zap.Logger
	subscribers []Subscriber

	dbs      map[string]*bun.DB
	metas    map[string]*metadata.Registry
	managers map[string]*EntityManager
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to managers and query hooks.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConnection supplies an open database for name instead of dialing the
// configured DSN. The registry closes it on Close.
func WithConnection(name string, db *bun.DB) RegistryOption {
	return func(r *Registry) {
		r.dbs[name] = db
	}
}

// WithManagerSubscribers subscribes every manager the registry builds.
func WithManagerSubscribers(subs ...Subscriber) RegistryOption {
	return func(r *Registry) {
		r.subscribers = append(r.subscribers, subs...)
	}
}

// NewRegistry creates a registry for models over the managers in cfg.
func NewRegistry(cfg config.Config, models []any, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		models:   models,
		logger:   zap.NewNop(),
		dbs:      make(map[string]*bun.DB),
		metas:    make(map[string]*metadata.Registry),
		managers: make(map[string]*EntityManager),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultManagerName returns the configured default manager name.
func (r *Registry) DefaultManagerName() string {
	return r.cfg.DefaultManager
}

// Names returns the configured manager names, default first.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.cfg.Managers))
	for name := range r.cfg.Managers {
		if name != r.cfg.DefaultManager {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := r.cfg.Managers[r.cfg.DefaultManager]; ok {
		names = append([]string{r.cfg.DefaultManager}, names...)
	}
	return names
}

// Manager returns the named manager, building it on first use. An empty
// name selects the default manager.
func (r *Registry) Manager(name string) (*EntityManager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manager(name)
}

// ManagerForType returns the first manager, in Names order, whose models
// include typ.
func (r *Registry) ManagerForType(typ reflect.Type) (*EntityManager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ = metadata.TypeOf(typ)
	for _, name := range r.Names() {
		if !r.serves(name, typ) {
			continue
		}
		return r.manager(name)
	}
	return nil, unknownManager("for " + typ.String())
}

// ResetManager drops the named manager so the next call builds a fresh
// unit of work over the same connection, and returns it.
func (r *Registry) ResetManager(name string) (*EntityManager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		name = r.cfg.DefaultManager
	}
	delete(r.managers, name)
	return r.manager(name)
}

// Close closes every connection the registry holds.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for name, db := range r.dbs {
		err = multierr.Append(err, db.Close())
		delete(r.dbs, name)
	}
	r.metas = make(map[string]*metadata.Registry)
	r.managers = make(map[string]*EntityManager)
	return err
}

func (r *Registry) manager(name string) (*EntityManager, error) {
	if name == "" {
		name = r.cfg.DefaultManager
	}
	if m, ok := r.managers[name]; ok {
		return m, nil
	}

	mcfg, ok := r.cfg.Managers[name]
	if !ok {
		return nil, unknownManager(name)
	}

	db, ok := r.dbs[name]
	if !ok {
		var err error
		if db, err = Open(mcfg, r.logger); err != nil {
			return nil, err
		}
		r.dbs[name] = db
	}

	meta, ok := r.metas[name]
	if !ok {
		var err error
		if meta, err = metadata.NewRegistry(db, r.modelsFor(mcfg)...); err != nil {
			return nil, err
		}
		r.metas[name] = meta
	}

	m := New(db, meta, WithLogger(r.logger.With(zap.String("manager", name))), WithSubscribers(r.subscribers...))
	r.managers[name] = m
	r.logger.Debug("manager ready", zap.String("manager", name), zap.String("driver", mcfg.Driver))
	return m, nil
}

func (r *Registry) serves(name string, typ reflect.Type) bool {
	for _, model := range r.modelsFor(r.cfg.Managers[name]) {
		if metadata.TypeOf(model) == typ {
			return true
		}
	}
	return false
}

func (r *Registry) modelsFor(mcfg config.ManagerConfig) []any {
	if len(mcfg.Models) == 0 {
		return r.models
	}
	var out []any
	for _, model := range r.models {
		name := metadata.TypeOf(model).Name()
		for _, allowed := range mcfg.Models {
			if allowed == name {
				out = append(out, model)
				break
			}
		}
	}
	return out
}

// Open connects to the database described by cfg and wraps it in bun with
// the matching dialect. Debug configs log every query.
func Open(cfg config.ManagerConfig, logger *zap.Logger) (*bun.DB, error) {
	var db *bun.DB
	switch cfg.Driver {
	case "sqlite3", "sqlite":
		sqldb, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, wrap(err, "open sqlite")
		}
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case "postgres", "pgx":
		sqldb, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, wrap(err, "open "+cfg.Driver)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		return nil, unknownDriver(cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Debug {
		db.AddQueryHook(NewQueryLogger(logger))
	}
	return db, nil
}
