// Package config holds the settings for managers, the hydrator and the
// repository cache, loaded from YAML and GRAPH_ prefixed environment
// variables.
package config

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-graph/cache"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GRAPH_DEFAULT_MANAGER.
const EnvPrefix = "GRAPH"

// Drivers lists the supported database drivers.
var Drivers = []string{"sqlite3", "sqlite", "postgres", "pgx"}

// Config is the root configuration.
type Config struct {
	DefaultManager string                   `mapstructure:"default_manager"`
	Managers       map[string]ManagerConfig `mapstructure:"managers"`
	Hydrator       HydratorConfig           `mapstructure:"hydrator"`
	Cache          cache.Config             `mapstructure:"cache"`
}

// ManagerConfig describes one named entity manager and its connection.
type ManagerConfig struct {
	Driver       string   `mapstructure:"driver"`
	DSN          string   `mapstructure:"dsn"`
	Debug        bool     `mapstructure:"debug"`
	MaxOpenConns int      `mapstructure:"max_open_conns"`
	// Models restricts the manager to the named entity types. Empty means all.
	Models []string `mapstructure:"models"`
}

// HydratorConfig configures the field hydrator.
type HydratorConfig struct {
	DefaultProtection []string `mapstructure:"default_protection"`
}

// DefaultConfig returns a single in-memory SQLite manager, full default
// protection and the default cache settings.
func DefaultConfig() Config {
	return Config{
		DefaultManager: "default",
		Managers: map[string]ManagerConfig{
			"default": {
				Driver: "sqlite3",
				DSN:    "file::memory:?cache=shared",
			},
		},
		Hydrator: HydratorConfig{
			DefaultProtection: []string{"*"},
		},
		Cache: cache.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefaultManager,
			validation.Required,
			validation.By(func(value any) error {
				name, _ := value.(string)
				if _, ok := c.Managers[name]; !ok {
					return validation.NewError("validation_default_manager", "must name a configured manager")
				}
				return nil
			}),
		),
		validation.Field(&c.Managers, validation.Required),
		validation.Field(&c.Cache),
	)
}

// Validate checks one manager entry.
func (m ManagerConfig) Validate() error {
	drivers := make([]any, len(Drivers))
	for i, d := range Drivers {
		drivers[i] = d
	}
	return validation.ValidateStruct(&m,
		validation.Field(&m.Driver, validation.Required, validation.In(drivers...)),
		validation.Field(&m.DSN, validation.Required),
		validation.Field(&m.MaxOpenConns, validation.Min(0)),
	)
}

// Load reads path (when not empty) over the defaults, applies GRAPH_
// environment overrides and validates the result. Managers declared in
// the file replace the default manager set.
func Load(path string) (Config, error) {
	defaults := DefaultConfig()

	v := viper.New()
	v.SetDefault("default_manager", defaults.DefaultManager)
	v.SetDefault("hydrator.default_protection", defaults.Hydrator.DefaultProtection)
	v.SetDefault("cache.capacity", defaults.Cache.Capacity)
	v.SetDefault("cache.num_shards", defaults.Cache.NumShards)
	v.SetDefault("cache.ttl", defaults.Cache.TTL)
	v.SetDefault("cache.eviction_percentage", defaults.Cache.EvictionPercentage)
	v.SetDefault("cache.missing_record_storage", defaults.Cache.MissingRecordStorage)
	v.SetDefault("cache.eviction_interval", defaults.Cache.EvictionInterval)
	v.SetDefault("cache.broadcast.addr", "")
	v.SetDefault("cache.broadcast.channel", cache.DefaultBroadcastChannel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read config file "+path)
		}
	}

	cfg := defaults
	cfg.Managers = nil
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to decode config")
	}
	if len(cfg.Managers) == 0 {
		cfg.Managers = defaults.Managers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "invalid config")
	}
	return cfg, nil
}

// Manager returns the named manager config; an empty name selects the default.
func (c Config) Manager(name string) (ManagerConfig, bool) {
	if name == "" {
		name = c.DefaultManager
	}
	m, ok := c.Managers[name]
	return m, ok
}
