package hydrator

import (
	"context"
	"reflect"
	"sort"
	"strings"

	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/metadata"
	"go.uber.org/zap"
)

// FilterFunc converts a raw input value for a logical type. Values that
// cannot be converted come back as nil.
type FilterFunc func(value any) any

// Finder loads an entity by identifier. A missing row is (nil, nil).
type Finder interface {
	Find(ctx context.Context, typ reflect.Type, id map[string]any) (any, error)
}

// Hydrator assigns request-shaped data onto entities.
type Hydrator struct {
	registry   *metadata.Registry
	finder     Finder
	accessor   *accessor.Accessor
	filters    map[string]FilterFunc
	protection []string
	logger     *zap.Logger
}

// Option configures a Hydrator.
type Option func(*Hydrator)

// WithAccessor shares a property accessor (and its descriptor cache).
func WithAccessor(acc *accessor.Accessor) Option {
	return func(h *Hydrator) {
		if acc != nil {
			h.accessor = acc
		}
	}
}

// WithDefaultProtection sets the protection used for entities that declare none.
func WithDefaultProtection(keys ...string) Option {
	return func(h *Hydrator) {
		h.protection = append([]string(nil), keys...)
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hydrator) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a Hydrator. Entities that declare no protection are fully
// protected unless WithDefaultProtection says otherwise.
func New(registry *metadata.Registry, finder Finder, opts ...Option) *Hydrator {
	h := &Hydrator{
		registry:   registry,
		finder:     finder,
		accessor:   accessor.New(),
		filters:    make(map[string]FilterFunc),
		protection: []string{"*"},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Accessor returns the property accessor used for writes.
func (h *Hydrator) Accessor() *accessor.Accessor {
	return h.accessor
}

// AddFilter registers fn for a logical type name, replacing any previous one.
// Filters must be registered before fills start.
func (h *Hydrator) AddFilter(typeName string, fn FilterFunc) {
	h.filters[typeName] = fn
}

// Fill assigns data onto entity in sorted key order. With protect set, keys
// in the entity's protection set are skipped. Dotted keys whose head is an
// embedded value or a to-one association are folded into a nested map.
func (h *Hydrator) Fill(ctx context.Context, entity any, data map[string]any, protect bool) error {
	meta, err := h.registry.MetadataFor(entity)
	if err != nil {
		return err
	}

	work := make(map[string]any, len(data))
	var dotted []string
	for key, value := range data {
		if protect && h.IsProtected(meta, key) {
			h.logger.Debug("skipping protected field",
				zap.String("entity", meta.Name),
				zap.String("field", key),
			)
			continue
		}
		if head, _, ok := strings.Cut(key, "."); ok && h.nestable(meta, head) {
			dotted = append(dotted, key)
			continue
		}
		work[key] = value
	}

	sort.Strings(dotted)
	owned := map[string]bool{}
	for _, key := range dotted {
		head, rest, _ := strings.Cut(key, ".")
		existing, present := work[head]
		nested, isMap := existing.(map[string]any)
		switch {
		case !present:
			nested = map[string]any{}
			owned[head] = true
		case isMap && !owned[head]:
			nested = copyMap(nested)
			owned[head] = true
		case !isMap:
			work[key] = data[key]
			continue
		}
		nested[rest] = data[key]
		work[head] = nested
	}

	for _, key := range sortedKeys(work) {
		if err := h.fillKey(ctx, meta, entity, key, work[key], protect); err != nil {
			return err
		}
	}
	return nil
}

// IsProtected reports whether key (or its first dotted segment) is in the
// protection set of meta.
func (h *Hydrator) IsProtected(meta *metadata.ClassMetadata, key string) bool {
	keys, declared := meta.Protection()
	if !declared {
		keys = h.protection
	}

	head, _, _ := strings.Cut(key, ".")
	candidates := []string{key, head, logicalKey(meta, head)}
	for _, p := range keys {
		if p == "*" {
			return true
		}
		for _, c := range candidates {
			if p == c {
				return true
			}
		}
	}
	return false
}

func (h *Hydrator) fillKey(ctx context.Context, meta *metadata.ClassMetadata, entity any, key string, value any, protect bool) error {
	if a, ok := meta.Association(key); ok {
		return h.fillAssociation(ctx, entity, a, value)
	}
	if e, ok := meta.EmbeddedField(key); ok {
		return h.fillEmbedded(meta, entity, e, value, protect)
	}
	if f, ok := meta.Field(key); ok {
		return h.fillScalar(entity, f.Name, f, value)
	}
	return h.accessor.Set(entity, key, value)
}

func (h *Hydrator) fillEmbedded(meta *metadata.ClassMetadata, entity any, e *metadata.Embedded, value any, protect bool) error {
	data, ok := value.(map[string]any)
	if !ok {
		return h.accessor.Set(entity, e.Name, value)
	}

	for _, key := range sortedKeys(data) {
		if protect && h.IsProtected(meta, e.Key+"."+key) {
			continue
		}
		if f, ok := e.Field(key); ok {
			if err := h.fillScalar(entity, e.Name+"."+f.Name, f, data[key]); err != nil {
				return err
			}
			continue
		}
		if err := h.accessor.Set(entity, e.Name+"."+key, data[key]); err != nil {
			return err
		}
	}
	return nil
}

// fillScalar converts value for f and writes it at path. A value the field
// cannot hold leaves the field empty.
func (h *Hydrator) fillScalar(entity any, path string, f *metadata.Field, value any) error {
	err := h.accessor.Set(entity, path, h.convert(f, value))
	if accessor.IsInvalidValue(err) {
		return h.accessor.Set(entity, path, nil)
	}
	return err
}

func (h *Hydrator) convert(f *metadata.Field, value any) any {
	if fn, ok := h.filters[f.TypeName]; ok {
		return fn(value)
	}
	return coerce(f, value)
}

func (h *Hydrator) nestable(meta *metadata.ClassMetadata, head string) bool {
	if _, ok := meta.EmbeddedField(head); ok {
		return true
	}
	a, ok := meta.Association(head)
	return ok && !a.IsToMany()
}

func logicalKey(meta *metadata.ClassMetadata, name string) string {
	if f, ok := meta.Field(name); ok {
		return f.Key
	}
	if e, ok := meta.EmbeddedField(name); ok {
		return e.Key
	}
	if a, ok := meta.Association(name); ok {
		return a.Key
	}
	return name
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
