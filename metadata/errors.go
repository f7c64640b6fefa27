package metadata

import (
	"errors"
	"fmt"
	"reflect"

	goerrors "github.com/goliatone/go-errors"
)

const (
	// TextCodeUnknownEntity marks lookups for types that were never registered.
	TextCodeUnknownEntity = "UNKNOWN_ENTITY"
	// TextCodeUnknownMappingKind marks associations whose kind is outside the closed set.
	TextCodeUnknownMappingKind = "UNKNOWN_MAPPING_KIND"
)

func unknownEntity(typ reflect.Type) error {
	name := "<nil>"
	if typ != nil {
		name = typ.String()
	}
	return goerrors.New(
		fmt.Sprintf("entity %s is not registered", name),
		goerrors.CategoryNotFound,
	).WithTextCode(TextCodeUnknownEntity).WithMetadata(map[string]any{
		"type": name,
	})
}

// UnknownMappingKind builds the error returned for an association whose
// kind cannot be handled.
func UnknownMappingKind(a *Association) error {
	return goerrors.New(
		fmt.Sprintf("unknown mapping kind %d on %s.%s", int(a.Kind), a.Source, a.Field),
		goerrors.CategoryInternal,
	).WithTextCode(TextCodeUnknownMappingKind).WithMetadata(map[string]any{
		"type":  fmt.Sprint(a.Source),
		"field": a.Field,
		"kind":  int(a.Kind),
	})
}

// IsUnknownEntity reports whether err was produced for an unregistered type.
func IsUnknownEntity(err error) bool {
	return hasTextCode(err, TextCodeUnknownEntity)
}

// IsUnknownMappingKind reports whether err was produced for an unknown association kind.
func IsUnknownMappingKind(err error) bool {
	return hasTextCode(err, TextCodeUnknownMappingKind)
}

func hasTextCode(err error, code string) bool {
	var e *goerrors.Error
	return errors.As(err, &e) && e.TextCode == code
}
