package accessor

import (
	"errors"
	"fmt"
	"reflect"

	goerrors "github.com/goliatone/go-errors"
)

const (
	// TextCodeUnknownField marks writes or reads against a field the target type does not have.
	TextCodeUnknownField = "UNKNOWN_FIELD"
	// TextCodeInvalidValue marks values that cannot be assigned to the target field.
	TextCodeInvalidValue = "INVALID_VALUE"
)

func unknownField(typ reflect.Type, name string) error {
	return goerrors.New(
		fmt.Sprintf("cannot access property, type %s has no property named %q", typ, name),
		goerrors.CategoryBadInput,
	).WithTextCode(TextCodeUnknownField).WithMetadata(map[string]any{
		"type":  typ.String(),
		"field": name,
	})
}

func invalidValue(typ reflect.Type, name string, value any) error {
	return goerrors.New(
		fmt.Sprintf("cannot assign %T to %s.%s", value, typ, name),
		goerrors.CategoryBadInput,
	).WithTextCode(TextCodeInvalidValue).WithMetadata(map[string]any{
		"type":  typ.String(),
		"field": name,
	})
}

// IsUnknownField reports whether err was produced for a missing field.
func IsUnknownField(err error) bool {
	return hasTextCode(err, TextCodeUnknownField)
}

// IsInvalidValue reports whether err was produced for an unassignable value.
func IsInvalidValue(err error) bool {
	return hasTextCode(err, TextCodeInvalidValue)
}

func hasTextCode(err error, code string) bool {
	var e *goerrors.Error
	return errors.As(err, &e) && e.TextCode == code
}
