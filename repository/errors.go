package repository

import (
	"errors"
	"fmt"
	"reflect"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-graph/accessor"
	"github.com/goliatone/go-repository-graph/collection"
)

// TextCodeInvalidOrder marks an ordering direction other than asc or desc.
const TextCodeInvalidOrder = collection.TextCodeInvalidOrder

func unknownCriteria(typ reflect.Type, key string) error {
	return goerrors.New(
		fmt.Sprintf("cannot filter %s by %q: no such field or association", typ, key),
		goerrors.CategoryBadInput,
	).WithTextCode(accessor.TextCodeUnknownField).WithMetadata(map[string]any{
		"type":  typ.String(),
		"field": key,
	})
}

func unsupportedCriteria(typ reflect.Type, key, reason string) error {
	return goerrors.New(
		fmt.Sprintf("cannot filter %s by %q: %s", typ, key, reason),
		goerrors.CategoryBadInput,
	).WithTextCode(accessor.TextCodeUnknownField).WithMetadata(map[string]any{
		"type":  typ.String(),
		"field": key,
	})
}

func invalidOrder(direction string) error {
	return goerrors.New(
		fmt.Sprintf("invalid direction %s specified", direction),
		goerrors.CategoryBadInput,
	).WithTextCode(TextCodeInvalidOrder)
}

// IsInvalidOrder reports whether err was produced for a bad sort direction.
func IsInvalidOrder(err error) bool {
	var ge *goerrors.Error
	return errors.As(err, &ge) && ge.TextCode == TextCodeInvalidOrder
}
