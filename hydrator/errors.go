package hydrator

import (
	"errors"
	"fmt"
	"reflect"

	goerrors "github.com/goliatone/go-errors"
)

const (
	// TextCodeUnknownAssociation marks association fields whose target cannot be resolved.
	TextCodeUnknownAssociation = "UNKNOWN_ASSOCIATION"
	// TextCodeInvalidIdentity marks identifiers that cannot address a single entity.
	TextCodeInvalidIdentity = "INVALID_IDENTITY"
)

func unknownAssociation(typ reflect.Type, field string, source error) error {
	msg := fmt.Sprintf("could not determine target entity for field %q on %s", field, typ)
	var err *goerrors.Error
	if source != nil {
		err = goerrors.Wrap(source, goerrors.CategoryBadInput, msg)
	} else {
		err = goerrors.New(msg, goerrors.CategoryBadInput)
	}
	return err.WithTextCode(TextCodeUnknownAssociation).WithMetadata(map[string]any{
		"type":  typ.String(),
		"field": field,
	})
}

// InvalidIdentity builds the error returned when an identifier does not
// match the identifier fields of typ.
func InvalidIdentity(typ reflect.Type, msg string) error {
	return goerrors.New(
		fmt.Sprintf("invalid identity for %s: %s", typ, msg),
		goerrors.CategoryBadInput,
	).WithTextCode(TextCodeInvalidIdentity).WithMetadata(map[string]any{
		"type": typ.String(),
	})
}

// IsUnknownAssociation reports whether err was produced for an unresolvable association.
func IsUnknownAssociation(err error) bool {
	return hasTextCode(err, TextCodeUnknownAssociation)
}

// IsInvalidIdentity reports whether err was produced for a malformed identifier.
func IsInvalidIdentity(err error) bool {
	return hasTextCode(err, TextCodeInvalidIdentity)
}

func hasTextCode(err error, code string) bool {
	var e *goerrors.Error
	return errors.As(err, &e) && e.TextCode == code
}
