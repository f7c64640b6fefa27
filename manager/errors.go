package manager

import (
	"errors"
	"fmt"
	"reflect"

	goerrors "github.com/goliatone/go-errors"
	bunrepo "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

const (
	// TextCodeUnknownManager marks lookups for manager names that are not configured.
	TextCodeUnknownManager = "UNKNOWN_MANAGER"
	// TextCodeUnknownDriver marks manager configs naming an unsupported driver.
	TextCodeUnknownDriver = "UNKNOWN_DRIVER"
	// TextCodeDetachedEntity marks operations that need a managed entity.
	TextCodeDetachedEntity = "DETACHED_ENTITY"
)

func unknownManager(name string) error {
	return goerrors.New(
		fmt.Sprintf("manager %q does not exist", name),
		goerrors.CategoryNotFound,
	).WithTextCode(TextCodeUnknownManager).WithMetadata(map[string]any{
		"manager": name,
	})
}

func unknownDriver(driver string) error {
	return goerrors.New(
		fmt.Sprintf("unsupported driver %q", driver),
		goerrors.CategoryBadInput,
	).WithTextCode(TextCodeUnknownDriver).WithMetadata(map[string]any{
		"driver": driver,
	})
}

func detachedEntity(typ reflect.Type, msg string) error {
	return goerrors.New(
		fmt.Sprintf("%s: %s", typ, msg),
		goerrors.CategoryBadInput,
	).WithTextCode(TextCodeDetachedEntity).WithMetadata(map[string]any{
		"type": fmt.Sprint(typ),
	})
}

func badInput(format string, args ...any) error {
	return goerrors.New(fmt.Sprintf(format, args...), goerrors.CategoryBadInput)
}

// wrap marks a driver or bun failure as internal, keeping err as the source.
func wrap(err error, format string, args ...any) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, fmt.Sprintf(format, args...))
}

// WrapError classifies a failed query with the error mappers of the
// manager's dialect. The result keeps err as its source and carries the
// mapped category and text code, such as DUPLICATE_KEY.
func (m *EntityManager) WrapError(err error, format string, args ...any) error {
	return wrapDB(m.db, err, format, args...)
}

func wrapDB(db bun.IDB, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	category, code := goerrors.CategoryInternal, ""
	var mapped *goerrors.RetryableError
	if errors.As(bunrepo.MapDatabaseError(err, driverName(db.Dialect().Name())), &mapped) && mapped.BaseError != nil {
		category, code = mapped.Category, mapped.TextCode
	}
	wrapped := goerrors.Wrap(err, category, fmt.Sprintf(format, args...))
	if code != "" && wrapped.TextCode == "" {
		wrapped = wrapped.WithTextCode(code)
	}
	return wrapped
}

// driverName maps a bun dialect onto the driver names the error mappers
// are keyed by.
func driverName(name dialect.Name) string {
	switch name {
	case dialect.PG:
		return "postgres"
	case dialect.SQLite:
		return "sqlite3"
	case dialect.MSSQL:
		return "mssql"
	default:
		return name.String()
	}
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	return bunrepo.IsDuplicatedKey(err)
}

// IsConstraintViolation reports whether err violates any constraint,
// unique ones included.
func IsConstraintViolation(err error) bool {
	return bunrepo.IsConstraintViolation(err)
}

// IsUnknownManager reports whether err was produced for an unconfigured manager name.
func IsUnknownManager(err error) bool {
	return hasTextCode(err, TextCodeUnknownManager)
}

// IsUnknownDriver reports whether err was produced for an unsupported driver.
func IsUnknownDriver(err error) bool {
	return hasTextCode(err, TextCodeUnknownDriver)
}

// IsDetachedEntity reports whether err was produced for an entity the manager does not track.
func IsDetachedEntity(err error) bool {
	return hasTextCode(err, TextCodeDetachedEntity)
}

func hasTextCode(err error, code string) bool {
	var e *goerrors.Error
	return errors.As(err, &e) && e.TextCode == code
}
