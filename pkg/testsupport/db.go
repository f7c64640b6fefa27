package testsupport

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// OpenDB opens a private in-memory SQLite database wrapped in bun. The
// connection pool is pinned to a single connection so every query sees the
// same memory database. The database is closed when the test ends.
func OpenDB(t testing.TB) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// OpenSchemaDB opens an in-memory database and creates tables for Models().
func OpenSchemaDB(t testing.TB) *bun.DB {
	t.Helper()

	db := OpenDB(t)
	if err := CreateSchema(context.Background(), db, Models()...); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

// CreateSchema creates a table for every model.
func CreateSchema(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}
