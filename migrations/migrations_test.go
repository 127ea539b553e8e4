package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplyCreatesSchema(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := Apply(context.Background(), db, DialectSQLite); err != nil {
		t.Fatalf("apply: %v", err)
	}

	for _, table := range []string{"conversations", "turns", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := Apply(context.Background(), db, DialectSQLite); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := Apply(context.Background(), db, DialectSQLite); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count versions: %v", err)
	}
	if count != 1 {
		t.Fatalf("applied versions = %d, want 1", count)
	}
}

func TestApplyRejectsUnknownDialect(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := Apply(context.Background(), db, "oracle"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}
