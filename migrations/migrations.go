// Package migrations applies the embedded schema migrations for the capture
// store. Files run in lexical order and each applied version is recorded in
// schema_migrations so reruns are no-ops.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

func Apply(ctx context.Context, db *sql.DB, dialect string) error {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return fmt.Errorf("unknown migration dialect %q", dialect)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(files, dialect+"/*.sql")
	if err != nil {
		return fmt.Errorf("list %s migrations: %w", dialect, err)
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := versionApplied(ctx, db, dialect, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		body, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := recordVersion(ctx, tx, dialect, name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func versionApplied(ctx context.Context, db *sql.DB, dialect, name string) (bool, error) {
	query := `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`
	if dialect == DialectPostgres {
		query = `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`
	}
	var count int
	if err := db.QueryRowContext(ctx, query, name).Scan(&count); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return count > 0, nil
}

func recordVersion(ctx context.Context, tx *sql.Tx, dialect, name string) error {
	query := `INSERT INTO schema_migrations (version) VALUES (?)`
	if dialect == DialectPostgres {
		query = `INSERT INTO schema_migrations (version) VALUES ($1)`
	}
	if _, err := tx.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}
