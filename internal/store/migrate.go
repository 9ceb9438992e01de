package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplyMigrations runs every embedded migration not yet recorded in
// schema_migrations, each in its own transaction, in file name order.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return err
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		var exists bool
		if e := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); e != nil {
			return e
		}
		if exists {
			continue
		}

		sqlBytes, e := migrationsFS.ReadFile(path.Join("migrations", name))
		if e != nil {
			return e
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			return errors.New("empty migration: " + name)
		}

		tx, e := pool.Begin(ctx)
		if e != nil {
			return e
		}
		if _, e = tx.Exec(ctx, sqlText); e != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %s failed: %w", name, e)
		}
		if _, e = tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); e != nil {
			_ = tx.Rollback(ctx)
			return e
		}
		if e := tx.Commit(ctx); e != nil {
			return e
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range entries {
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sql") {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
