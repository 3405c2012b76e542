package db

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID keys the advisory lock held while migrating.
const migrationLockID = 4172001

// Migrate applies pending SQL migrations in lexicographic order and records
// each in schema_migrations.
func Migrate(ctx context.Context, pool Pool) error {
	log := zap.L().With(zap.String("component", "db.migrate"))

	// Overlapping deploys must not migrate concurrently.
	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "db: acquire migration lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("db: failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return eris.Wrap(err, "db: ensure migration table")
	}

	names, err := MigrationNames()
	if err != nil {
		return err
	}

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "db: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "db: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())", name,
		); err != nil {
			return eris.Wrapf(err, "db: record migration %s", name)
		}
	}
	return nil
}

// MigrationNames lists the embedded migration files in apply order.
func MigrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func appliedMigrations(ctx context.Context, pool Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "db: iterate migrations")
}
