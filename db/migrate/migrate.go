// Package migrate applies the controller's embedded SQL schema.
//
// Files in migrations/ are named NNN_name.sql and applied in version order,
// each in its own transaction. Applied versions are recorded in
// schema_migrations so a file is never run twice.
//
//	store, _ := store.NewPostgresStoreFromURL(ctx, databaseURL)
//	if err := migrate.Run(ctx, store.Pool(), logger); err != nil {
//	    ...
//	}
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the subset of *pgxpool.Pool used by migrations.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Record is an applied migration.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status lists applied and pending migrations.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
}

type migration struct {
	version int
	name    string
	sql     string
}

func (m migration) String() string {
	return fmt.Sprintf("%03d_%s", m.version, m.name)
}

// Run applies every migration not yet recorded in schema_migrations.
func Run(ctx context.Context, db DB, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	pending, applied, err := plan(ctx, db)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info("database schema is up to date", "version", len(applied))
		return nil
	}

	for _, mig := range pending {
		logger.Info("applying migration", "migration", mig.String())
		if err := apply(ctx, db, mig); err != nil {
			return fmt.Errorf("applying migration %s: %w", mig, err)
		}
	}
	logger.Info("migrations complete", "applied", len(pending), "total", len(applied)+len(pending))
	return nil
}

// GetStatus reports applied and pending migrations.
func GetStatus(ctx context.Context, db DB) (*Status, error) {
	pending, applied, err := plan(ctx, db)
	if err != nil {
		return nil, err
	}
	status := &Status{Applied: applied}
	for _, m := range pending {
		status.Pending = append(status.Pending, m.String())
	}
	return status, nil
}

func plan(ctx context.Context, db DB) ([]migration, []Record, error) {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}

	available, err := availableMigrations()
	if err != nil {
		return nil, nil, err
	}
	var pending []migration
	for _, m := range available {
		if !done[m.version] {
			pending = append(pending, m)
		}
	}
	return pending, applied, nil
}

func appliedMigrations(ctx context.Context, db DB) ([]Record, error) {
	rows, err := db.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	})
}

func availableMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		out = append(out, migration{version: version, name: name, sql: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("duplicate migration version %03d", out[i].version)
		}
	}
	return out, nil
}

// parseMigrationFilename splits "001_initial_schema.sql" into 1 and "initial_schema".
func parseMigrationFilename(filename string) (int, string, error) {
	num, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %q (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid version number in %q", filename)
	}
	return version, name, nil
}

func apply(ctx context.Context, db DB, mig migration) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.sql); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}
