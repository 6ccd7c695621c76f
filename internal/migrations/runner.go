// Package migrations applies embedded SQL migrations in order.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

const migrationsTable = "_tbs_migrations"

// Applied records one applied migration.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// Runner applies migrations from an fs.FS against a pool.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	fsys   fs.FS
}

// NewRunner creates a Runner over the embedded migration files.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return NewRunnerWithFS(pool, logger, embeddedMigrations)
}

// NewRunnerWithFS creates a Runner over a custom filesystem. Tests use
// this to inject failing migrations.
func NewRunnerWithFS(pool *pgxpool.Pool, logger *slog.Logger, fsys fs.FS) *Runner {
	return &Runner{pool: pool, logger: logger, fsys: fsys}
}

// Bootstrap creates the migrations bookkeeping table. Idempotent.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, migrationsTable))
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

// Run applies all pending migrations in filename order, each inside its
// own transaction. It returns the number applied and stops at the first
// failure, leaving the failed migration rolled back.
func (r *Runner) Run(ctx context.Context) (int, error) {
	entries, err := fs.ReadDir(r.fsys, "sql")
	if err != nil {
		return 0, fmt.Errorf("reading migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	appliedSet := make(map[string]bool)
	applied, err := r.GetApplied(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range applied {
		appliedSet[a.Name] = true
	}

	count := 0
	for _, name := range names {
		if appliedSet[name] {
			continue
		}
		if err := r.apply(ctx, name); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *Runner) apply(ctx context.Context, name string) error {
	data, err := fs.ReadFile(r.fsys, "sql/"+name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction for %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return fmt.Errorf("applying migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (name) VALUES ($1)", migrationsTable), name); err != nil {
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migration %s: %w", name, err)
	}

	r.logger.Info("applied migration", "name", name)
	return nil
}

// GetApplied returns applied migrations in application order.
func (r *Runner) GetApplied(ctx context.Context) ([]Applied, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf("SELECT name, applied_at FROM %s ORDER BY name", migrationsTable))
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
