package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ApplyMigrations runs every *.up.sql in dir that is not yet recorded in
// schema_migrations, in file name order, and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	files, err := migrationFiles(dir, ".up.sql")
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		version := filepath.Base(file)
		done, err := isMigrated(ctx, db, version)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		if err := runMigration(ctx, db, file, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

// RollbackMigrations runs every *.down.sql in reverse order and forgets the matching up versions.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string) error {
	files, err := migrationFiles(dir, ".down.sql")
	if err != nil {
		return err
	}
	for i := len(files) - 1; i >= 0; i-- {
		version := strings.TrimSuffix(filepath.Base(files[i]), ".down.sql") + ".up.sql"
		if err := runMigration(ctx, db, files[i], `DELETE FROM schema_migrations WHERE version=$1`, version); err != nil {
			return err
		}
	}
	return nil
}

func migrationFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func runMigration(ctx context.Context, db *sql.DB, file, record, version string) error {
	name := filepath.Base(file)
	contents, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
