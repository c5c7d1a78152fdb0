package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// Goose dialect names.
const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "pgx"
)

// SQLiteMigrations and PostgresMigrations hold goose migration files at the
// root of each filesystem. The migrations package registers them from
// embedded files; a nil FS means there is nothing to apply.
var (
	SQLiteMigrations   fs.FS
	PostgresMigrations fs.FS
)

// MigrationStatus reports the schema version of a database.
type MigrationStatus struct {
	// Current is the last applied version (0 when nothing is applied).
	Current int64

	// Latest is the highest version available in the migration files.
	Latest int64
}

// Pending reports whether migrations remain to be applied.
func (s MigrationStatus) Pending() bool {
	return s.Latest > s.Current
}

// goose keeps its filesystem and dialect in package state.
var gooseMu sync.Mutex

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func configureGoose(dialect string, fsys fs.FS) error {
	goose.SetBaseFS(fsys)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	return nil
}

func migrateUp(ctx context.Context, db *sql.DB, dialect string, fsys fs.FS) error {
	if fsys == nil {
		return nil
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configureGoose(dialect, fsys); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Migrate applies all pending SQLite migrations in version order.
// Each migration runs in its own transaction; a failure leaves earlier
// migrations committed and re-running Migrate continues from the failed one.
func (db *DB) Migrate(ctx context.Context) error {
	return migrateUp(ctx, db.DB, dialectSQLite, SQLiteMigrations)
}

// MigrateDown rolls back the most recent migration.
// This is primarily for development and testing.
func (db *DB) MigrateDown(ctx context.Context) error {
	if SQLiteMigrations == nil {
		return nil
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configureGoose(dialectSQLite, SQLiteMigrations); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, db.DB, "."); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}
	return nil
}

// GetMigrationStatus returns the applied and available schema versions.
func (db *DB) GetMigrationStatus(ctx context.Context) (MigrationStatus, error) {
	var status MigrationStatus
	if SQLiteMigrations == nil {
		return status, nil
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configureGoose(dialectSQLite, SQLiteMigrations); err != nil {
		return status, err
	}

	current, err := goose.GetDBVersionContext(ctx, db.DB)
	if err != nil {
		return status, fmt.Errorf("reading schema version: %w", err)
	}
	status.Current = current

	migrations, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		if errors.Is(err, goose.ErrNoMigrationFiles) {
			return status, nil
		}
		return status, fmt.Errorf("collecting migrations: %w", err)
	}
	if last, err := migrations.Last(); err == nil {
		status.Latest = last.Version
	}
	return status, nil
}
