package database

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
)

// useMigrations swaps the registered SQLite migrations for the test.
func useMigrations(t *testing.T, fsys fs.FS) {
	t.Helper()
	orig := SQLiteMigrations
	SQLiteMigrations = fsys
	t.Cleanup(func() { SQLiteMigrations = orig })
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, os.DirFS("testdata"))
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "test_users") {
		t.Fatal("table test_users not created")
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO test_users (id, name, email) VALUES ('1', 'a', 'a@example.com')"); err != nil {
		t.Fatalf("second migration not applied: %v", err)
	}

	status, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if status.Current != 2 || status.Latest != 2 || status.Pending() {
		t.Errorf("GetMigrationStatus() = %+v, want current=latest=2", status)
	}

	// Idempotent.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, os.DirFS("testdata"))
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	status, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if status.Current != 1 || !status.Pending() {
		t.Errorf("after MigrateDown status = %+v, want current=1 with pending", status)
	}
	if !tableExists(t, db, "test_users") {
		t.Error("first migration should still be applied")
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	useMigrations(t, nil)
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err != nil {
		t.Errorf("Migrate() with no migrations error = %v", err)
	}
	status, err := db.GetMigrationStatus(context.Background())
	if err != nil || status.Pending() {
		t.Errorf("GetMigrationStatus() = %+v, %v", status, err)
	}
}

func TestMigrateBrokenSQL(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"00001_broken.sql": {Data: []byte("-- +goose Up\nCREATE TABLE (;\n")},
	})
	db := openTestDB(t)

	if err := db.Migrate(context.Background()); err == nil {
		t.Error("Migrate() with invalid SQL should fail")
	}
}

func TestPostgresMigrate(t *testing.T) {
	orig, origFS := gooseUpContext, PostgresMigrations
	t.Cleanup(func() {
		gooseUpContext = orig
		PostgresMigrations = origFS
	})

	sqlDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer sqlDB.Close()

	var calledWith string
	gooseUpContext = func(_ context.Context, db *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		if db != sqlDB {
			t.Error("goose received a different *sql.DB")
		}
		calledWith = dir
		return nil
	}
	PostgresMigrations = fstest.MapFS{"00001_x.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")}}

	pg := &Postgres{DB: sqlDB}
	if err := pg.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if calledWith != "." {
		t.Errorf("goose dir = %q, want %q", calledWith, ".")
	}

	errBoom := errors.New("boom")
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error { return errBoom }
	if err := pg.Migrate(context.Background()); !errors.Is(err, errBoom) {
		t.Errorf("Migrate() error = %v, want wrapped boom", err)
	}
}

func TestPostgresHealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer sqlDB.Close()

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	if err := (&Postgres{DB: sqlDB}).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
