package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// PostgresConfig contains connection settings for the PostgreSQL token store.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Postgres wraps a pgx-backed sql.DB.
type Postgres struct {
	*sql.DB
}

// OpenPostgres connects through the pgx stdlib driver and verifies the
// connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying postgres connection: %w", err)
	}
	return &Postgres{DB: sqlDB}, nil
}

// Migrate applies the embedded PostgreSQL migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	return migrateUp(ctx, p.DB, dialectPostgres, PostgresMigrations)
}

// HealthCheck verifies the database answers a trivial query.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return ping(ctx, p.DB)
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	if err := p.DB.Close(); err != nil {
		return fmt.Errorf("closing postgres: %w", err)
	}
	return nil
}
