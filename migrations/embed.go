// Package migrations embeds the goose SQL migrations into the binary and
// registers them with the database package.
//
// sqlite/ holds the main schema (users, refresh_tokens, audit_logs).
// postgres/ holds the refresh_tokens schema for the PostgreSQL token store.
package migrations

import (
	"embed"
	"io/fs"

	"github.com/trsang/smarttrash-core/internal/infrastructure/database"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

func init() {
	database.SQLiteMigrations = mustSub("sqlite")
	database.PostgresMigrations = mustSub("postgres")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		panic(err) // unreachable: dir is a literal embedded above
	}
	return sub
}
