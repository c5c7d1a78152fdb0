// Package database provides SQLite and PostgreSQL connectivity for SmartTrash Core.
//
// SQLite holds users and audit logs, and refresh tokens when the sqlite token
// store is selected. PostgreSQL is only opened for the postgres token store.
//
// Schema changes are goose migrations registered by the migrations package:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// All queries use parameterised statements and the SQLite file is created
// with 0600 permissions.
package database
