package persistence

import (
	"database/sql"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a Store backed by SQLite.
//
// It expects an *sql.DB opened with the "sqlite" driver from
// modernc.org/sqlite, which this package registers. An in-memory database
// must be limited to a single connection (db.SetMaxOpenConns(1)) because
// every new connection to ":memory:" sees an empty database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, dialect{
		name:              "sqlite",
		isUniqueViolation: isSQLiteUniqueViolation,
	})
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
