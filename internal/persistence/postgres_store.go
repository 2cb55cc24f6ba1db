package persistence

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// NewPostgresStore initializes the required schema in the given database and
// returns a Store backed by PostgreSQL.
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, dialect{
		name:              "postgres",
		numbered:          true,
		isUniqueViolation: isPostgresUniqueViolation,
	})
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
