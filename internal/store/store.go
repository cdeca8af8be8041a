// Package store implements the contact and transaction stores on MySQL.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"gitlab.com/dirk.krummacker/giftagent/internal/config"
)

// ErrNotFound is returned when a row with the requested id does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateOccasion is returned when a transaction for the same contact and occasion
// has already been recorded.
var ErrDuplicateOccasion = errors.New("transaction for this occasion already exists")

// mysqlDuplicateEntry is the MySQL error number of a unique key violation.
const mysqlDuplicateEntry = 1062

//go:embed migrations/*.sql
var migrations embed.FS

// Open initializes and returns a database connection.
func Open(cfg *config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Wrap initializes the sqlx wrapper around an existing database handle. The handle
// can be a real database for production use or a mock database within unit tests.
func Wrap(sqlDB *sql.DB) *sqlx.DB {
	return sqlx.NewDb(sqlDB, "mysql")
}

// Migrate applies all pending schema migrations. It returns the schema version
// after the run.
func Migrate(sqlDB *sql.DB) (uint, error) {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratemysql.WithInstance(sqlDB, &migratemysql.Config{})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "mysql", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
