// Package db manages database connections and schema migrations for the license registry.
// It wraps sqlx for connection pooling and golang-migrate for schema versioning.
// Migrations for each supported dialect are embedded in the binary so the server can
// apply schema changes on startup without external tooling.
package db

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// sql driver names as registered by lib/pq and go-sqlite3
const (
	postgresDriverName = "postgres"
	sqliteDriverName   = "sqlite3"
)

// Connect opens a pooled connection for the given dialect ("postgres" or "sqlite").
// SQLite serialises writers, so its pool is pinned to a single connection; the
// busy timeout in the DSN makes concurrent callers wait instead of failing.
func Connect(dialect, dsn string, maxConnections, minIdleConnections int) (*sqlx.DB, error) {
	driverName, err := driverNameFor(dialect)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driverName == sqliteDriverName {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(maxConnections)
		db.SetMaxIdleConns(minIdleConnections)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// RunMigrations runs database migrations
func RunMigrations(db *sqlx.DB, direction string) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	switch direction {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
	default:
		return fmt.Errorf("invalid migration direction: %s (must be 'up' or 'down')", direction)
	}

	return nil
}

// GetMigrationVersion returns the current migration version
func GetMigrationVersion(db *sqlx.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}

func newMigrator(db *sqlx.DB) (*migrate.Migrate, error) {
	var (
		driver database.Driver
		dir    string
		err    error
	)
	switch db.DriverName() {
	case postgresDriverName:
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
		dir = "migrations/postgres"
	case sqliteDriverName:
		driver, err = sqlite3.WithInstance(db.DB, &sqlite3.Config{})
		dir = "migrations/sqlite"
	default:
		return nil, fmt.Errorf("migrations not supported for driver %q", db.DriverName())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, db.DriverName(), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

func driverNameFor(dialect string) (string, error) {
	switch dialect {
	case "postgres":
		return postgresDriverName, nil
	case "sqlite":
		return sqliteDriverName, nil
	default:
		return "", fmt.Errorf("unsupported database dialect: %s", dialect)
	}
}
