package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending up migration for the store's driver.
func (s *SQLStore) Migrate() error {
	src, err := iofs.New(migrations, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var driver database.Driver
	switch s.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(s.conn, &postgres.Config{})
	case DriverSqlite:
		driver, err = sqlite.WithInstance(s.conn, &sqlite.Config{})
	default:
		err = fmt.Errorf("unsupported database driver %q", s.driver)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, driver)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}
