package postgres

import (
	"errors"
	"fmt"

	"github.com/aussiebroadwan/authcore/internal/auth/store/drivers/postgres/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
)

// ApplyMigrations applies any pending migrations from the files embedded in
// the binary. golang-migrate wants a database/sql handle, so it gets one
// borrowed from the pool for the duration of the run.
func (s *Store) ApplyMigrations() error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return fmt.Errorf("postgres: migrate: open embedded migrations: %w", err)
	}
	defer source.Close()

	instance, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, _ := instance.Version()
		return fmt.Errorf("postgres: migrate to latest (at version %d, dirty=%t): %w", version, dirty, err)
	}
	return nil
}
