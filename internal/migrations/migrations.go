package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var schemaFiles embed.FS

// RunMigrations brings the database schema up to the embedded migration set.
// With autoMigrate disabled it reports the current version and returns without
// applying anything, so operators can run migrations out of band.
func RunMigrations(db *sql.DB, autoMigrate bool) error {
	source, err := iofs.New(schemaFiles, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	if dirty {
		// An interrupted migration leaves the version flagged dirty. The
		// schema here is a single baseline, so forcing the recorded version
		// and re-running Up is safe.
		slog.Warn("[Migrations] Dirty schema version, forcing recovery", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("recover dirty schema at version %d: %w", version, err)
		}
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migrate disabled, leaving schema untouched",
			"version", version, "dirty", dirty)
		return nil
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("[Migrations] Schema up to date", "version", version)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	applied, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version after migrate: %w", err)
	}
	slog.Info("[Migrations] Schema migrated", "from", version, "to", applied)
	return nil
}
