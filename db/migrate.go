package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migration files follow golang-migrate naming, one directory per dialect:
//
//	migrations/<dialect>/000001_description.up.sql
//	migrations/<dialect>/000001_description.down.sql
//
//go:embed migrations
var migrationFS embed.FS

// newMigrate builds a migrate instance over the store's dialect. The
// returned cleanup must be called when done.
func (s *Store) newMigrate() (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationFS, "migrations/"+string(s.dialect))
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	var (
		driver  database.Driver
		cleanup = func() {}
	)
	switch s.dialect {
	case Postgres:
		// The pgx driver pins a connection and closes its *sql.DB on Close,
		// so it gets a pool of its own.
		conn, err := sql.Open("pgx", s.dsn)
		if err != nil {
			return nil, nil, err
		}
		driver, err = migratepgx.WithInstance(conn, &migratepgx.Config{})
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}
		cleanup = func() { _ = driver.Close() }
	default:
		// The sqlite driver's Close closes the shared pool; it is left open.
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite driver: %w", err)
		}
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, cleanup, nil
}

// Migrate applies every pending migration. It is idempotent.
func (s *Store) Migrate() error {
	m, cleanup, err := s.newMigrate()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("err", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration. It may drop data.
func (s *Store) MigrateDown() error {
	m, cleanup, err := s.newMigrate()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied version and dirty flag; 0 when none.
func (s *Store) MigrationVersion() (version uint, dirty bool, err error) {
	m, cleanup, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	defer cleanup()

	v, d, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, d, nil
}
