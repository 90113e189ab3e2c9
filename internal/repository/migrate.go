package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/telhawk-systems/casehawk/internal/config"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Open connects to the store selected by cfg.Driver. Migrations are not
// applied; call Migrate first.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return NewPostgresRepository(ctx, cfg.Postgres.ConnString(), cfg.Postgres.MaxConns)
	case DriverSQLite:
		return NewSQLiteRepository(ctx, cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Migrate applies every pending up migration.
func Migrate(cfg config.DatabaseConfig, logger *slog.Logger) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("database migrations applied", "driver", cfg.Driver, "version", version, "dirty", dirty)
	return nil
}

// MigrateDown rolls back every migration.
func MigrateDown(cfg config.DatabaseConfig, logger *slog.Logger) error {
	m, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	logger.Info("database migrations rolled back", "driver", cfg.Driver)
	return nil
}

func newMigrate(cfg config.DatabaseConfig) (*migrate.Migrate, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return newMigrateURL(cfg.Driver, cfg.Postgres.ConnString())
	case DriverSQLite:
		return newMigrateURL(cfg.Driver, cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// newMigrateURL takes a postgres:// connection string or a SQLite path.
func newMigrateURL(driver, target string) (*migrate.Migrate, error) {
	var dir, url string
	switch driver {
	case DriverPostgres:
		dir = "migrations/postgres"
		// The pgx/v5 driver registers the pgx5 scheme.
		url = "pgx5://" + strings.TrimPrefix(strings.TrimPrefix(target, "postgresql://"), "postgres://")
	case DriverSQLite:
		dir = "migrations/sqlite"
		url = "sqlite://" + target
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}
