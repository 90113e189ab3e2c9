package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/logging"
)

func setupSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver: DriverSQLite,
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "casehawk.db")},
	}
	require.NoError(t, Migrate(cfg, logging.Discard().Logger))

	repo, err := NewSQLiteRepository(context.Background(), cfg.SQLite.Path)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	runContract(t, setupSQLite(t))
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver: DriverSQLite,
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "casehawk.db")},
	}
	logger := logging.Discard().Logger
	require.NoError(t, Migrate(cfg, logger))
	require.NoError(t, Migrate(cfg, logger))

	repo, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer repo.Close()
	assert.NoError(t, repo.Ping(context.Background()))

	require.NoError(t, MigrateDown(cfg, logger))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
	assert.Error(t, Migrate(config.DatabaseConfig{Driver: "oracle"}, logging.Discard().Logger))
}
