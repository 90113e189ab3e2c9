// Package testenv builds the throwaway dependencies package tests share: a
// migrated SQLite repository, an in-process Redis for leases and an
// in-memory search engine seeded with documents.
package testenv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/lease"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/payload"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/search"
	"github.com/telhawk-systems/casehawk/internal/search/memsearch"
)

// IndexPrefix is the index prefix tests use.
const IndexPrefix = "casehawk"

// Repository returns a migrated SQLite repository in a temp dir.
func Repository(t testing.TB) repository.Repository {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver: repository.DriverSQLite,
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "casehawk.db")},
	}
	require.NoError(t, repository.Migrate(cfg, logging.Discard().Logger))
	repo, err := repository.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

// Locker returns a lease locker backed by miniredis.
func Locker(t testing.TB) (*lease.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cfg := config.RedisConfig{Enabled: true, KeyPrefix: "test:lease:", LeaseTTL: time.Minute}
	return lease.New(client, cfg, logging.Discard().Logger), mr
}

// File registers a queued file of caseID.
func File(t testing.TB, repo repository.Repository, caseID int64, path, format string) *repository.FileRecord {
	t.Helper()
	f := &repository.FileRecord{CaseID: caseID, StoragePath: path, SourceFormat: format}
	require.NoError(t, repo.CreateFile(context.Background(), f))
	return f
}

// Doc is a document to seed: its id, owning file and raw JSON payload.
type Doc struct {
	ID     string
	FileID int64
	Raw    string
}

// Seed writes docs into the case index of caseID and returns the index name.
func Seed(t testing.TB, engine *memsearch.Engine, caseID int64, docs ...Doc) string {
	t.Helper()
	ctx := context.Background()
	index := search.IndexName(IndexPrefix, caseID)
	require.NoError(t, engine.EnsureIndex(ctx, index))

	batch := make([]search.Document, 0, len(docs))
	for _, d := range docs {
		raw := d.Raw
		if raw == "" {
			raw = "{}"
		}
		p, err := payload.Parse([]byte(raw))
		require.NoError(t, err)
		ev := event.Event{Payload: p, Source: event.SourceRef{FileID: d.FileID}}
		ev.FillUnknown()
		batch = append(batch, search.Document{ID: d.ID, Body: ev.Document(caseID, time.Now())})
	}
	res, err := engine.BulkUpsert(ctx, index, batch)
	require.NoError(t, err)
	require.Zero(t, res.Failed)
	return index
}
