package retriever

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/payload"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/search"
	"github.com/telhawk-systems/casehawk/internal/search/memsearch"
)

const testIndex = "casehawk-case-1"

func seed(t *testing.T, n int) *memsearch.Engine {
	t.Helper()
	engine := memsearch.New()
	docs := make([]search.Document, n)
	for i := range docs {
		docs[i] = search.Document{
			ID:   fmt.Sprintf("doc-%05d", i),
			Body: event.Document{CaseID: 1, FileID: 1, FileIDs: []int64{1}, Raw: payload.EmptyObject()},
		}
	}
	require.NoError(t, engine.EnsureIndex(context.Background(), testIndex))
	_, err := engine.BulkUpsert(context.Background(), testIndex, docs)
	require.NoError(t, err)
	return engine
}

func newRetriever(engine Scroller, pageSize, maxPages int) *Retriever {
	return New(engine, config.HuntConfig{PageSize: pageSize, MaxPages: maxPages, ScrollKeepAlive: time.Minute},
		retry.None, logging.Discard().Logger)
}

func TestEach_VisitsEveryDocument(t *testing.T) {
	engine := seed(t, 1005)
	r := newRetriever(engine, 100, 0)

	seen := map[string]bool{}
	stats, err := r.Each(context.Background(), testIndex, search.Term(search.FieldCaseID, 1), func(_ context.Context, hits []search.Hit) error {
		for _, h := range hits {
			assert.False(t, seen[h.ID], "duplicate hit %s", h.ID)
			seen[h.ID] = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 1005)
	assert.Equal(t, 11, stats.Pages)
	assert.Equal(t, int64(1005), stats.Hits)
	assert.Equal(t, int64(1005), stats.Total)
	assert.False(t, stats.Truncated)
	assert.Zero(t, engine.OpenScrolls())
}

func TestEach_NoMatches(t *testing.T) {
	engine := seed(t, 10)
	r := newRetriever(engine, 100, 0)

	calls := 0
	stats, err := r.Each(context.Background(), testIndex, search.Term(search.FieldCaseID, 2), func(context.Context, []search.Hit) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Zero(t, stats.Pages)
	assert.Zero(t, engine.OpenScrolls())
}

func TestEach_TruncatesAtMaxPages(t *testing.T) {
	engine := seed(t, 50)
	r := newRetriever(engine, 10, 3)

	stats, err := r.Each(context.Background(), testIndex, search.MatchAll(), func(context.Context, []search.Hit) error { return nil })
	require.NoError(t, err)
	assert.True(t, stats.Truncated)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, int64(30), stats.Hits)
	assert.Equal(t, int64(50), stats.Total)
	assert.Zero(t, engine.OpenScrolls())
}

func TestEach_StopsOnCallbackError(t *testing.T) {
	engine := seed(t, 50)
	r := newRetriever(engine, 10, 0)

	boom := errors.New("commit failed")
	stats, err := r.Each(context.Background(), testIndex, search.MatchAll(), func(context.Context, []search.Hit) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, stats.Pages)
	assert.Zero(t, engine.OpenScrolls(), "scroll is cleared on error")
}

func TestEach_CancelledBetweenPages(t *testing.T) {
	engine := seed(t, 50)
	r := newRetriever(engine, 10, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stats, err := r.Each(ctx, testIndex, search.MatchAll(), func(context.Context, []search.Hit) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Pages)
	assert.Zero(t, engine.OpenScrolls())
	assert.Equal(t, failure.ClassCancelled, failure.Classify(err))
}
