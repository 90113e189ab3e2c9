package guard

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

func setupRepo(t *testing.T) repository.Repository {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver: repository.DriverSQLite,
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "guard.db")},
	}
	require.NoError(t, repository.Migrate(cfg, logging.Discard().Logger))
	repo, err := repository.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func newFile(t *testing.T, repo repository.Repository) int64 {
	t.Helper()
	f := &repository.FileRecord{CaseID: 1, StoragePath: "/evidence/a.json", SourceFormat: "ndjson"}
	require.NoError(t, repo.CreateFile(context.Background(), f))
	return f.ID
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newGuard(repo repository.Repository, worker string, c *clock) *Guard {
	g := New(repo, worker, time.Minute, logging.Discard().Logger)
	if c != nil {
		g.now = c.now
	}
	return g
}

func TestBegin_ClaimsAndReleases(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	id := newFile(t, repo)
	g := newGuard(repo, "w1", nil)

	ticket, err := g.Begin(ctx, id, repository.OpFull)
	require.NoError(t, err)
	rec, err := repo.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ticket.Token, rec.ActiveTaskToken)
	assert.Equal(t, "w1", rec.TaskOwner)
	assert.Equal(t, repository.StateIndexing, rec.State)

	_, err = g.Begin(ctx, id, repository.OpIOCHunt)
	assert.ErrorIs(t, err, failure.ErrAlreadyProcessing)
	assert.True(t, failure.IsSkip(err))

	require.NoError(t, ticket.CommitIndexed(ctx, repository.StateRuleScanning, 10, 1, "casehawk-case-1"))
	require.NoError(t, ticket.Finish(ctx, nil))
	require.NoError(t, ticket.Finish(ctx, errors.New("ignored")))

	rec, err = repo.GetFile(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Claimed())
	assert.Equal(t, repository.StateCompleted, rec.State)
	assert.True(t, rec.IsIndexed)
	assert.Equal(t, int64(10), rec.EventCount)
	assert.Equal(t, "casehawk-case-1", rec.IndexRef)

	_, err = g.Begin(ctx, id, repository.OpFull)
	assert.ErrorIs(t, err, failure.ErrAlreadyIndexed)

	hunt, err := g.Begin(ctx, id, repository.OpIOCHunt)
	require.NoError(t, err)
	assert.Equal(t, repository.StateIOCHunting, hunt.Record().State)
	require.NoError(t, hunt.Finish(ctx, nil))
}

func TestBegin_ConcurrentFullClaims(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	id := newFile(t, repo)

	const contenders = 2
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Ticket
		losers  []error
	)
	for i := 0; i < contenders; i++ {
		g := newGuard(repo, "worker-"+string(rune('a'+i)), nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := g.Begin(ctx, id, repository.OpFull)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losers = append(losers, err)
				return
			}
			winners = append(winners, ticket)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, losers, 1)
	assert.True(t, errors.Is(losers[0], failure.ErrAlreadyProcessing) || errors.Is(losers[0], failure.ErrAlreadyIndexed))

	require.NoError(t, winners[0].CommitIndexed(ctx, repository.StateCompleted, 1, 0, "idx"))
	require.NoError(t, winners[0].Finish(ctx, nil))

	// A late duplicate of the full task is an idempotent skip.
	_, err := newGuard(repo, "late", nil).Begin(ctx, id, repository.OpFull)
	assert.ErrorIs(t, err, failure.ErrAlreadyIndexed)
}

func TestBegin_ScanRequiresIndex(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	id := newFile(t, repo)
	g := newGuard(repo, "w1", nil)

	for _, op := range []repository.Operation{repository.OpRuleScan, repository.OpIOCHunt} {
		_, err := g.Begin(ctx, id, op)
		assert.ErrorIs(t, err, failure.ErrNotIndexed)
		assert.True(t, failure.IsSkip(err))
	}
	rec, err := repo.GetFile(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Claimed())
	assert.Equal(t, repository.StateQueued, rec.State)

	_, err = g.Begin(ctx, id, repository.Operation("explode"))
	assert.Error(t, err)
}

func TestBegin_ReclaimsStaleToken(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	id := newFile(t, repo)
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	dead := newGuard(repo, "dead", c)
	old, err := dead.Begin(ctx, id, repository.OpReindex)
	require.NoError(t, err)

	alive := newGuard(repo, "alive", c)
	c.advance(30 * time.Second)
	_, err = alive.Begin(ctx, id, repository.OpReindex)
	assert.ErrorIs(t, err, failure.ErrAlreadyProcessing, "fresh claims are respected")

	c.advance(2 * time.Minute)
	fresh, err := alive.Begin(ctx, id, repository.OpReindex)
	require.NoError(t, err)
	assert.NotEqual(t, old.Token, fresh.Token)

	assert.ErrorIs(t, old.Heartbeat(ctx), failure.ErrTokenLost)
	assert.ErrorIs(t, old.Finish(ctx, nil), failure.ErrTokenLost)

	rec, err := repo.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fresh.Token, rec.ActiveTaskToken, "the dead owner cannot release the new claim")
	assert.Equal(t, "alive", rec.TaskOwner)
}

func TestSweep_ReleasesOnlyStaleClaims(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	staleID := newFile(t, repo)
	liveID := newFile(t, repo)
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	g := newGuard(repo, "w1", c)

	_, err := g.Begin(ctx, staleID, repository.OpFull)
	require.NoError(t, err)
	c.advance(50 * time.Second)
	live, err := g.Begin(ctx, liveID, repository.OpFull)
	require.NoError(t, err)

	c.advance(20 * time.Second)
	require.NoError(t, live.Heartbeat(ctx))

	n, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := repo.GetFile(ctx, staleID)
	require.NoError(t, err)
	assert.False(t, rec.Claimed())
	assert.Equal(t, repository.StateFailed, rec.State)
	assert.Equal(t, string(failure.ClassTransient), rec.ErrorClass)
	assert.Contains(t, rec.ErrorDetail, "[transient, retry]")

	rec, err = repo.GetFile(ctx, liveID)
	require.NoError(t, err)
	assert.True(t, rec.Claimed())

	n, err = g.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	g := newGuard(repo, "w1", nil)

	t.Run("running task observes the flag", func(t *testing.T) {
		id := newFile(t, repo)
		ticket, err := g.Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)

		ok, err := g.RequestCancel(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		err = ticket.Heartbeat(ctx)
		require.ErrorIs(t, err, failure.ErrCancelled)
		assert.ErrorIs(t, ticket.Transition(ctx, repository.StateRuleScanning), failure.ErrCancelled)
		require.NoError(t, ticket.Finish(ctx, err))

		rec, err := repo.GetFile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, repository.StateCancelled, rec.State)
		assert.False(t, rec.CancelRequested)
		assert.False(t, rec.Claimed())
	})

	t.Run("queued task is cancelled at start", func(t *testing.T) {
		id := newFile(t, repo)
		_, err := g.RequestCancel(ctx, id)
		require.NoError(t, err)

		_, err = g.Begin(ctx, id, repository.OpFull)
		assert.ErrorIs(t, err, failure.ErrCancelled)
		rec, err := repo.GetFile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, repository.StateCancelled, rec.State)

		ok, err := g.RequestCancel(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "terminal files are not flagged")

		rec, err = g.Queue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, repository.StateQueued, rec.State)
		ticket, err := g.Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)
		require.NoError(t, ticket.Finish(ctx, nil))
	})

	t.Run("case wide", func(t *testing.T) {
		a := newFile(t, repo)
		_, err := g.Begin(ctx, a, repository.OpFull)
		require.NoError(t, err)

		n, err := g.RequestCancelCase(ctx, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		rec, err := repo.GetFile(ctx, a)
		require.NoError(t, err)
		assert.True(t, rec.CancelRequested)
	})
}

func TestFinish_ClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	g := newGuard(repo, "w1", nil)

	tests := []struct {
		name      string
		outcome   error
		wantState repository.State
		wantClass failure.Class
	}{
		{"capacity", &failure.CapacityExceededError{Current: 96, Max: 100, Threshold: 95}, repository.StateFailed, failure.ClassCapacity},
		{"transient", failure.Transient("bulk", errors.New("429")), repository.StateFailed, failure.ClassTransient},
		{"cancelled by shutdown", context.Canceled, repository.StateCancelled, failure.ClassCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := newFile(t, repo)
			ticket, err := g.Begin(ctx, id, repository.OpFull)
			require.NoError(t, err)

			cctx, cancel := context.WithCancel(ctx)
			cancel()
			require.NoError(t, ticket.Finish(cctx, tt.outcome), "finish runs detached from the caller")

			rec, err := repo.GetFile(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, rec.State)
			assert.Equal(t, string(tt.wantClass), rec.ErrorClass)
			assert.Equal(t, failure.Detail(tt.outcome), rec.ErrorDetail)
			assert.False(t, rec.Claimed())
		})
	}
}

func TestBegin_ResumesInterruptedFull(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	g := newGuard(repo, "w1", nil)

	indexed := func(t *testing.T, outcome error) int64 {
		t.Helper()
		id := newFile(t, repo)
		ticket, err := g.Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)
		require.NoError(t, ticket.CommitIndexed(ctx, repository.StateRuleScanning, 5, 0, "idx"))
		require.NoError(t, ticket.Finish(ctx, outcome))
		return id
	}

	t.Run("transient failure after indexing", func(t *testing.T) {
		id := indexed(t, failure.Transient("worker shutdown", errors.New("interrupted")))

		ticket, err := g.Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)
		assert.True(t, ticket.Resume)
		assert.Equal(t, repository.StateRuleScanning, ticket.Record().State)
		assert.Empty(t, ticket.Record().ErrorClass)
		require.NoError(t, ticket.Finish(ctx, nil))

		_, err = g.Begin(ctx, id, repository.OpFull)
		assert.ErrorIs(t, err, failure.ErrAlreadyIndexed, "a completed file is not resumed")
	})

	t.Run("data failure is not resumed", func(t *testing.T) {
		id := indexed(t, failure.ErrMalformedRecord)
		_, err := g.Begin(ctx, id, repository.OpFull)
		assert.ErrorIs(t, err, failure.ErrAlreadyIndexed)
	})

	t.Run("stale claim mid pipeline", func(t *testing.T) {
		c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		dead := newGuard(repo, "dead", c)
		id := newFile(t, repo)
		ticket, err := dead.Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)
		require.NoError(t, ticket.CommitIndexed(ctx, repository.StateRuleScanning, 5, 0, "idx"))

		c.advance(2 * time.Minute)
		fresh, err := newGuard(repo, "alive", c).Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)
		assert.True(t, fresh.Resume)
		require.NoError(t, fresh.Finish(ctx, nil))
	})
}

func TestTicket_AbandonRestoresPriorState(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	id := newFile(t, repo)
	g := newGuard(repo, "w1", nil)

	first, err := g.Begin(ctx, id, repository.OpFull)
	require.NoError(t, err)
	require.NoError(t, first.CommitIndexed(ctx, repository.StateRuleScanning, 3, 0, "idx"))
	require.NoError(t, first.Finish(ctx, failure.ErrMalformedRecord))
	before, err := repo.GetFile(ctx, id)
	require.NoError(t, err)

	ticket, err := g.Begin(ctx, id, repository.OpIOCHunt)
	require.NoError(t, err)
	require.NoError(t, ticket.Abandon(ctx))
	require.NoError(t, ticket.Abandon(ctx))
	assert.NoError(t, ticket.Finish(ctx, errors.New("ignored")), "an abandoned ticket is finished")

	after, err := repo.GetFile(ctx, id)
	require.NoError(t, err)
	assert.False(t, after.Claimed())
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.ErrorDetail, after.ErrorDetail)
	assert.Equal(t, before.ErrorClass, after.ErrorClass)
	assert.True(t, before.CompletedAt.Equal(after.CompletedAt))
}

func TestHold(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	g := newGuard(repo, "w1", nil)

	t.Run("refused while a task runs", func(t *testing.T) {
		id := newFile(t, repo)
		ticket, err := g.Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)

		_, err = g.Hold(ctx, id, repository.OpClear)
		assert.ErrorIs(t, err, failure.ErrAlreadyProcessing)
		require.NoError(t, ticket.Finish(ctx, nil))
	})

	t.Run("tasks wait for the hold", func(t *testing.T) {
		id := newFile(t, repo)
		claim, err := g.Hold(ctx, id, repository.OpClear)
		require.NoError(t, err)

		rec, err := repo.GetFile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, claim.Token, rec.ActiveTaskToken)
		assert.Equal(t, repository.StateQueued, rec.State, "a hold does not move the state")

		_, err = g.Begin(ctx, id, repository.OpFull)
		require.Error(t, err)
		assert.True(t, failure.IsTransient(err), "a task refused by a hold is retried")
		assert.False(t, failure.IsSkip(err))

		_, err = g.Hold(ctx, id, repository.OpClear)
		assert.ErrorIs(t, err, failure.ErrAlreadyProcessing)

		require.NoError(t, claim.Heartbeat(ctx))
		require.NoError(t, claim.Release(ctx))
		assert.ErrorIs(t, claim.Release(ctx), failure.ErrTokenLost)

		ticket, err := g.Begin(ctx, id, repository.OpFull)
		require.NoError(t, err)
		require.NoError(t, ticket.Finish(ctx, nil))
	})

	t.Run("only maintenance operations", func(t *testing.T) {
		_, err := g.Hold(ctx, newFile(t, repo), repository.OpFull)
		assert.Error(t, err)
	})
}

func TestSweep_ReleasesStaleHoldWithoutFailing(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	id := newFile(t, repo)
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	g := newGuard(repo, "w1", c)

	_, err := g.Hold(ctx, id, repository.OpClear)
	require.NoError(t, err)
	c.advance(2 * time.Minute)

	n, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := repo.GetFile(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Claimed())
	assert.Equal(t, repository.StateQueued, rec.State)
	assert.Empty(t, rec.ErrorClass)
}
