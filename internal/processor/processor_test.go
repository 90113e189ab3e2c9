package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/casehawk/internal/capacity"
	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/guard"
	"github.com/telhawk-systems/casehawk/internal/hunt"
	"github.com/telhawk-systems/casehawk/internal/identity"
	"github.com/telhawk-systems/casehawk/internal/indexer"
	"github.com/telhawk-systems/casehawk/internal/lease"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/normalizer"
	"github.com/telhawk-systems/casehawk/internal/query"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/reset"
	"github.com/telhawk-systems/casehawk/internal/retriever"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/rules"
	"github.com/telhawk-systems/casehawk/internal/search"
	"github.com/telhawk-systems/casehawk/internal/search/memsearch"
	"github.com/telhawk-systems/casehawk/internal/testenv"
)

const failedAdminRule = `
title: Failed Admin Logon
id: 7a6b0e0c-54f1-4d0e-b2a4-3c0d8f9e1a22
level: high
logsource:
  product: windows
detection:
  selection:
    event_id: '4625'
    user: admin
  condition: selection
`

const evidence = `{"@timestamp":"2024-03-01T10:00:00Z","host":"WS01","event_id":"4624","user":"alice"}
{"@timestamp":"2024-03-01T10:00:01Z","host":"WS01","event_id":"4625","user":"admin"}
{"@timestamp":"2024-03-01T10:00:02Z","host":"WS01","event_id":"3","dest":"beacon.evil.example:443"}
`

type fixture struct {
	repo   repository.Repository
	engine *memsearch.Engine
	locker *lease.Locker
	fs     afero.Fs
	guard  *guard.Guard
	proc   *Processor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Discard().Logger
	fx := &fixture{repo: testenv.Repository(t), engine: memsearch.New(), fs: afero.NewMemMapFs()}
	fx.locker, _ = testenv.Locker(t)
	fx.guard = guard.New(fx.repo, "worker-1", time.Minute, logger)

	hasher, err := identity.New(identity.Config{Strictness: identity.StrictnessStandard})
	require.NoError(t, err)
	gate := capacity.New(fx.engine, config.CapacityConfig{}, logger)
	ix := indexer.New(fx.engine, hasher, normalizer.Default(), gate,
		config.ProcessingConfig{BatchSize: 2}, testenv.IndexPrefix, logger)

	rule, err := rules.Parse("failed_admin.yml", []byte(failedAdminRule))
	require.NoError(t, err)
	huntCfg := config.HuntConfig{PageSize: 2, CommitBatch: 2, MaxPages: 100, ScrollKeepAlive: time.Minute}
	walker := retriever.New(fx.engine, huntCfg, retry.None, logger)
	scanner := rules.NewScanner(&rules.Set{Rules: []*rules.Rule{rule}}, walker, fx.engine, fx.repo,
		huntCfg, testenv.IndexPrefix, retry.None, logger)
	compiler, err := query.NewCompiler(16)
	require.NoError(t, err)
	hunter := hunt.NewHunter(compiler, walker, fx.engine, fx.repo, huntCfg, testenv.IndexPrefix, retry.None, logger)
	coord := reset.New(fx.repo, fx.engine, walker, fx.guard, fx.locker, testenv.IndexPrefix, retry.None, logger)

	fx.proc = New(Deps{
		Repo:    fx.repo,
		Guard:   fx.guard,
		Locker:  fx.locker,
		Gate:    gate,
		Indexer: ix,
		Scanner: scanner,
		Hunter:  hunter,
		Reset:   coord,
		Files:   fx.fs,
	}, logger)
	return fx
}

func (fx *fixture) file(t *testing.T, path, body string) *repository.FileRecord {
	t.Helper()
	require.NoError(t, afero.WriteFile(fx.fs, path, []byte(body), 0o644))
	return testenv.File(t, fx.repo, 1, path, event.FormatNDJSON)
}

func (fx *fixture) indicator(t *testing.T, typ, value string) *repository.Indicator {
	t.Helper()
	ind := &repository.Indicator{CaseID: 1, Type: typ, Value: value, Active: true}
	require.NoError(t, fx.repo.CreateIndicator(context.Background(), ind))
	return ind
}

func (fx *fixture) record(t *testing.T, id int64) *repository.FileRecord {
	t.Helper()
	rec, err := fx.repo.GetFile(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestRun_FullPipeline(t *testing.T) {
	fx := setup(t)
	fx.indicator(t, repository.IndicatorDomain, "evil.example")
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)

	out := fx.proc.Run(context.Background(), f.ID, repository.OpFull)
	require.Equal(t, StatusSuccess, out.Status, out.Message)
	assert.Equal(t, int64(1), out.CaseID)
	require.NotNil(t, out.Counts.Index)
	assert.Equal(t, 3, out.Counts.Index.Indexed)
	assert.Equal(t, int64(1), out.Counts.Scan.Violations)
	assert.Equal(t, int64(1), out.Counts.Hunt.Matches)

	rec := fx.record(t, f.ID)
	assert.Equal(t, repository.StateCompleted, rec.State)
	assert.True(t, rec.IsIndexed)
	assert.False(t, rec.Claimed())
	assert.Equal(t, int64(3), rec.EventCount)
	assert.Equal(t, int64(1), rec.ViolationCount)
	assert.Equal(t, int64(1), rec.IOCMatchCount)
	assert.Equal(t, "casehawk-case-1", rec.IndexRef)

	again := fx.proc.Run(context.Background(), f.ID, repository.OpFull)
	assert.Equal(t, StatusSkipped, again.Status)
	assert.ErrorIs(t, again.Err, failure.ErrAlreadyIndexed)
	assert.Equal(t, repository.StateCompleted, fx.record(t, f.ID).State)
}

func TestRun_ScanBeforeIndexIsSkipped(t *testing.T) {
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)

	out := fx.proc.Run(context.Background(), f.ID, repository.OpRuleScan)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.ErrorIs(t, out.Err, failure.ErrNotIndexed)
	assert.Equal(t, repository.StateQueued, fx.record(t, f.ID).State)
}

func TestRun_ReindexConverges(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpFull).Status)

	out := fx.proc.Run(ctx, f.ID, repository.OpReindex)
	require.Equal(t, StatusSuccess, out.Status, out.Message)
	assert.Equal(t, int64(3), out.Counts.Reset.DocumentsDeleted)
	assert.Equal(t, 3, out.Counts.Index.Created)

	assert.Equal(t, 3, fx.engine.DocCount(search.IndexName(testenv.IndexPrefix, 1)))
	violations, err := fx.repo.ListViolations(ctx, repository.Scope{CaseID: 1, FileID: f.ID})
	require.NoError(t, err)
	assert.Len(t, violations, 1)

	rec := fx.record(t, f.ID)
	assert.True(t, rec.IsIndexed)
	assert.Equal(t, int64(1), rec.ViolationCount)
}

func TestRun_HuntPicksUpNewIndicators(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpFull).Status)
	assert.Zero(t, fx.record(t, f.ID).IOCMatchCount)

	ind := fx.indicator(t, repository.IndicatorAccount, "alice")
	out := fx.proc.Run(ctx, f.ID, repository.OpIOCHunt)
	require.Equal(t, StatusSuccess, out.Status, out.Message)
	assert.Equal(t, int64(1), out.Counts.Hunt.Matches)

	assert.Equal(t, int64(1), fx.record(t, f.ID).IOCMatchCount)
	stored, err := fx.repo.GetIndicator(ctx, ind.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.MatchCount)

	// Hunting again replaces the previous results instead of adding to them.
	out = fx.proc.Run(ctx, f.ID, repository.OpIOCHunt)
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, int64(1), out.Counts.Reset.MatchesDeleted)
	assert.Equal(t, int64(1), fx.record(t, f.ID).IOCMatchCount)
}

func TestRun_CancelRequestedWhileQueued(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)

	flagged, err := fx.guard.RequestCancel(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, flagged)

	out := fx.proc.Run(ctx, f.ID, repository.OpFull)
	assert.Equal(t, StatusCancelled, out.Status)
	rec := fx.record(t, f.ID)
	assert.Equal(t, repository.StateCancelled, rec.State)
	assert.False(t, rec.CancelRequested)
	assert.Zero(t, fx.engine.BulkRequests())
}

func TestRun_CapacityRefusesReindexBeforePurging(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpFull).Status)

	fx.engine.SetCapacity(990, 1, 1000)
	out := fx.proc.Run(ctx, f.ID, repository.OpReindex)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, string(failure.ClassCapacity), out.ErrorClass)
	assert.False(t, out.Retryable)
	var capErr *failure.CapacityExceededError
	require.ErrorAs(t, out.Err, &capErr)
	assert.Equal(t, 990, capErr.Current)

	assert.Equal(t, 3, fx.engine.DocCount(search.IndexName(testenv.IndexPrefix, 1)))
	rec := fx.record(t, f.ID)
	assert.Equal(t, repository.StateFailed, rec.State)
	assert.True(t, rec.IsIndexed)
	assert.Contains(t, rec.ErrorDetail, "[capacity, operator action required]")
}

func TestRun_UnreadableFileFails(t *testing.T) {
	fx := setup(t)
	f := testenv.File(t, fx.repo, 1, "/evidence/missing.jsonl", event.FormatNDJSON)

	out := fx.proc.Run(context.Background(), f.ID, repository.OpFull)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, string(failure.ClassData), out.ErrorClass)
	assert.Equal(t, repository.StateFailed, fx.record(t, f.ID).State)
}

func TestRun_WaitsForCaseLease(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)

	held, err := fx.locker.Acquire(ctx, lease.CaseKey(1), "operator", "clear")
	require.NoError(t, err)

	out := fx.proc.Run(ctx, f.ID, repository.OpFull)
	assert.Equal(t, StatusSkipped, out.Status)
	rec := fx.record(t, f.ID)
	assert.Equal(t, repository.StateQueued, rec.State)
	assert.False(t, rec.Claimed(), "the claim taken before the lease check is abandoned")
	assert.Empty(t, rec.ErrorClass)
	assert.Zero(t, fx.engine.BulkRequests())

	require.NoError(t, held.Release(ctx))
	assert.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpFull).Status)
}

func TestRunCase_ScansEveryFile(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	a := fx.file(t, "/evidence/a.jsonl", evidence)
	b := fx.file(t, "/evidence/b.jsonl", `{"@timestamp":"2024-03-02T08:00:00Z","host":"WS02","event_id":"4625","user":"admin"}`+"\n")
	unindexed := fx.file(t, "/evidence/c.jsonl", evidence)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, a.ID, repository.OpFull).Status)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, b.ID, repository.OpFull).Status)

	outs, err := fx.proc.RunCase(ctx, 1, repository.OpRuleScan)
	require.NoError(t, err)
	require.Len(t, outs, 3)

	byFile := map[int64]*Outcome{}
	for _, o := range outs {
		byFile[o.FileID] = o
	}
	assert.Equal(t, StatusSuccess, byFile[a.ID].Status)
	assert.Equal(t, StatusSuccess, byFile[b.ID].Status)
	assert.Equal(t, StatusSkipped, byFile[unindexed.ID].Status)

	violations, err := fx.repo.ListViolations(ctx, repository.Scope{CaseID: 1})
	require.NoError(t, err)
	assert.Len(t, violations, 2)

	holder, err := fx.locker.Holder(ctx, lease.CaseKey(1))
	require.NoError(t, err)
	assert.Nil(t, holder, "the case lease is released afterwards")

	_, err = fx.proc.RunCase(ctx, 1, repository.OpFull)
	assert.Error(t, err)
}

func TestRun_ShutdownLeavesTheTaskRetryable(t *testing.T) {
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := fx.proc.Run(ctx, f.ID, repository.OpFull)
	assert.Equal(t, StatusError, out.Status)
	assert.True(t, out.Retryable)
	assert.Equal(t, string(failure.ClassTransient), out.ErrorClass)
	assert.Equal(t, repository.StateQueued, fx.record(t, f.ID).State)
}

const beaconLine = `{"@timestamp":"2024-03-01T10:00:02Z","host":"WS01","event_id":"3","dest":"beacon.evil.example:443"}` + "\n"

// flaggedIOC counts documents of case 1 carrying an IOC annotation, owned by
// fileID when it is non-zero.
func (fx *fixture) flaggedIOC(t *testing.T, fileID int64) int64 {
	t.Helper()
	n, err := fx.engine.Count(context.Background(), search.IndexName(testenv.IndexPrefix, 1),
		search.Bool{Filter: append(search.Scope(1, fileID), search.Term(search.FieldHasIOC, true))}.Query())
	require.NoError(t, err)
	return n
}

// assertMatchesAgree checks that every file's flagged documents and stored
// match rows describe the same documents.
func (fx *fixture) assertMatchesAgree(t *testing.T, files ...*repository.FileRecord) {
	t.Helper()
	for _, f := range files {
		rows, err := fx.repo.ListMatches(context.Background(), repository.Scope{CaseID: 1, FileID: f.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(len(rows)), fx.flaggedIOC(t, f.ID), "file %d", f.ID)
		assert.Equal(t, int64(len(rows)), fx.record(t, f.ID).IOCMatchCount, "file %d", f.ID)
	}
}

func TestRun_ReindexKeepsResultsOfSharedDocuments(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	ind := fx.indicator(t, repository.IndicatorDomain, "evil.example")
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)
	g := fx.file(t, "/evidence/ws01-copy.jsonl", beaconLine)

	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpFull).Status)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, g.ID, repository.OpFull).Status)
	require.Equal(t, int64(1), fx.flaggedIOC(t, 0))
	assert.Equal(t, int64(1), fx.record(t, f.ID).IOCMatchCount)
	assert.Zero(t, fx.record(t, g.ID).IOCMatchCount)
	fx.assertMatchesAgree(t, f, g)

	out := fx.proc.Run(ctx, f.ID, repository.OpReindex)
	require.Equal(t, StatusSuccess, out.Status, out.Message)
	assert.Equal(t, int64(1), out.Counts.Reset.DocumentsInherited)
	assert.Equal(t, int64(1), out.Counts.Reset.ResultsReassigned)

	assert.Equal(t, int64(1), fx.flaggedIOC(t, 0), "the shared beacon stays flagged")
	assert.Zero(t, fx.record(t, f.ID).IOCMatchCount)
	assert.Equal(t, int64(1), fx.record(t, g.ID).IOCMatchCount)
	fx.assertMatchesAgree(t, f, g)

	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpIOCHunt).Status)
	assert.Equal(t, int64(1), fx.flaggedIOC(t, 0))
	fx.assertMatchesAgree(t, f, g)

	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, g.ID, repository.OpIOCHunt).Status)
	assert.Equal(t, int64(1), fx.flaggedIOC(t, 0))
	fx.assertMatchesAgree(t, f, g)

	matches, err := fx.repo.ListMatches(ctx, repository.Scope{CaseID: 1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, g.ID, matches[0].FileID)
	stored, err := fx.repo.GetIndicator(ctx, ind.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.MatchCount)

	assert.Equal(t, repository.StateCompleted, fx.record(t, g.ID).State)
	assert.False(t, fx.record(t, g.ID).Claimed())
}

func TestRun_RedeliveredFullResumesAfterIndexing(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	fx.indicator(t, repository.IndicatorDomain, "evil.example")
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpFull).Status)

	// The worker stopped during the hunt after indexing committed.
	interrupted := failure.Transient("worker shutdown", errors.New("interrupted: context canceled"))
	_, err := fx.repo.UpdateFileLocked(ctx, f.ID, func(rec *repository.FileRecord) error {
		rec.State = repository.StateFailed
		rec.ErrorDetail = failure.Detail(interrupted)
		rec.ErrorClass = string(failure.Classify(interrupted))
		return nil
	})
	require.NoError(t, err)

	out := fx.proc.Run(ctx, f.ID, repository.OpFull)
	require.Equal(t, StatusSuccess, out.Status, out.Message)
	assert.Nil(t, out.Counts.Index, "indexing is not repeated")
	assert.Equal(t, int64(1), out.Counts.Scan.Violations)
	assert.Equal(t, int64(1), out.Counts.Hunt.Matches)

	rec := fx.record(t, f.ID)
	assert.Equal(t, repository.StateCompleted, rec.State)
	assert.Empty(t, rec.ErrorDetail)
	assert.Equal(t, int64(1), rec.ViolationCount)
	assert.Equal(t, int64(1), rec.IOCMatchCount)
	assert.Equal(t, int64(3), rec.EventCount)
	assert.Equal(t, 3, fx.engine.DocCount(search.IndexName(testenv.IndexPrefix, 1)))
	fx.assertMatchesAgree(t, f)

	again := fx.proc.Run(ctx, f.ID, repository.OpFull)
	assert.Equal(t, StatusSkipped, again.Status)
	assert.ErrorIs(t, again.Err, failure.ErrAlreadyIndexed)
}

func TestRun_ClearHoldMakesTasksRetry(t *testing.T) {
	ctx := context.Background()
	fx := setup(t)
	f := fx.file(t, "/evidence/ws01.jsonl", evidence)
	require.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpFull).Status)

	claim, err := fx.guard.Hold(ctx, f.ID, repository.OpClear)
	require.NoError(t, err)

	out := fx.proc.Run(ctx, f.ID, repository.OpIOCHunt)
	assert.Equal(t, StatusError, out.Status)
	assert.True(t, out.Retryable)
	assert.Equal(t, repository.StateCompleted, fx.record(t, f.ID).State)

	require.NoError(t, claim.Release(ctx))
	assert.Equal(t, StatusSuccess, fx.proc.Run(ctx, f.ID, repository.OpIOCHunt).Status)
}
