package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises behaviour both stores must share.
func runContract(t *testing.T, repo Repository) {
	t.Run("FileLifecycle", func(t *testing.T) { testFileLifecycle(t, repo) })
	t.Run("ConcurrentLockedUpdates", func(t *testing.T) { testConcurrentLockedUpdates(t, repo) })
	t.Run("Indicators", func(t *testing.T) { testIndicators(t, repo) })
	t.Run("ScopedResults", func(t *testing.T) { testScopedResults(t, repo) })
	t.Run("ReassignResults", func(t *testing.T) { testReassignResults(t, repo) })
}

func newFile(t *testing.T, repo Repository, caseID int64) *FileRecord {
	t.Helper()
	f := &FileRecord{
		CaseID:       caseID,
		StoragePath:  "/evidence/" + gofakeit.UUID() + ".json",
		SourceFormat: "ndjson",
	}
	require.NoError(t, repo.CreateFile(context.Background(), f))
	return f
}

func testFileLifecycle(t *testing.T, repo Repository) {
	ctx := context.Background()
	caseID := int64(100)

	f := newFile(t, repo, caseID)
	assert.NotZero(t, f.ID)
	assert.Equal(t, StateQueued, f.State)

	got, err := repo.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.StoragePath, got.StoragePath)
	assert.False(t, got.Claimed())
	assert.True(t, got.TaskHeartbeatAt.IsZero())

	_, err = repo.GetFile(ctx, f.ID+100000)
	assert.ErrorIs(t, err, ErrFileNotFound)

	second := newFile(t, repo, caseID)
	files, err := repo.ListFiles(ctx, caseID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, f.ID, files[0].ID)
	assert.Equal(t, second.ID, files[1].ID)

	beat := time.Now().UTC().Truncate(time.Millisecond)
	updated, err := repo.UpdateFileLocked(ctx, f.ID, func(r *FileRecord) error {
		r.ActiveTaskToken = "tok-1"
		r.TaskOwner = "worker-a"
		r.TaskOperation = OpFull
		r.TaskHeartbeatAt = beat
		r.State = StateIndexing
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateIndexing, updated.State)

	claimed, err := repo.ListClaimedFiles(ctx)
	require.NoError(t, err)
	var found *FileRecord
	for _, c := range claimed {
		if c.ID == f.ID {
			found = c
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "tok-1", found.ActiveTaskToken)
	assert.Equal(t, OpFull, found.TaskOperation)
	assert.True(t, beat.Equal(found.TaskHeartbeatAt), "heartbeat %v != %v", found.TaskHeartbeatAt, beat)

	boom := errors.New("refused")
	_, err = repo.UpdateFileLocked(ctx, f.ID, func(r *FileRecord) error {
		r.State = StateFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = repo.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIndexing, got.State, "nothing is written when fn fails")

	_, err = repo.UpdateFileLocked(ctx, f.ID, func(r *FileRecord) error {
		r.ClearClaim()
		r.State = StateCompleted
		r.IsIndexed = true
		r.EventCount = 42
		r.CompletedAt = time.Now().UTC()
		return nil
	})
	require.NoError(t, err)
	got, err = repo.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, got.Claimed())
	assert.True(t, got.IsIndexed)
	assert.Equal(t, int64(42), got.EventCount)
	assert.False(t, got.CompletedAt.IsZero())

	claimed, err = repo.ListClaimedFiles(ctx)
	require.NoError(t, err)
	for _, c := range claimed {
		assert.NotEqual(t, f.ID, c.ID)
	}

	_, err = repo.UpdateFileLocked(ctx, f.ID+100000, func(*FileRecord) error { return nil })
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func testConcurrentLockedUpdates(t *testing.T, repo Repository) {
	ctx := context.Background()
	f := newFile(t, repo, 7)

	const workers, rounds = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := repo.UpdateFileLocked(ctx, f.ID, func(r *FileRecord) error {
					r.EventCount++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := repo.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*rounds), got.EventCount)
}

func testIndicators(t *testing.T, repo Repository) {
	ctx := context.Background()
	caseID := int64(900)

	ip := &Indicator{CaseID: caseID, Type: IndicatorIP, Value: gofakeit.IPv4Address(), Active: true}
	require.NoError(t, repo.CreateIndicator(ctx, ip))
	assert.NotZero(t, ip.ID)

	dup := &Indicator{CaseID: caseID, Type: IndicatorIP, Value: ip.Value, Active: true}
	assert.ErrorIs(t, repo.CreateIndicator(ctx, dup), ErrIndicatorExists)

	url := &Indicator{CaseID: caseID, Type: IndicatorURL, Value: "https://a.b/c?d=1", Active: true}
	require.NoError(t, repo.CreateIndicator(ctx, url))

	require.NoError(t, repo.SetIndicatorActive(ctx, url.ID, false))
	active, err := repo.ListIndicators(ctx, caseID, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ip.ID, active[0].ID)

	all, err := repo.ListIndicators(ctx, caseID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, repo.SetIndicatorError(ctx, ip.ID, "cannot compile"))
	got, err := repo.GetIndicator(ctx, ip.ID)
	require.NoError(t, err)
	assert.Equal(t, "cannot compile", got.LastError)

	assert.ErrorIs(t, repo.SetIndicatorActive(ctx, 987654, true), ErrIndicatorNotFound)
	_, err = repo.GetIndicator(ctx, 987654)
	assert.ErrorIs(t, err, ErrIndicatorNotFound)

	require.NoError(t, repo.DeleteIndicator(ctx, url.ID))
	assert.ErrorIs(t, repo.DeleteIndicator(ctx, url.ID), ErrIndicatorNotFound)
}

func testScopedResults(t *testing.T, repo Repository) {
	ctx := context.Background()
	caseID := int64(500)
	fileF := newFile(t, repo, caseID)
	fileG := newFile(t, repo, caseID)

	ind := &Indicator{CaseID: caseID, Type: IndicatorDomain, Value: "evil.example", Active: true}
	require.NoError(t, repo.CreateIndicator(ctx, ind))

	matches := []IOCMatch{
		{IndicatorID: ind.ID, CaseID: caseID, FileID: fileF.ID, DocumentID: "d1", MatchedValue: ind.Value},
		{IndicatorID: ind.ID, CaseID: caseID, FileID: fileF.ID, DocumentID: "d2", MatchedValue: ind.Value},
		{IndicatorID: ind.ID, CaseID: caseID, FileID: fileG.ID, DocumentID: "d3", MatchedValue: ind.Value},
	}
	n, err := repo.InsertMatches(ctx, matches)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = repo.InsertMatches(ctx, matches)
	require.NoError(t, err)
	assert.Zero(t, n, "re-inserting the same matches adds nothing")

	violations := []Violation{
		{RuleID: "r1", RuleTitle: "Rule 1", RuleLevel: "high", CaseID: caseID, FileID: fileF.ID, DocumentID: "d1"},
		{RuleID: "r1", RuleTitle: "Rule 1", RuleLevel: "high", CaseID: caseID, FileID: fileG.ID, DocumentID: "d3"},
	}
	n, err = repo.InsertViolations(ctx, violations)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, repo.RecountFile(ctx, fileF.ID))
	require.NoError(t, repo.RecountIndicators(ctx, caseID))
	f, err := repo.GetFile(ctx, fileF.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.IOCMatchCount)
	assert.Equal(t, int64(1), f.ViolationCount)
	got, err := repo.GetIndicator(ctx, ind.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.MatchCount)

	// Clearing F leaves G untouched.
	deleted, err := repo.DeleteMatches(ctx, Scope{CaseID: caseID, FileID: fileF.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	deleted, err = repo.DeleteViolations(ctx, Scope{CaseID: caseID, FileID: fileF.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left, err := repo.ListMatches(ctx, Scope{CaseID: caseID})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, fileG.ID, left[0].FileID)
	assert.Equal(t, "d3", left[0].DocumentID)

	leftV, err := repo.ListViolations(ctx, Scope{CaseID: caseID, FileID: fileG.ID})
	require.NoError(t, err)
	require.Len(t, leftV, 1)

	require.NoError(t, repo.RecountFile(ctx, fileF.ID))
	require.NoError(t, repo.RecountIndicators(ctx, caseID))
	f, err = repo.GetFile(ctx, fileF.ID)
	require.NoError(t, err)
	assert.Zero(t, f.IOCMatchCount)
	assert.Zero(t, f.ViolationCount)
	got, err = repo.GetIndicator(ctx, ind.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MatchCount)

	assert.ErrorIs(t, repo.RecountFile(ctx, fileG.ID+100000), ErrFileNotFound)
}

func testReassignResults(t *testing.T, repo Repository) {
	ctx := context.Background()
	caseID := int64(600)
	fileF := newFile(t, repo, caseID)
	fileG := newFile(t, repo, caseID)

	ind := &Indicator{CaseID: caseID, Type: IndicatorIP, Value: "203.0.113.9", Active: true}
	require.NoError(t, repo.CreateIndicator(ctx, ind))

	_, err := repo.InsertMatches(ctx, []IOCMatch{
		{IndicatorID: ind.ID, CaseID: caseID, FileID: fileF.ID, DocumentID: "shared", MatchedValue: ind.Value},
		{IndicatorID: ind.ID, CaseID: caseID, FileID: fileF.ID, DocumentID: "own", MatchedValue: ind.Value},
	})
	require.NoError(t, err)
	_, err = repo.InsertViolations(ctx, []Violation{
		{RuleID: "r1", RuleTitle: "Rule 1", RuleLevel: "low", CaseID: caseID, FileID: fileF.ID, DocumentID: "shared"},
	})
	require.NoError(t, err)

	heirs := map[string]int64{"shared": fileG.ID}
	moved, err := repo.ReassignResults(ctx, caseID, fileF.ID, heirs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)

	moved, err = repo.ReassignResults(ctx, caseID, fileF.ID, heirs)
	require.NoError(t, err)
	assert.Zero(t, moved, "a second pass finds nothing left on the old file")

	gm, err := repo.ListMatches(ctx, Scope{CaseID: caseID, FileID: fileG.ID})
	require.NoError(t, err)
	require.Len(t, gm, 1)
	assert.Equal(t, "shared", gm[0].DocumentID)
	gv, err := repo.ListViolations(ctx, Scope{CaseID: caseID, FileID: fileG.ID})
	require.NoError(t, err)
	assert.Len(t, gv, 1)

	fm, err := repo.ListMatches(ctx, Scope{CaseID: caseID, FileID: fileF.ID})
	require.NoError(t, err)
	require.Len(t, fm, 1)
	assert.Equal(t, "own", fm[0].DocumentID)

	moved, err = repo.ReassignResults(ctx, caseID, fileF.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, moved)
}
