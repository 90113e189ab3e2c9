// Package guard serialises work on a single file. Every operation claims the
// file's task token in one row-locked check-and-set before touching the index
// and releases it on every exit path.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/casehawk/internal/database"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/metrics"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

const defaultStaleAfter = 5 * time.Minute

// Guard claims and releases File Record task tokens.
type Guard struct {
	repo       repository.Repository
	worker     string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a guard acting on behalf of worker. Claims whose heartbeat is
// older than staleAfter are treated as abandoned.
func New(repo repository.Repository, worker string, staleAfter time.Duration, logger *slog.Logger) *Guard {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if worker == "" {
		worker = WorkerID()
	}
	return &Guard{
		repo:       repo,
		worker:     worker,
		staleAfter: staleAfter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WorkerID returns hostname-pid-random, unique per process.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "casehawk"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Worker returns the owner name written into claimed records.
func (g *Guard) Worker() string {
	return g.worker
}

// HeartbeatInterval is how often a holder heartbeats to keep its claim fresh.
func (g *Guard) HeartbeatInterval() time.Duration {
	return g.staleAfter / 3
}

// initialState is the processing state an operation starts in.
func initialState(op repository.Operation, resume bool) repository.State {
	switch {
	case op == repository.OpRuleScan, resume:
		return repository.StateRuleScanning
	case op == repository.OpIOCHunt:
		return repository.StateIOCHunting
	default:
		return repository.StateIndexing
	}
}

// snapshot is the part of a File Record a claim overwrites.
type snapshot struct {
	state       repository.State
	errorDetail string
	errorClass  string
	completedAt time.Time
}

func snapshotOf(f *repository.FileRecord) snapshot {
	return snapshot{state: f.State, errorDetail: f.ErrorDetail, errorClass: f.ErrorClass, completedAt: f.CompletedAt}
}

func (s snapshot) restore(f *repository.FileRecord) {
	f.State = s.state
	f.ErrorDetail = s.errorDetail
	f.ErrorClass = s.errorClass
	f.CompletedAt = s.completedAt
}

// expire drops a stale claim. A pipeline claim leaves the file failed with
// a transient error; a maintenance claim leaves its state alone.
func (g *Guard) expire(f *repository.FileRecord) {
	op, owner := f.TaskOperation, f.TaskOwner
	f.ClearClaim()
	if op.Maintenance() {
		return
	}
	cause := failure.Transient("task owner "+owner,
		fmt.Errorf("no heartbeat for more than %s during %s", g.staleAfter, op))
	f.State = repository.StateFailed
	f.ErrorDetail = failure.Detail(cause)
	f.ErrorClass = string(failure.Classify(cause))
	f.CompletedAt = g.now()
}

// busy reports a live claim on f. A maintenance hold is brief, so a task
// refused by one fails retryably instead of being skipped.
func busy(f *repository.FileRecord) error {
	if f.TaskOperation.Maintenance() {
		return failure.Transient("file "+strconv.FormatInt(f.ID, 10),
			fmt.Errorf("held by %s for %s", f.TaskOwner, f.TaskOperation))
	}
	return fmt.Errorf("%w: held by %s for %s", failure.ErrAlreadyProcessing, f.TaskOwner, f.TaskOperation)
}

// Begin claims fileID for op. It returns failure.ErrAlreadyProcessing when a
// live task holds the file, failure.ErrAlreadyIndexed for a full operation on
// an indexed file, failure.ErrNotIndexed for scans and hunts of an unindexed
// file and failure.ErrCancelled when cancellation was requested while the
// task was queued. A claim whose heartbeat went stale is taken over.
//
// A full operation on an indexed file whose last attempt failed transiently
// is a redelivery of an interrupted pipeline: the ticket comes back with
// Resume set and the indexing pass is not repeated.
func (g *Guard) Begin(ctx context.Context, fileID int64, op repository.Operation) (*Ticket, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	token := uuid.NewString()
	var (
		reclaimed     string
		previousOwner string
		cancelled     bool
		resume        bool
		prior         snapshot
	)

	rec, err := g.repo.UpdateFileLocked(ctx, fileID, func(f *repository.FileRecord) error {
		now := g.now()
		if f.Claimed() {
			if !f.Stale(now, g.staleAfter) {
				return busy(f)
			}
			reclaimed = f.ActiveTaskToken
			previousOwner = f.TaskOwner
			g.expire(f)
		}

		if f.CancelRequested {
			f.CancelRequested = false
			f.State = repository.StateCancelled
			f.CompletedAt = now
			cancelled = true
			return nil
		}

		switch op {
		case repository.OpFull:
			if f.IsIndexed {
				if f.State != repository.StateFailed || f.ErrorClass != string(failure.ClassTransient) {
					return failure.ErrAlreadyIndexed
				}
				resume = true
			}
		case repository.OpRuleScan, repository.OpIOCHunt:
			if !f.IsIndexed {
				return failure.ErrNotIndexed
			}
		}

		prior = snapshotOf(f)
		f.ActiveTaskToken = token
		f.TaskOwner = g.worker
		f.TaskOperation = op
		f.TaskHeartbeatAt = now
		f.State = initialState(op, resume)
		f.ErrorDetail = ""
		f.ErrorClass = ""
		f.CompletedAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reclaimed != "" {
		metrics.TokensReclaimed.Inc()
		g.logger.WarnContext(ctx, "reclaimed stale task token",
			logging.FileID(fileID),
			logging.Token(reclaimed),
			"previous_owner", previousOwner)
	}
	if cancelled {
		g.logger.InfoContext(ctx, "operation cancelled before start", logging.FileID(fileID), logging.Operation(string(op)))
		return nil, failure.ErrCancelled
	}

	g.logger.DebugContext(ctx, "task token claimed",
		logging.FileID(fileID),
		logging.Operation(string(op)),
		logging.Token(token),
		"resume", resume)

	return &Ticket{
		guard:     g,
		FileID:    fileID,
		CaseID:    rec.CaseID,
		Token:     token,
		Operation: op,
		Resume:    resume,
		record:    rec,
		prior:     prior,
	}, nil
}

// Hold claims fileID for a maintenance operation such as a clear. The task
// token is checked and set exactly as in Begin, so no task can start on the
// file until the claim is released, but the processing state is left alone.
// A file held by a live task is refused with failure.ErrAlreadyProcessing.
func (g *Guard) Hold(ctx context.Context, fileID int64, op repository.Operation) (*Claim, error) {
	if !op.Maintenance() {
		return nil, fmt.Errorf("%s is not a maintenance operation", op)
	}

	token := uuid.NewString()
	rec, err := g.repo.UpdateFileLocked(ctx, fileID, func(f *repository.FileRecord) error {
		now := g.now()
		if f.Claimed() {
			if !f.Stale(now, g.staleAfter) {
				return fmt.Errorf("%w: file %d is running %s on %s",
					failure.ErrAlreadyProcessing, f.ID, f.TaskOperation, f.TaskOwner)
			}
			g.expire(f)
		}
		f.ActiveTaskToken = token
		f.TaskOwner = g.worker
		f.TaskOperation = op
		f.TaskHeartbeatAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "file held",
		logging.FileID(fileID),
		logging.Operation(string(op)),
		logging.Token(token))
	return &Claim{guard: g, FileID: fileID, CaseID: rec.CaseID, Token: token, Operation: op}, nil
}

// Queue marks an unclaimed file as queued for new work and clears a cancel
// request left over from an earlier task. A claimed file is left alone.
func (g *Guard) Queue(ctx context.Context, fileID int64) (*repository.FileRecord, error) {
	return g.repo.UpdateFileLocked(ctx, fileID, func(f *repository.FileRecord) error {
		if f.Claimed() && !f.Stale(g.now(), g.staleAfter) {
			return nil
		}
		f.State = repository.StateQueued
		f.CancelRequested = false
		return nil
	})
}

// RequestCancel flags fileID for cancellation. The running task, or the
// next one to start, observes the flag. Files in a terminal state with no
// claim are not flagged; the return value reports whether the flag was set.
func (g *Guard) RequestCancel(ctx context.Context, fileID int64) (bool, error) {
	var flagged bool
	_, err := g.repo.UpdateFileLocked(ctx, fileID, func(f *repository.FileRecord) error {
		if !f.Claimed() && f.State.Terminal() {
			return nil
		}
		f.CancelRequested = true
		flagged = true
		return nil
	})
	return flagged, err
}

// RequestCancelCase flags every file of a case and returns how many were
// flagged.
func (g *Guard) RequestCancelCase(ctx context.Context, caseID int64) (int, error) {
	files, err := g.repo.ListFiles(ctx, caseID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, f := range files {
		ok, err := g.RequestCancel(ctx, f.ID)
		if err != nil {
			return n, fmt.Errorf("cancel file %d: %w", f.ID, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Sweep releases claims whose heartbeat is older than the stale window and
// marks those files failed with a transient error, so an operator or the
// queue can retry them. Stale maintenance holds are only released. It
// returns the number of claims released.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	claimed, err := g.repo.ListClaimedFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list claimed files: %w", err)
	}

	var swept int
	for _, candidate := range claimed {
		if !candidate.Stale(g.now(), g.staleAfter) {
			continue
		}
		token := candidate.ActiveTaskToken
		var released bool
		_, err := g.repo.UpdateFileLocked(ctx, candidate.ID, func(f *repository.FileRecord) error {
			// Re-check under the lock: the owner may have heartbeated or
			// finished since the listing.
			if f.ActiveTaskToken != token || !f.Stale(g.now(), g.staleAfter) {
				return nil
			}
			g.expire(f)
			released = true
			return nil
		})
		if err != nil {
			if errors.Is(err, repository.ErrFileNotFound) {
				continue
			}
			return swept, fmt.Errorf("sweep file %d: %w", candidate.ID, err)
		}
		if released {
			swept++
			metrics.TokensReclaimed.Inc()
			g.logger.WarnContext(ctx, "released stale task token",
				logging.FileID(candidate.ID),
				logging.Token(token),
				"previous_owner", candidate.TaskOwner)
		}
	}
	return swept, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil && ctx.Err() == nil {
				g.logger.ErrorContext(ctx, "stale token sweep failed", logging.Error(err))
			}
		}
	}
}

// Ticket is a claimed file. All mutations verify that the token is still
// ours; a mismatch yields failure.ErrTokenLost.
type Ticket struct {
	guard     *Guard
	FileID    int64
	CaseID    int64
	Token     string
	Operation repository.Operation
	// Resume is set for a full operation picking up an interrupted run
	// whose documents are already indexed.
	Resume   bool
	record   *repository.FileRecord
	prior    snapshot
	finished bool
}

// Record returns the File Record as last written through this ticket.
func (t *Ticket) Record() *repository.FileRecord {
	return t.record
}

func (t *Ticket) update(ctx context.Context, fn func(*repository.FileRecord) error) error {
	rec, err := t.guard.repo.UpdateFileLocked(ctx, t.FileID, func(f *repository.FileRecord) error {
		if f.ActiveTaskToken != t.Token {
			return failure.ErrTokenLost
		}
		return fn(f)
	})
	if err != nil {
		return err
	}
	t.record = rec
	return nil
}

// Heartbeat extends the claim. It returns failure.ErrCancelled when a cancel
// request is pending; the heartbeat is recorded either way.
func (t *Ticket) Heartbeat(ctx context.Context) error {
	var cancelled bool
	err := t.update(ctx, func(f *repository.FileRecord) error {
		f.TaskHeartbeatAt = t.guard.now()
		cancelled = f.CancelRequested
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled {
		return failure.ErrCancelled
	}
	return nil
}

// Transition moves the file to state and heartbeats. Like Heartbeat it
// reports a pending cancel request.
func (t *Ticket) Transition(ctx context.Context, state repository.State) error {
	var cancelled bool
	err := t.update(ctx, func(f *repository.FileRecord) error {
		f.State = state
		f.TaskHeartbeatAt = t.guard.now()
		cancelled = f.CancelRequested
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled {
		return failure.ErrCancelled
	}
	return nil
}

// CommitIndexed records a finished indexing pass and moves to next in the
// same write.
func (t *Ticket) CommitIndexed(ctx context.Context, next repository.State, events, indexErrors int64, indexRef string) error {
	return t.update(ctx, func(f *repository.FileRecord) error {
		f.IsIndexed = true
		f.EventCount = events
		f.IndexErrorCount = indexErrors
		f.IndexRef = indexRef
		f.State = next
		f.TaskHeartbeatAt = t.guard.now()
		return nil
	})
}

// ResetIndexed marks the file unindexed after its documents were purged.
func (t *Ticket) ResetIndexed(ctx context.Context) error {
	return t.update(ctx, func(f *repository.FileRecord) error {
		f.IsIndexed = false
		f.EventCount = 0
		f.IndexErrorCount = 0
		f.TaskHeartbeatAt = t.guard.now()
		return nil
	})
}

// Finish releases the claim and writes the terminal state for outcome: nil
// completes the file, a cancellation cancels it and anything else fails it
// with a classified error detail. It runs on a detached context so that a
// cancelled caller still releases its token. Calling Finish twice is a no-op.
func (t *Ticket) Finish(ctx context.Context, outcome error) error {
	if t.finished {
		return nil
	}
	t.finished = true

	ctx, cancel := database.DetachedContext(ctx)
	defer cancel()

	class := failure.Classify(outcome)
	err := t.update(ctx, func(f *repository.FileRecord) error {
		f.ClearClaim()
		f.CancelRequested = false
		f.CompletedAt = t.guard.now()
		switch class {
		case failure.ClassNone:
			f.State = repository.StateCompleted
			f.ErrorDetail = ""
			f.ErrorClass = ""
		case failure.ClassCancelled:
			f.State = repository.StateCancelled
			f.ErrorDetail = failure.Detail(outcome)
			f.ErrorClass = string(class)
		default:
			f.State = repository.StateFailed
			f.ErrorDetail = failure.Detail(outcome)
			f.ErrorClass = string(class)
		}
		return nil
	})
	if err != nil {
		t.guard.logger.WarnContext(ctx, "failed to release task token",
			logging.FileID(t.FileID),
			logging.Token(t.Token),
			logging.Error(err))
		return err
	}
	return nil
}

// Abandon releases a claim that did no work and puts back the state,
// error and completion time the file had before Begin.
func (t *Ticket) Abandon(ctx context.Context) error {
	if t.finished {
		return nil
	}
	t.finished = true

	ctx, cancel := database.DetachedContext(ctx)
	defer cancel()
	return t.update(ctx, func(f *repository.FileRecord) error {
		f.ClearClaim()
		t.prior.restore(f)
		return nil
	})
}

// Claim is a maintenance hold taken by Guard.Hold.
type Claim struct {
	guard     *Guard
	FileID    int64
	CaseID    int64
	Token     string
	Operation repository.Operation
}

func (c *Claim) update(ctx context.Context, fn func(*repository.FileRecord)) error {
	_, err := c.guard.repo.UpdateFileLocked(ctx, c.FileID, func(f *repository.FileRecord) error {
		if f.ActiveTaskToken != c.Token {
			return failure.ErrTokenLost
		}
		fn(f)
		return nil
	})
	return err
}

// Heartbeat extends the hold.
func (c *Claim) Heartbeat(ctx context.Context) error {
	return c.update(ctx, func(f *repository.FileRecord) {
		f.TaskHeartbeatAt = c.guard.now()
	})
}

// Release drops the hold on a detached context. The file keeps whatever
// state it had.
func (c *Claim) Release(ctx context.Context) error {
	ctx, cancel := database.DetachedContext(ctx)
	defer cancel()
	return c.update(ctx, func(f *repository.FileRecord) {
		f.ClearClaim()
	})
}
