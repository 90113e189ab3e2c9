// Package reset removes analysis results (rule violations, IOC matches and
// the document annotations that mirror them) for one file or a whole case,
// and purges a file's documents before it is reindexed.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/guard"
	"github.com/telhawk-systems/casehawk/internal/lease"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/retriever"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/search"
)

// ScopeKind selects what a clear applies to.
type ScopeKind string

const (
	ScopeFile ScopeKind = "file"
	ScopeCase ScopeKind = "case"
)

// Scope is the target of a clear. FileID is required for ScopeFile.
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	CaseID int64     `json:"case_id"`
	FileID int64     `json:"file_id,omitempty"`
}

func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeFile:
		if s.FileID <= 0 {
			return fmt.Errorf("file scope needs a file id")
		}
	case ScopeCase:
	default:
		return fmt.Errorf("unknown scope %q", s.Kind)
	}
	if s.CaseID <= 0 {
		return fmt.Errorf("scope needs a case id")
	}
	return nil
}

func (s Scope) rows() repository.Scope {
	if s.Kind == ScopeFile {
		return repository.Scope{CaseID: s.CaseID, FileID: s.FileID}
	}
	return repository.Scope{CaseID: s.CaseID}
}

// filter selects documents by their owning file, never by index name.
func (s Scope) filter() search.Query {
	fileID := int64(0)
	if s.Kind == ScopeFile {
		fileID = s.FileID
	}
	return search.Bool{Filter: search.Scope(s.CaseID, fileID)}.Query()
}

// What selects which results are cleared.
type What string

const (
	WhatViolations What = "violations"
	WhatMatches    What = "ioc-matches"
	WhatAll        What = "all"
)

func (w What) Valid() bool {
	return w == WhatViolations || w == WhatMatches || w == WhatAll
}

func (w What) violations() bool { return w == WhatViolations || w == WhatAll }
func (w What) matches() bool    { return w == WhatMatches || w == WhatAll }

// Report counts what a clear removed.
type Report struct {
	Scope               Scope `json:"scope"`
	What                What  `json:"what"`
	ViolationsDeleted   int64 `json:"violations_deleted"`
	MatchesDeleted      int64 `json:"matches_deleted"`
	RuleFlagsCleared    int64 `json:"rule_flags_cleared"`
	IOCFlagsCleared     int64 `json:"ioc_flags_cleared"`
	DocumentsDeleted    int64 `json:"documents_deleted,omitempty"`
	DocumentsReassigned int64 `json:"documents_reassigned,omitempty"`
	DocumentsInherited  int64 `json:"documents_inherited,omitempty"`
	ResultsReassigned   int64 `json:"results_reassigned,omitempty"`
}

func (r *Report) add(o *Report) {
	if o == nil {
		return
	}
	r.ViolationsDeleted += o.ViolationsDeleted
	r.MatchesDeleted += o.MatchesDeleted
	r.RuleFlagsCleared += o.RuleFlagsCleared
	r.IOCFlagsCleared += o.IOCFlagsCleared
}

// Engine is the part of search.Engine a reset touches.
type Engine interface {
	ClearAnnotations(ctx context.Context, index string, filter search.Query, kind search.AnnotationKind) (int64, error)
	ReleaseFile(ctx context.Context, index string, fileID int64) (*search.ReleaseResult, error)
	Refresh(ctx context.Context, index string) error
}

// Walker pages through documents. *retriever.Retriever satisfies it.
type Walker interface {
	Each(ctx context.Context, index string, query search.Query, fn retriever.PageFunc) (*retriever.Stats, error)
}

// Unindexer is told when a file's documents are gone. *guard.Ticket
// satisfies it.
type Unindexer interface {
	ResetIndexed(ctx context.Context) error
}

type Coordinator struct {
	repo        repository.Repository
	engine      Engine
	walker      Walker
	guard       *guard.Guard
	locker      *lease.Locker
	indexPrefix string
	retry       retry.Policy
	logger      *slog.Logger
}

func New(repo repository.Repository, engine Engine, walker Walker, g *guard.Guard, locker *lease.Locker,
	indexPrefix string, policy retry.Policy, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		repo:        repo,
		engine:      engine,
		walker:      walker,
		guard:       g,
		locker:      locker,
		indexPrefix: indexPrefix,
		retry:       policy,
		logger:      logger,
	}
}

// Clear is the operator entry point. It holds every file it touches for the
// whole clear, so no task can start on them meanwhile, and refuses with
// failure.ErrAlreadyProcessing while a live task works on the file, or on
// any file of the case for a case-wide clear. A case-wide clear also runs
// under the case lease.
func (c *Coordinator) Clear(ctx context.Context, scope Scope, what What) (*Report, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !what.Valid() {
		return nil, fmt.Errorf("unknown clear target %q", what)
	}

	if scope.Kind == ScopeFile {
		f, err := c.repo.GetFile(ctx, scope.FileID)
		if err != nil {
			return nil, err
		}
		if f.CaseID != scope.CaseID {
			return nil, fmt.Errorf("file %d does not belong to case %d: %w", f.ID, scope.CaseID, repository.ErrFileNotFound)
		}
		release, err := c.hold(ctx, []int64{f.ID}, repository.OpClear)
		if err != nil {
			return nil, err
		}
		defer release()
		return c.Reset(ctx, scope, what)
	}

	var report *Report
	err := c.locker.Hold(ctx, lease.CaseKey(scope.CaseID), c.guard.Worker(), string(repository.OpClear), func(ctx context.Context) error {
		files, err := c.repo.ListFiles(ctx, scope.CaseID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(files))
		for _, f := range files {
			ids = append(ids, f.ID)
		}
		release, err := c.hold(ctx, ids, repository.OpClear)
		if err != nil {
			return err
		}
		defer release()
		report, err = c.Reset(ctx, scope, what)
		return err
	})
	return report, err
}

// hold takes a maintenance claim on every file and heartbeats them until
// the returned release is called. If any file is busy the claims already
// taken are released and the error returned.
func (c *Coordinator) hold(ctx context.Context, fileIDs []int64, op repository.Operation) (func(), error) {
	claims := make([]*guard.Claim, 0, len(fileIDs))
	releaseAll := func() {
		for _, claim := range claims {
			if err := claim.Release(ctx); err != nil {
				c.logger.WarnContext(ctx, "failed to release hold", logging.FileID(claim.FileID), logging.Error(err))
			}
		}
	}
	for _, id := range fileIDs {
		claim, err := c.guard.Hold(ctx, id, op)
		if err != nil {
			releaseAll()
			return nil, err
		}
		claims = append(claims, claim)
	}
	if len(claims) == 0 {
		return func() {}, nil
	}

	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.guard.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				for _, claim := range claims {
					if err := claim.Heartbeat(hctx); err != nil && hctx.Err() == nil {
						c.logger.WarnContext(hctx, "hold heartbeat failed", logging.FileID(claim.FileID), logging.Error(err))
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
		releaseAll()
	}, nil
}

// Reset clears without checking who else is working. Callers hold the file,
// by ticket or hold, or the case lease. Annotations are cleared before rows
// so a crash leaves rows that a rerun will clear again, never flags without
// rows.
func (c *Coordinator) Reset(ctx context.Context, scope Scope, what What) (*Report, error) {
	index := search.IndexName(c.indexPrefix, scope.CaseID)
	report := &Report{Scope: scope, What: what}
	log := c.logger.With(logging.CaseID(scope.CaseID), logging.FileID(scope.FileID), "scope", scope.Kind, "what", what)

	if what.violations() {
		n, err := c.clearFlags(ctx, index, scope, search.AnnotateRule)
		if err != nil {
			return report, err
		}
		report.RuleFlagsCleared = n
		if report.ViolationsDeleted, err = c.repo.DeleteViolations(ctx, scope.rows()); err != nil {
			return report, fmt.Errorf("delete violations: %w", err)
		}
	}
	if what.matches() {
		n, err := c.clearFlags(ctx, index, scope, search.AnnotateIOC)
		if err != nil {
			return report, err
		}
		report.IOCFlagsCleared = n
		if report.MatchesDeleted, err = c.repo.DeleteMatches(ctx, scope.rows()); err != nil {
			return report, fmt.Errorf("delete ioc matches: %w", err)
		}
	}

	if err := c.recount(ctx, scope, what); err != nil {
		return report, err
	}

	log.InfoContext(ctx, "results cleared",
		"violations_deleted", report.ViolationsDeleted,
		"matches_deleted", report.MatchesDeleted,
		"rule_flags_cleared", report.RuleFlagsCleared,
		"ioc_flags_cleared", report.IOCFlagsCleared)
	return report, nil
}

func (c *Coordinator) clearFlags(ctx context.Context, index string, scope Scope, kind search.AnnotationKind) (int64, error) {
	var n int64
	err := retry.Do(ctx, c.retry, c.logger, "clear annotations", func() error {
		var err error
		n, err = c.engine.ClearAnnotations(ctx, index, scope.filter(), kind)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear %s annotations: %w", kind, err)
	}
	return n, nil
}

// recount rebuilds the derived counts from the rows left after a clear.
func (c *Coordinator) recount(ctx context.Context, scope Scope, what What) error {
	if scope.Kind == ScopeFile {
		if err := c.repo.RecountFile(ctx, scope.FileID); err != nil {
			return fmt.Errorf("recount file %d: %w", scope.FileID, err)
		}
	} else {
		files, err := c.repo.ListFiles(ctx, scope.CaseID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := c.repo.RecountFile(ctx, f.ID); err != nil {
				return fmt.Errorf("recount file %d: %w", f.ID, err)
			}
		}
	}
	if what.matches() {
		if err := c.repo.RecountIndicators(ctx, scope.CaseID); err != nil {
			return fmt.Errorf("recount indicators: %w", err)
		}
	}
	return nil
}

// heirs maps each document owned by fileID that another file also
// contributed to onto the contributor that takes it over on release.
func (c *Coordinator) heirs(ctx context.Context, index string, caseID, fileID int64) (map[string]int64, error) {
	heirs := make(map[string]int64)
	query := search.Bool{Filter: search.Scope(caseID, fileID)}.Query()
	stats, err := c.walker.Each(ctx, index, query, func(ctx context.Context, hits []search.Hit) error {
		for _, hit := range hits {
			doc, err := hit.Document()
			if err != nil {
				return err
			}
			for _, other := range doc.FileIDs {
				if other != fileID {
					heirs[hit.ID] = other
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find shared documents of file %d: %w", fileID, err)
	}
	if stats.Truncated {
		return nil, fmt.Errorf("file %d owns more documents than one walk returns", fileID)
	}
	return heirs, nil
}

// PrepareReindex purges a file before it is indexed again. Documents only
// it contributed are deleted with their results. A document it owns that
// other files also contributed passes to the earliest of them together with
// its annotations, and its violation and match rows move to that file; the
// heirs are held for the transfer. The file is then marked unindexed.
//
// Each step can be repeated: rows move before the documents do, and what
// is left on the file afterwards is cleared like any other reset.
func (c *Coordinator) PrepareReindex(ctx context.Context, caseID, fileID int64, file Unindexer) (*Report, error) {
	index := search.IndexName(c.indexPrefix, caseID)
	scope := Scope{Kind: ScopeFile, CaseID: caseID, FileID: fileID}
	report := &Report{Scope: scope, What: WhatAll}

	heirs, err := c.heirs(ctx, index, caseID, fileID)
	if err != nil {
		return report, err
	}
	heirFiles := slices.Compact(slices.Sorted(maps.Values(heirs)))
	release, err := c.hold(ctx, heirFiles, repository.OpInherit)
	if err != nil {
		if errors.Is(err, failure.ErrAlreadyProcessing) {
			return report, failure.Transient("inherit documents", fmt.Errorf("file %d: %v", fileID, err))
		}
		return report, err
	}
	defer release()

	if report.ResultsReassigned, err = c.repo.ReassignResults(ctx, caseID, fileID, heirs); err != nil {
		return report, fmt.Errorf("reassign results of file %d: %w", fileID, err)
	}
	report.DocumentsInherited = int64(len(heirs))

	var released *search.ReleaseResult
	err = retry.Do(ctx, c.retry, c.logger, "release file", func() error {
		var err error
		released, err = c.engine.ReleaseFile(ctx, index, fileID)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("release documents of file %d: %w", fileID, err)
	}
	report.DocumentsDeleted = released.Deleted
	report.DocumentsReassigned = released.Updated

	// The clear below selects by owner and must not see the pre-release view.
	if err := retry.Do(ctx, c.retry, c.logger, "refresh", func() error { return c.engine.Refresh(ctx, index) }); err != nil {
		return report, fmt.Errorf("refresh %s: %w", index, err)
	}

	cleared, err := c.Reset(ctx, scope, WhatAll)
	report.add(cleared)
	if err != nil {
		return report, err
	}
	for _, heir := range heirFiles {
		if err := c.repo.RecountFile(ctx, heir); err != nil {
			return report, fmt.Errorf("recount file %d: %w", heir, err)
		}
	}

	if err := c.engine.Refresh(ctx, index); err != nil {
		c.logger.WarnContext(ctx, "refresh after release failed", logging.Index(index), logging.Error(err))
	}
	if err := file.ResetIndexed(ctx); err != nil {
		return report, err
	}

	c.logger.InfoContext(ctx, "file prepared for reindex",
		logging.CaseID(caseID),
		logging.FileID(fileID),
		"documents_deleted", released.Deleted,
		"documents_reassigned", released.Updated,
		"documents_inherited", report.DocumentsInherited,
		"results_reassigned", report.ResultsReassigned)
	return report, nil
}
