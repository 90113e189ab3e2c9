// Package hunt searches a file's documents for the active indicators of its
// case and records every hit as an IOC match.
package hunt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/database"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/metrics"
	"github.com/telhawk-systems/casehawk/internal/query"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/retriever"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/search"
)

const (
	defaultCommitBatch = 500
	errorSamples       = 5
)

// Progress is told about every page. It returns failure.ErrCancelled when
// the operator asked to stop.
type Progress interface {
	Heartbeat(ctx context.Context) error
}

// Walker visits every hit of a query. *retriever.Retriever satisfies it.
type Walker interface {
	Each(ctx context.Context, index string, query search.Query, fn retriever.PageFunc) (*retriever.Stats, error)
}

// Annotator writes annotations back onto documents.
type Annotator interface {
	BulkAnnotate(ctx context.Context, index string, anns []search.Annotation) (*search.BulkResult, error)
}

// Job is one file to hunt through.
type Job struct {
	CaseID   int64
	FileID   int64
	Progress Progress
}

// CompileFailure is an indicator skipped because its value cannot be
// searched for.
type CompileFailure struct {
	IndicatorID int64  `json:"indicator_id"`
	Value       string `json:"value"`
	Reason      string `json:"reason"`
}

// Result summarises a hunt.
type Result struct {
	Indicators         int              `json:"indicators"`
	Searched           int              `json:"searched"`
	Pages              int              `json:"pages"`
	Truncated          bool             `json:"truncated,omitempty"`
	Hits               int64            `json:"hits"`
	Matches            int64            `json:"matches"`
	Annotated          int              `json:"annotated"`
	AnnotationFailures int              `json:"annotation_failures,omitempty"`
	CompileFailures    []CompileFailure `json:"compile_failures,omitempty"`
	ErrorSamples       []string         `json:"error_samples,omitempty"`
	ByIndicator        map[string]int64 `json:"by_indicator,omitempty"`
}

func (r *Result) sample(msg string) {
	if len(r.ErrorSamples) < errorSamples {
		r.ErrorSamples = append(r.ErrorSamples, msg)
	}
}

type Hunter struct {
	compiler    *query.Compiler
	walker      Walker
	annotator   Annotator
	repo        repository.Repository
	commitBatch int
	indexPrefix string
	retry       retry.Policy
	logger      *slog.Logger
	now         func() time.Time
}

func NewHunter(compiler *query.Compiler, walker Walker, annotator Annotator, repo repository.Repository,
	cfg config.HuntConfig, indexPrefix string, policy retry.Policy, logger *slog.Logger) *Hunter {
	h := &Hunter{
		compiler:    compiler,
		walker:      walker,
		annotator:   annotator,
		repo:        repo,
		commitBatch: cfg.CommitBatch,
		indexPrefix: indexPrefix,
		retry:       policy,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if h.commitBatch <= 0 {
		h.commitBatch = defaultCommitBatch
	}
	return h
}

// Hunt runs every active indicator of the case against the documents the
// file owns. An indicator whose value cannot be compiled is skipped and its
// last_error set; the others still run. Matches are committed in
// sub-batches, and the file and indicator counts are recomputed from the
// stored rows on every exit path. The caller clears the file's previous
// matches first.
func (h *Hunter) Hunt(ctx context.Context, job Job) (res *Result, err error) {
	res = &Result{ByIndicator: map[string]int64{}}
	log := h.logger.With(logging.CaseID(job.CaseID), logging.FileID(job.FileID))

	indicators, err := h.repo.ListIndicators(ctx, job.CaseID, true)
	if err != nil {
		return res, fmt.Errorf("list indicators: %w", err)
	}
	res.Indicators = len(indicators)
	if len(indicators) == 0 {
		log.InfoContext(ctx, "no active indicators, skipping hunt")
		return res, nil
	}

	defer func() {
		rctx, cancel := database.DetachedContext(ctx)
		defer cancel()
		if rerr := h.recount(rctx, job); rerr != nil && err == nil {
			err = rerr
		}
	}()

	index := search.IndexName(h.indexPrefix, job.CaseID)
	for _, ind := range indicators {
		compiled, cerr := h.compiler.Compile(*ind)
		if cerr != nil {
			if err := h.rejectIndicator(ctx, ind, cerr, res); err != nil {
				return res, err
			}
			continue
		}
		if ind.LastError != "" {
			if err := h.repo.SetIndicatorError(ctx, ind.ID, ""); err != nil {
				return res, fmt.Errorf("clear indicator %d error: %w", ind.ID, err)
			}
		}

		if err := h.huntOne(ctx, job, index, compiled, res); err != nil {
			return res, err
		}
		res.Searched++
	}

	log.InfoContext(ctx, "ioc hunt finished",
		"indicators", res.Indicators,
		"searched", res.Searched,
		"compile_failures", len(res.CompileFailures),
		"matches", res.Matches,
		"truncated", res.Truncated)
	return res, nil
}

func (h *Hunter) rejectIndicator(ctx context.Context, ind *repository.Indicator, cerr error, res *Result) error {
	var compileErr *failure.QueryCompileError
	if !errors.As(cerr, &compileErr) {
		return fmt.Errorf("compile indicator %d: %w", ind.ID, cerr)
	}
	res.CompileFailures = append(res.CompileFailures, CompileFailure{
		IndicatorID: ind.ID,
		Value:       ind.Value,
		Reason:      compileErr.Reason,
	})
	h.logger.WarnContext(ctx, "skipping indicator that cannot be compiled",
		logging.Indicator(ind.ID), "type", ind.Type, logging.Error(cerr))
	if err := h.repo.SetIndicatorError(ctx, ind.ID, cerr.Error()); err != nil {
		return fmt.Errorf("record indicator %d error: %w", ind.ID, err)
	}
	return nil
}

// huntOne walks the hits of one indicator. Hits found before a failure or
// a cancellation are still committed.
func (h *Hunter) huntOne(ctx context.Context, job Job, index string, compiled *query.Compiled, res *Result) error {
	var pending []repository.IOCMatch
	stats, err := h.walker.Each(ctx, index, compiled.For(job.CaseID, job.FileID), func(ctx context.Context, hits []search.Hit) error {
		if job.Progress != nil {
			if err := job.Progress.Heartbeat(ctx); err != nil {
				return err
			}
		}
		for _, hit := range hits {
			pending = append(pending, repository.IOCMatch{
				IndicatorID:  compiled.IndicatorID,
				CaseID:       job.CaseID,
				FileID:       job.FileID,
				DocumentID:   hit.ID,
				MatchedValue: compiled.Value,
				MatchedAt:    h.now(),
			})
			if len(pending) >= h.commitBatch {
				if err := h.commit(ctx, index, pending, res); err != nil {
					return err
				}
				pending = pending[:0]
			}
		}
		return nil
	})
	if stats != nil {
		res.Pages += stats.Pages
		res.Hits += stats.Hits
		res.ByIndicator[compiled.Value] += stats.Hits
		res.Truncated = res.Truncated || stats.Truncated
	}

	if len(pending) > 0 {
		commitCtx, cancel := database.DetachedContext(ctx)
		cerr := h.commit(commitCtx, index, pending, res)
		cancel()
		if err == nil {
			err = cerr
		}
	}
	return err
}

// commit stores match rows, then flags their documents.
func (h *Hunter) commit(ctx context.Context, index string, batch []repository.IOCMatch, res *Result) error {
	n, err := h.repo.InsertMatches(ctx, batch)
	if err != nil {
		return fmt.Errorf("store ioc matches: %w", err)
	}
	res.Matches += n
	metrics.IOCMatches.Add(float64(n))

	anns := make([]search.Annotation, 0, len(batch))
	for _, m := range batch {
		anns = append(anns, search.Annotation{ID: m.DocumentID, Kind: search.AnnotateIOC, Values: []string{m.MatchedValue}})
	}

	var out *search.BulkResult
	err = retry.Do(ctx, h.retry, h.logger, "annotate ioc matches", func() error {
		var err error
		out, err = h.annotator.BulkAnnotate(ctx, index, anns)
		return err
	})
	if err != nil {
		return fmt.Errorf("annotate ioc matches: %w", err)
	}
	res.Annotated += out.Acknowledged()
	if out.Failed > 0 {
		res.AnnotationFailures += out.Failed
		for _, reason := range out.FailureSamples(errorSamples) {
			res.sample(reason)
		}
		h.logger.WarnContext(ctx, "some ioc annotations were rejected",
			logging.Index(index), "failed", out.Failed)
	}
	return nil
}

func (h *Hunter) recount(ctx context.Context, job Job) error {
	if err := h.repo.RecountFile(ctx, job.FileID); err != nil {
		return fmt.Errorf("recount file %d: %w", job.FileID, err)
	}
	if err := h.repo.RecountIndicators(ctx, job.CaseID); err != nil {
		return fmt.Errorf("recount indicators of case %d: %w", job.CaseID, err)
	}
	return nil
}
