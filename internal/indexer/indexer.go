// Package indexer streams a file's records through normalization and
// identity hashing into the search engine in bounded batches.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/identity"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/metrics"
	"github.com/telhawk-systems/casehawk/internal/normalizer"
	"github.com/telhawk-systems/casehawk/internal/reader"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/search"
)

const (
	defaultBatchSize      = 2000
	defaultMaxFailureRate = 0.10
	defaultSamples        = 5
	failureSamples        = 3
)

// Gate is the pre-flight capacity check run before every batch.
type Gate interface {
	Check(ctx context.Context, op string) error
}

// Progress is told about every batch boundary. It returns
// failure.ErrCancelled when the operator asked to stop.
type Progress interface {
	Heartbeat(ctx context.Context) error
}

// FileJob identifies the file being indexed.
type FileJob struct {
	CaseID    int64
	FileID    int64
	Path      string
	Format    string
	Operation string
	Progress  Progress
}

// Result counts what happened to a file's records. Indexed only counts
// documents the engine acknowledged.
type Result struct {
	Indexed          int      `json:"indexed"`
	Created          int      `json:"created"`
	Deduplicated     int      `json:"deduplicated"`
	Failed           int      `json:"failed"`
	Malformed        int      `json:"malformed"`
	Batches          int      `json:"batches"`
	IndexRef         string   `json:"index_ref"`
	MalformedSamples []string `json:"malformed_samples,omitempty"`
}

// Indexer is safe for concurrent use by multiple workers.
type Indexer struct {
	engine         search.Engine
	hasher         *identity.Hasher
	normalizers    *normalizer.Registry
	gate           Gate
	retry          retry.Policy
	batchSize      int
	maxFailureRate float64
	maxSamples     int
	indexPrefix    string
	logger         *slog.Logger
	now            func() time.Time
}

func New(engine search.Engine, hasher *identity.Hasher, normalizers *normalizer.Registry, gate Gate,
	cfg config.ProcessingConfig, indexPrefix string, logger *slog.Logger) *Indexer {
	ix := &Indexer{
		engine:         engine,
		hasher:         hasher,
		normalizers:    normalizers,
		gate:           gate,
		retry:          retry.FromConfig(cfg),
		batchSize:      cfg.BatchSize,
		maxFailureRate: cfg.MaxFailureRate,
		maxSamples:     cfg.MalformedSamples,
		indexPrefix:    indexPrefix,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if ix.batchSize <= 0 {
		ix.batchSize = defaultBatchSize
	}
	if ix.maxFailureRate <= 0 {
		ix.maxFailureRate = defaultMaxFailureRate
	}
	if ix.maxSamples <= 0 {
		ix.maxSamples = defaultSamples
	}
	return ix
}

// IndexName returns the index documents of caseID are written to.
func (ix *Indexer) IndexName(caseID int64) string {
	return search.IndexName(ix.indexPrefix, caseID)
}

// Index drains stream into the case index. The result is returned even on
// error and reflects every batch that completed. Errors are:
// *failure.CapacityExceededError before a batch is written,
// *failure.PartialIndexFailureError when a batch's rejection rate exceeds
// the limit, failure.ErrCancelled at a batch boundary, or whatever the
// engine or stream returned.
func (ix *Indexer) Index(ctx context.Context, job FileJob, stream reader.Stream) (*Result, error) {
	index := ix.IndexName(job.CaseID)
	res := &Result{IndexRef: index}
	log := ix.logger.With(logging.CaseID(job.CaseID), logging.FileID(job.FileID), logging.Index(index))

	if err := ix.gate.Check(ctx, job.Operation); err != nil {
		return res, err
	}
	if err := retry.Do(ctx, ix.retry, ix.logger, "ensure index", func() error {
		return ix.engine.EnsureIndex(ctx, index)
	}); err != nil {
		return res, fmt.Errorf("ensure index %s: %w", index, err)
	}

	b := &batch{seen: map[string]bool{}}
	ingestedAt := ix.now()

	for {
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, failure.ErrMalformedRecord) {
				ix.malformed(ctx, log, res, job.Format, err)
				continue
			}
			return res, fmt.Errorf("read %s: %w", job.Path, err)
		}

		ev, err := ix.normalizers.Normalize(rec)
		if err != nil {
			if errors.Is(err, failure.ErrMalformedRecord) {
				ix.malformed(ctx, log, res, job.Format, err)
				continue
			}
			return res, err
		}
		ev.Source.FileID = job.FileID
		ev.Source.Path = job.Path

		id := ix.hasher.Identity(job.CaseID, ev)
		if b.seen[id] {
			// Same identity twice in one batch: the engine would see the
			// second as a noop, so it never leaves the process.
			res.Deduplicated++
			continue
		}
		b.seen[id] = true
		b.docs = append(b.docs, search.Document{ID: id, Body: ev.Document(job.CaseID, ingestedAt)})

		if len(b.docs) >= ix.batchSize {
			if err := ix.flush(ctx, job, index, b, res); err != nil {
				return res, err
			}
		}
	}

	if len(b.docs) > 0 {
		if err := ix.flush(ctx, job, index, b, res); err != nil {
			return res, err
		}
	}

	if err := retry.Do(ctx, ix.retry, ix.logger, "refresh", func() error {
		return ix.engine.Refresh(ctx, index)
	}); err != nil {
		return res, fmt.Errorf("refresh %s: %w", index, err)
	}

	log.InfoContext(ctx, "file indexed",
		"indexed", res.Indexed,
		"created", res.Created,
		"deduplicated", res.Deduplicated,
		"failed", res.Failed,
		"malformed", res.Malformed,
		"batches", res.Batches)
	return res, nil
}

type batch struct {
	docs []search.Document
	seen map[string]bool
}

func (b *batch) reset() {
	b.docs = b.docs[:0]
	clear(b.seen)
}

// flush writes one batch. Cancellation, heartbeat and capacity are checked
// before anything is sent.
func (ix *Indexer) flush(ctx context.Context, job FileJob, index string, b *batch, res *Result) error {
	defer b.reset()

	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Progress != nil {
		if err := job.Progress.Heartbeat(ctx); err != nil {
			return err
		}
	}
	if err := ix.gate.Check(ctx, job.Operation); err != nil {
		return err
	}

	var out *search.BulkResult
	err := retry.Do(ctx, ix.retry, ix.logger, "bulk upsert", func() error {
		var err error
		out, err = ix.engine.BulkUpsert(ctx, index, b.docs)
		return err
	})
	if err != nil {
		return fmt.Errorf("bulk upsert batch %d: %w", res.Batches+1, err)
	}

	res.Batches++
	res.Indexed += out.Acknowledged()
	res.Created += out.Created
	res.Deduplicated += out.Updated + out.Noop
	res.Failed += out.Failed

	metrics.EventsIndexed.WithLabelValues("created").Add(float64(out.Created))
	metrics.EventsIndexed.WithLabelValues("updated").Add(float64(out.Updated))
	metrics.EventsIndexed.WithLabelValues("noop").Add(float64(out.Noop))
	if out.Failed > 0 {
		metrics.BulkFailures.Add(float64(out.Failed))
	}

	total := len(b.docs)
	if total > 0 && float64(out.Failed)/float64(total) > ix.maxFailureRate {
		return &failure.PartialIndexFailureError{
			Batch:     res.Batches,
			Failed:    out.Failed,
			Total:     total,
			Threshold: ix.maxFailureRate,
			Samples:   out.FailureSamples(failureSamples),
		}
	}
	if out.Failed > 0 {
		ix.logger.WarnContext(ctx, "engine rejected documents",
			logging.FileID(job.FileID),
			"batch", res.Batches,
			"failed", out.Failed,
			"samples", out.FailureSamples(failureSamples))
	}
	return nil
}

func (ix *Indexer) malformed(ctx context.Context, log *slog.Logger, res *Result, format string, err error) {
	res.Malformed++
	metrics.MalformedRecords.WithLabelValues(format).Inc()
	if len(res.MalformedSamples) < ix.maxSamples {
		res.MalformedSamples = append(res.MalformedSamples, err.Error())
		log.WarnContext(ctx, "skipping malformed record", logging.Error(err))
	}
}
