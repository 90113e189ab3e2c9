// Package processor runs file operations end to end: it claims the file,
// drives the indexing, rule-scan and IOC-hunt passes and settles the File
// Record into a terminal state.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/telhawk-systems/casehawk/internal/database"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/guard"
	"github.com/telhawk-systems/casehawk/internal/hunt"
	"github.com/telhawk-systems/casehawk/internal/indexer"
	"github.com/telhawk-systems/casehawk/internal/lease"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/metrics"
	"github.com/telhawk-systems/casehawk/internal/reader"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/reset"
	"github.com/telhawk-systems/casehawk/internal/rules"
)

// Deps are the components a Processor drives.
type Deps struct {
	Repo    repository.Repository
	Guard   *guard.Guard
	Locker  *lease.Locker
	Gate    indexer.Gate
	Indexer *indexer.Indexer
	Scanner *rules.Scanner
	Hunter  *hunt.Hunter
	Reset   *reset.Coordinator
	Files   afero.Fs
}

// Processor is safe for concurrent use; every worker shares one.
type Processor struct {
	Deps
	logger    *slog.Logger
	startedAt time.Time
	processed atomic.Uint64
	failed    atomic.Uint64
}

func New(deps Deps, logger *slog.Logger) *Processor {
	if deps.Files == nil {
		deps.Files = afero.NewOsFs()
	}
	return &Processor{Deps: deps, logger: logger, startedAt: time.Now().UTC()}
}

// Run performs op on one file. It never returns an error: the outcome
// carries the status, and Outcome.Err the cause.
func (p *Processor) Run(ctx context.Context, fileID int64, op repository.Operation) *Outcome {
	return p.run(ctx, fileID, op, false)
}

// RunCase runs a rule scan or IOC hunt over every file of a case while
// holding the case lease. Each file is still claimed individually; files
// that are busy or unindexed come back skipped.
func (p *Processor) RunCase(ctx context.Context, caseID int64, op repository.Operation) ([]*Outcome, error) {
	if op != repository.OpRuleScan && op != repository.OpIOCHunt {
		return nil, fmt.Errorf("operation %s cannot run case-wide", op)
	}

	var outcomes []*Outcome
	err := p.Locker.Hold(ctx, lease.CaseKey(caseID), p.Guard.Worker(), string(op), func(ctx context.Context) error {
		files, err := p.Repo.ListFiles(ctx, caseID)
		if err != nil {
			return fmt.Errorf("list files of case %d: %w", caseID, err)
		}
		for _, f := range files {
			out := p.run(ctx, f.ID, op, true)
			outcomes = append(outcomes, out)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return nil
	})

	p.logger.InfoContext(ctx, "case-wide operation finished",
		logging.CaseID(caseID),
		logging.Operation(string(op)),
		"files", len(outcomes))
	return outcomes, err
}

func (p *Processor) run(ctx context.Context, fileID int64, op repository.Operation, underLease bool) *Outcome {
	start := time.Now()
	out := &Outcome{FileID: fileID, Operation: op, Worker: p.Guard.Worker()}
	log := p.logger.With(logging.FileID(fileID), logging.Operation(string(op)))

	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	ticket, err := p.Guard.Begin(ctx, fileID, op)
	if err != nil {
		p.finish(ctx, log, out, interrupted(ctx, err), start)
		return out
	}
	out.CaseID = ticket.CaseID

	if !underLease {
		if err := p.caseIdle(ctx, ticket.CaseID); err != nil {
			if aerr := ticket.Abandon(ctx); aerr != nil {
				log.ErrorContext(ctx, "failed to release task token", logging.Error(aerr))
			}
			p.finish(ctx, log, out, interrupted(ctx, err), start)
			return out
		}
	}

	err = interrupted(ctx, p.execute(ctx, ticket, out))
	if ferr := ticket.Finish(ctx, err); ferr != nil {
		log.ErrorContext(ctx, "failed to release task token", logging.Error(ferr))
		if err == nil {
			err = ferr
		}
	}
	p.finish(ctx, log, out, err, start)
	return out
}

// interrupted turns an error caused by the worker shutting down into a
// transient one, so the file fails retryably and the task is redelivered
// instead of the file being reported as cancelled by an operator.
func interrupted(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || errors.Is(err, failure.ErrCancelled) {
		return err
	}
	return failure.Transient("worker shutdown", fmt.Errorf("interrupted: %v", err))
}

// caseIdle refuses to run while another worker holds the case lease for a
// case-wide clear, scan or hunt. It runs after the claim: a case-wide
// operation either sees the claim when it reaches this file or took the
// lease first and is seen here. A refused claim is abandoned.
func (p *Processor) caseIdle(ctx context.Context, caseID int64) error {
	holder, err := p.Locker.Holder(ctx, lease.CaseKey(caseID))
	if err != nil {
		return failure.Transient("read case lease", err)
	}
	if holder != nil {
		return fmt.Errorf("%w: case %d is locked by %s for %s",
			failure.ErrAlreadyProcessing, caseID, holder.Owner, holder.Operation)
	}
	return nil
}

func (p *Processor) finish(ctx context.Context, log *slog.Logger, out *Outcome, err error, start time.Time) {
	elapsed := time.Since(start)
	out.settle(err, elapsed)
	metrics.TaskDuration.WithLabelValues(string(out.Operation), string(out.Status)).Observe(elapsed.Seconds())

	switch out.Status {
	case StatusSuccess:
		p.processed.Add(1)
		log.InfoContext(ctx, "operation completed", logging.Duration(out.DurationMS), "summary", out.Message)
	case StatusSkipped:
		log.InfoContext(ctx, "operation skipped", "reason", out.Message)
	case StatusCancelled:
		log.InfoContext(ctx, "operation cancelled", logging.Duration(out.DurationMS))
	default:
		p.failed.Add(1)
		log.ErrorContext(ctx, "operation failed",
			"class", out.ErrorClass,
			"retryable", out.Retryable,
			logging.Duration(out.DurationMS),
			logging.Error(err))
	}
}

func (p *Processor) execute(ctx context.Context, ticket *guard.Ticket, out *Outcome) error {
	switch ticket.Operation {
	case repository.OpReindex:
		// Refuse before purging anything if the cluster cannot take the
		// documents back.
		if err := p.Gate.Check(ctx, string(ticket.Operation)); err != nil {
			return err
		}
		report, err := p.Reset.PrepareReindex(ctx, ticket.CaseID, ticket.FileID, ticket)
		out.Counts.Reset = report
		if err != nil {
			return err
		}
		return p.pipeline(ctx, ticket, out)
	case repository.OpFull:
		return p.pipeline(ctx, ticket, out)
	case repository.OpRuleScan:
		return p.scan(ctx, ticket, out, true)
	case repository.OpIOCHunt:
		return p.hunt(ctx, ticket, out, true)
	default:
		return fmt.Errorf("unknown operation %q", ticket.Operation)
	}
}

// pipeline indexes the file, then scans and hunts the fresh documents. A
// resumed run skips indexing and replaces whatever results the interrupted
// run left behind.
func (p *Processor) pipeline(ctx context.Context, ticket *guard.Ticket, out *Outcome) error {
	if !ticket.Resume {
		if err := p.index(ctx, ticket, out); err != nil {
			return err
		}
	}
	if err := p.scan(ctx, ticket, out, ticket.Resume); err != nil {
		return err
	}
	if err := ticket.Transition(ctx, repository.StateIOCHunting); err != nil {
		return err
	}
	return p.hunt(ctx, ticket, out, ticket.Resume)
}

func (p *Processor) index(ctx context.Context, ticket *guard.Ticket, out *Outcome) error {
	rec := ticket.Record()
	stream, err := reader.Open(p.Files, rec.StoragePath, rec.SourceFormat)
	if err != nil {
		return err
	}
	defer stream.Close()

	res, err := p.Indexer.Index(ctx, indexer.FileJob{
		CaseID:    ticket.CaseID,
		FileID:    ticket.FileID,
		Path:      rec.StoragePath,
		Format:    rec.SourceFormat,
		Operation: string(ticket.Operation),
		Progress:  ticket,
	}, stream)
	out.Counts.Index = res
	if err != nil {
		return err
	}
	return ticket.CommitIndexed(ctx, repository.StateRuleScanning,
		int64(res.Indexed), int64(res.Failed+res.Malformed), res.IndexRef)
}

// scan runs the rule pass. Standalone scans clear the file's previous
// violations first; after indexing there are none.
func (p *Processor) scan(ctx context.Context, ticket *guard.Ticket, out *Outcome, clearFirst bool) error {
	if clearFirst {
		report, err := p.Reset.Reset(ctx, fileScope(ticket), reset.WhatViolations)
		out.Counts.Reset = report
		if err != nil {
			return err
		}
	}
	res, err := p.Scanner.Scan(ctx, rules.Job{CaseID: ticket.CaseID, FileID: ticket.FileID, Progress: ticket})
	out.Counts.Scan = res

	rctx, cancel := database.DetachedContext(ctx)
	defer cancel()
	if rerr := p.Repo.RecountFile(rctx, ticket.FileID); rerr != nil && err == nil {
		err = fmt.Errorf("recount file %d: %w", ticket.FileID, rerr)
	}
	return err
}

func (p *Processor) hunt(ctx context.Context, ticket *guard.Ticket, out *Outcome, clearFirst bool) error {
	if clearFirst {
		report, err := p.Reset.Reset(ctx, fileScope(ticket), reset.WhatMatches)
		out.Counts.Reset = report
		if err != nil {
			return err
		}
	}
	res, err := p.Hunter.Hunt(ctx, hunt.Job{CaseID: ticket.CaseID, FileID: ticket.FileID, Progress: ticket})
	out.Counts.Hunt = res
	return err
}

func fileScope(t *guard.Ticket) reset.Scope {
	return reset.Scope{Kind: reset.ScopeFile, CaseID: t.CaseID, FileID: t.FileID}
}

// Stats is a snapshot of processor counters.
type Stats struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
	Worker        string `json:"worker"`
}

// Health returns live status for health checks.
func (p *Processor) Health() Stats {
	return Stats{
		UptimeSeconds: int64(time.Since(p.startedAt).Seconds()),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		Worker:        p.Guard.Worker(),
	}
}
