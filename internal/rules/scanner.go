package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/database"
	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/metrics"
	"github.com/telhawk-systems/casehawk/internal/payload"
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

// Job is one file to scan.
type Job struct {
	CaseID   int64
	FileID   int64
	Progress Progress
}

// Result summarises a scan.
type Result struct {
	Rules              int            `json:"rules"`
	Documents          int64          `json:"documents"`
	Pages              int            `json:"pages"`
	Truncated          bool           `json:"truncated,omitempty"`
	Matches            int            `json:"matches"`
	Violations         int64          `json:"violations"`
	Annotated          int            `json:"annotated"`
	AnnotationFailures int            `json:"annotation_failures,omitempty"`
	RuleErrors         int            `json:"rule_errors,omitempty"`
	ErrorSamples       []string       `json:"error_samples,omitempty"`
	ByRule             map[string]int `json:"by_rule,omitempty"`
}

func (r *Result) sample(msg string) {
	if len(r.ErrorSamples) < errorSamples {
		r.ErrorSamples = append(r.ErrorSamples, msg)
	}
}

type Scanner struct {
	rules       *Set
	walker      Walker
	annotator   Annotator
	repo        repository.Repository
	commitBatch int
	indexPrefix string
	retry       retry.Policy
	logger      *slog.Logger
	now         func() time.Time
}

func NewScanner(rules *Set, walker Walker, annotator Annotator, repo repository.Repository,
	cfg config.HuntConfig, indexPrefix string, policy retry.Policy, logger *slog.Logger) *Scanner {
	s := &Scanner{
		rules:       rules,
		walker:      walker,
		annotator:   annotator,
		repo:        repo,
		commitBatch: cfg.CommitBatch,
		indexPrefix: indexPrefix,
		retry:       policy,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.commitBatch <= 0 {
		s.commitBatch = defaultCommitBatch
	}
	return s
}

// Rules returns the loaded rule set.
func (s *Scanner) Rules() *Set {
	return s.rules
}

// Scan evaluates every rule against every document the file owns. Matches
// are committed in sub-batches as they are found, so a crash loses at most
// one sub-batch and a cancellation keeps what was already committed. The
// caller clears the file's previous violations first.
func (s *Scanner) Scan(ctx context.Context, job Job) (*Result, error) {
	res := &Result{Rules: s.rules.Len(), ByRule: map[string]int{}}
	log := s.logger.With(logging.CaseID(job.CaseID), logging.FileID(job.FileID))
	if res.Rules == 0 {
		log.InfoContext(ctx, "no rules loaded, skipping scan")
		return res, nil
	}

	index := search.IndexName(s.indexPrefix, job.CaseID)
	query := search.Scoped(search.MatchAll(), job.CaseID, job.FileID)
	var pending []repository.Violation

	stats, err := s.walker.Each(ctx, index, query, func(ctx context.Context, hits []search.Hit) error {
		if job.Progress != nil {
			if err := job.Progress.Heartbeat(ctx); err != nil {
				return err
			}
		}
		for _, hit := range hits {
			doc, err := hit.Document()
			if err != nil {
				res.sample(err.Error())
				continue
			}
			fields := Fields(doc)
			for _, rule := range s.rules.Rules {
				ok, err := rule.Matches(ctx, fields)
				if err != nil {
					res.RuleErrors++
					res.sample(fmt.Sprintf("rule %s: %v", rule.ID, err))
					continue
				}
				if !ok {
					continue
				}
				res.Matches++
				res.ByRule[rule.Title]++
				pending = append(pending, repository.Violation{
					RuleID:     rule.ID,
					RuleTitle:  rule.Title,
					RuleLevel:  rule.Level,
					CaseID:     job.CaseID,
					FileID:     job.FileID,
					DocumentID: hit.ID,
					DetectedAt: s.now(),
				})
				if len(pending) >= s.commitBatch {
					if err := s.commit(ctx, index, pending, res); err != nil {
						return err
					}
					pending = pending[:0]
				}
			}
		}
		return nil
	})
	if stats != nil {
		res.Documents = stats.Hits
		res.Pages = stats.Pages
		res.Truncated = stats.Truncated
	}

	if len(pending) > 0 {
		// Matches found before a cancellation are still committed.
		commitCtx, cancel := database.DetachedContext(ctx)
		cerr := s.commit(commitCtx, index, pending, res)
		cancel()
		if err == nil {
			err = cerr
		}
	}
	if err != nil {
		return res, err
	}

	log.InfoContext(ctx, "rule scan finished",
		"rules", res.Rules,
		"documents", res.Documents,
		"violations", res.Violations,
		"rule_errors", res.RuleErrors,
		"truncated", res.Truncated)
	return res, nil
}

// commit stores violation rows, then flags their documents.
func (s *Scanner) commit(ctx context.Context, index string, batch []repository.Violation, res *Result) error {
	n, err := s.repo.InsertViolations(ctx, batch)
	if err != nil {
		return fmt.Errorf("store violations: %w", err)
	}
	res.Violations += n
	metrics.RuleViolations.Add(float64(n))

	titles := map[string][]string{}
	var order []string
	for _, v := range batch {
		if _, ok := titles[v.DocumentID]; !ok {
			order = append(order, v.DocumentID)
		}
		titles[v.DocumentID] = append(titles[v.DocumentID], v.RuleTitle)
	}
	anns := make([]search.Annotation, 0, len(order))
	for _, id := range order {
		anns = append(anns, search.Annotation{ID: id, Kind: search.AnnotateRule, Values: titles[id]})
	}

	var out *search.BulkResult
	err = retry.Do(ctx, s.retry, s.logger, "annotate violations", func() error {
		var err error
		out, err = s.annotator.BulkAnnotate(ctx, index, anns)
		return err
	})
	if err != nil {
		return fmt.Errorf("annotate violations: %w", err)
	}
	res.Annotated += out.Acknowledged()
	if out.Failed > 0 {
		res.AnnotationFailures += out.Failed
		for _, reason := range out.FailureSamples(errorSamples) {
			res.sample(reason)
		}
		s.logger.WarnContext(ctx, "some violation annotations were rejected",
			logging.Index(index), "failed", out.Failed)
	}
	return nil
}

// Fields flattens a document for rule evaluation. Payload leaves are
// available under their dotted path and, unless taken, their last path
// segment, so rules written against flat Windows field names match nested
// EVTX exports. Array leaves collect into a list.
func Fields(doc *event.Document) map[string]interface{} {
	out := map[string]interface{}{}
	short := map[string]bool{}
	doc.Raw.Leaves(func(p string, leaf payload.Value) {
		add(out, p, leaf.Text())
		if i := strings.LastIndexByte(p, '.'); i >= 0 {
			name := p[i+1:]
			if _, taken := out[name]; !taken || short[name] {
				short[name] = true
				add(out, name, leaf.Text())
			}
		}
	})
	if _, ok := out["Computer"]; !ok && doc.Host != event.Unknown {
		out["Computer"] = doc.Host
	}
	if _, ok := out["EventID"]; !ok && doc.EventTypeCode != event.Unknown {
		out["EventID"] = doc.EventTypeCode
	}
	return out
}

func add(m map[string]interface{}, key, value string) {
	switch cur := m[key].(type) {
	case nil:
		m[key] = value
	case string:
		m[key] = []interface{}{cur, value}
	case []interface{}:
		m[key] = append(cur, value)
	}
}
