package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/hunt"
	"github.com/telhawk-systems/casehawk/internal/indexer"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/reset"
	"github.com/telhawk-systems/casehawk/internal/rules"
)

// Status is the result of an operation as reported to callers.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Counts carries the per-phase results of an operation.
type Counts struct {
	Reset *reset.Report   `json:"reset,omitempty"`
	Index *indexer.Result `json:"index,omitempty"`
	Scan  *rules.Result   `json:"rule_scan,omitempty"`
	Hunt  *hunt.Result    `json:"ioc_hunt,omitempty"`
}

// Outcome is the result payload of one file operation. It is returned to
// the API and CLI and published on the results subject.
type Outcome struct {
	FileID     int64                `json:"file_id"`
	CaseID     int64                `json:"case_id,omitempty"`
	Operation  repository.Operation `json:"operation"`
	Status     Status               `json:"status"`
	Message    string               `json:"message"`
	ErrorClass string               `json:"error_class,omitempty"`
	Retryable  bool                 `json:"retryable,omitempty"`
	Worker     string               `json:"worker"`
	DurationMS int64                `json:"duration_ms"`
	Counts     Counts               `json:"counts"`

	Err error `json:"-"`
}

// settle fills status, message and classification from the run's error.
func (o *Outcome) settle(err error, elapsed time.Duration) {
	o.DurationMS = elapsed.Milliseconds()
	o.Err = err
	switch {
	case err == nil:
		o.Status = StatusSuccess
		o.Message = o.summary()
	case failure.IsSkip(err):
		o.Status = StatusSkipped
		o.Message = err.Error()
	case failure.Classify(err) == failure.ClassCancelled:
		o.Status = StatusCancelled
		o.Message = "cancelled; " + o.summary()
	default:
		o.Status = StatusError
		o.Message = failure.Detail(err)
		o.ErrorClass = string(failure.Classify(err))
		o.Retryable = failure.IsTransient(err)
	}
}

func (o *Outcome) summary() string {
	var parts []string
	if r := o.Counts.Reset; r != nil && r.DocumentsDeleted+r.DocumentsReassigned > 0 {
		parts = append(parts, fmt.Sprintf("released %d documents", r.DocumentsDeleted+r.DocumentsReassigned))
		if r.DocumentsInherited > 0 {
			parts = append(parts, fmt.Sprintf("%d shared documents passed on with their results", r.DocumentsInherited))
		}
	}
	if r := o.Counts.Index; r != nil {
		parts = append(parts, fmt.Sprintf("indexed %d events (%d duplicates, %d malformed, %d rejected)",
			r.Indexed, r.Deduplicated, r.Malformed, r.Failed))
	}
	if r := o.Counts.Scan; r != nil {
		parts = append(parts, fmt.Sprintf("%d rule matches from %d rules", r.Matches, r.Rules))
	}
	if r := o.Counts.Hunt; r != nil {
		parts = append(parts, fmt.Sprintf("%d ioc hits from %d indicators", r.Hits, r.Searched))
		if n := len(r.CompileFailures); n > 0 {
			parts = append(parts, fmt.Sprintf("%d indicators could not be compiled", n))
		}
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, ", ")
}
