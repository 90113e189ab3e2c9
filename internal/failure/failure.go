// Package failure defines the error taxonomy for ingestion, scanning and
// hunting, and turns any error into an operator-facing class and detail.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers wrap them with context via fmt.Errorf("%w").
var (
	// ErrMalformedRecord marks a single unparsable record. It is counted and
	// skipped; it never fails a file on its own.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrAlreadyProcessing is returned when another task owns the file.
	ErrAlreadyProcessing = errors.New("file is already being processed")

	// ErrAlreadyIndexed is returned for a full operation on an indexed file.
	ErrAlreadyIndexed = errors.New("file is already indexed")

	// ErrNotIndexed is returned for scan or hunt operations on a file whose
	// documents are not in the index yet.
	ErrNotIndexed = errors.New("file is not indexed")

	// ErrCancelled is returned when an operator cancellation was observed.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTokenLost means the task's ownership token was cleared underneath it,
	// normally by the reconciliation sweep.
	ErrTokenLost = errors.New("task ownership token lost")

	// ErrUnreadableFile means the source file could not be opened or decoded
	// as a whole.
	ErrUnreadableFile = errors.New("unreadable source file")
)

// Malformed wraps ErrMalformedRecord with a reason.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...))
}

// CapacityExceededError is the pre-flight rejection raised by the capacity
// gate before any document of a batch is written.
type CapacityExceededError struct {
	Current   int
	Max       int
	Threshold float64 // percent
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("search capacity exceeded: %d of %d shards in use (%.1f%%, threshold %.1f%%)",
		e.Current, e.Max, e.Utilization(), e.Threshold)
}

// Utilization returns the current usage in percent.
func (e *CapacityExceededError) Utilization() float64 {
	if e.Max <= 0 {
		return 100
	}
	return float64(e.Current) * 100 / float64(e.Max)
}

// PartialIndexFailureError is raised when the engine rejected more of a
// batch than the configured failure rate allows.
type PartialIndexFailureError struct {
	Batch     int
	Failed    int
	Total     int
	Threshold float64 // fraction
	Samples   []string
}

func (e *PartialIndexFailureError) Error() string {
	msg := fmt.Sprintf("batch %d: engine rejected %d of %d documents (%.1f%%, threshold %.1f%%)",
		e.Batch, e.Failed, e.Total, e.Rate()*100, e.Threshold*100)
	if len(e.Samples) > 0 {
		msg += ": " + strings.Join(e.Samples, "; ")
	}
	return msg
}

// Rate returns the rejected fraction of the batch.
func (e *PartialIndexFailureError) Rate() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Failed) / float64(e.Total)
}

// QueryCompileError is reported against a single indicator.
type QueryCompileError struct {
	IndicatorID int64
	Value       string
	Reason      string
}

func (e *QueryCompileError) Error() string {
	return fmt.Sprintf("indicator %d: cannot compile %q: %s", e.IndicatorID, e.Value, e.Reason)
}

// TransientError wraps a failure expected to succeed on retry: engine
// throttling, 5xx responses, timeouts and connection resets.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// PermissionError is returned when the engine refused our credentials.
type PermissionError struct {
	Op     string
	Status int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied by search engine (HTTP %d)", e.Op, e.Status)
}

// FromStatus maps a failed engine HTTP status to the taxonomy.
func FromStatus(op string, status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return &PermissionError{Op: op, Status: status}
	case status == 429 || status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d: %s", status, truncate(body, 512))}
	default:
		return fmt.Errorf("%s: HTTP %d: %s", op, status, truncate(body, 512))
	}
}

// FromTransport classifies an error returned before any HTTP status was
// received. Network failures are transient; context cancellation is not.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
