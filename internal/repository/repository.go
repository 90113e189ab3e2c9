// Package repository persists File Records, indicators and the hunting
// results derived from them. PostgreSQL is the production store; SQLite
// serves single-node installs and tests.
package repository

import (
	"context"
	"errors"
	"time"
)

var (
	ErrFileNotFound      = errors.New("file record not found")
	ErrIndicatorNotFound = errors.New("indicator not found")
	ErrIndicatorExists   = errors.New("indicator already exists")
)

// State is the processing state of a file.
type State string

const (
	StateQueued       State = "queued"
	StateIndexing     State = "indexing"
	StateRuleScanning State = "rule-scanning"
	StateIOCHunting   State = "ioc-hunting"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no task is expected to move the file further.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Operation is a unit of work that can be requested for a file.
type Operation string

const (
	OpFull     Operation = "full"
	OpReindex  Operation = "reindex"
	OpRuleScan Operation = "rule-scan"
	OpIOCHunt  Operation = "ioc-hunt"
)

// Operations lists every valid operation.
var Operations = []Operation{OpFull, OpReindex, OpRuleScan, OpIOCHunt}

// Maintenance claims hold a file briefly without running a pipeline. They
// cannot be requested.
const (
	OpClear   Operation = "clear"
	OpInherit Operation = "inherit"
)

// Maintenance reports whether op is a maintenance claim.
func (op Operation) Maintenance() bool {
	return op == OpClear || op == OpInherit
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Indexes reports whether op writes events to the search engine.
func (op Operation) Indexes() bool {
	return op == OpFull || op == OpReindex
}

// FileRecord is the durable state of one ingested file.
type FileRecord struct {
	ID              int64     `json:"id"`
	CaseID          int64     `json:"case_id"`
	StoragePath     string    `json:"storage_path"`
	SourceFormat    string    `json:"source_format"`
	State           State     `json:"processing_state"`
	ActiveTaskToken string    `json:"active_task_token,omitempty"`
	TaskOwner       string    `json:"task_owner,omitempty"`
	TaskOperation   Operation `json:"task_operation,omitempty"`
	TaskHeartbeatAt time.Time `json:"task_heartbeat_at,omitzero"`
	IsIndexed       bool      `json:"is_indexed"`
	EventCount      int64     `json:"event_count"`
	IndexErrorCount int64     `json:"index_error_count"`
	ViolationCount  int64     `json:"violation_count"`
	IOCMatchCount   int64     `json:"ioc_match_count"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	ErrorClass      string    `json:"error_class,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	IndexRef        string    `json:"index_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
}

// Claimed reports whether a task token is currently set.
func (f *FileRecord) Claimed() bool {
	return f.ActiveTaskToken != ""
}

// Stale reports whether the claim's heartbeat is older than staleAfter.
func (f *FileRecord) Stale(now time.Time, staleAfter time.Duration) bool {
	if !f.Claimed() {
		return false
	}
	return f.TaskHeartbeatAt.IsZero() || now.Sub(f.TaskHeartbeatAt) > staleAfter
}

// ClearClaim drops the task token and its bookkeeping.
func (f *FileRecord) ClearClaim() {
	f.ActiveTaskToken = ""
	f.TaskOwner = ""
	f.TaskOperation = ""
	f.TaskHeartbeatAt = time.Time{}
}

// Indicator types.
const (
	IndicatorIP          = "ip"
	IndicatorDomain      = "domain"
	IndicatorURL         = "url"
	IndicatorHash        = "hash"
	IndicatorFilename    = "filename"
	IndicatorPath        = "path"
	IndicatorAccount     = "account"
	IndicatorCommand     = "command"
	IndicatorRegistryKey = "registry_key"
	IndicatorEmail       = "email"
	IndicatorUserAgent   = "user_agent"
)

// IndicatorTypes lists every accepted indicator type.
var IndicatorTypes = []string{
	IndicatorIP, IndicatorDomain, IndicatorURL, IndicatorHash, IndicatorFilename, IndicatorPath,
	IndicatorAccount, IndicatorCommand, IndicatorRegistryKey, IndicatorEmail, IndicatorUserAgent,
}

// Indicator is an analyst-supplied IOC.
type Indicator struct {
	ID         int64     `json:"id" yaml:"id"`
	CaseID     int64     `json:"case_id" yaml:"case_id"`
	Type       string    `json:"type" yaml:"type"`
	Value      string    `json:"value" yaml:"value"`
	Active     bool      `json:"active" yaml:"active"`
	MatchCount int64     `json:"match_count" yaml:"match_count"`
	LastError  string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// IOCMatch records that an indicator matched a document of a file.
type IOCMatch struct {
	IndicatorID  int64     `json:"indicator_id"`
	CaseID       int64     `json:"case_id"`
	FileID       int64     `json:"file_id"`
	DocumentID   string    `json:"document_id"`
	MatchedValue string    `json:"matched_value"`
	MatchedAt    time.Time `json:"matched_at"`
}

// Violation records that a rule matched a document of a file.
type Violation struct {
	RuleID     string    `json:"rule_id"`
	RuleTitle  string    `json:"rule_title"`
	RuleLevel  string    `json:"rule_level"`
	CaseID     int64     `json:"case_id"`
	FileID     int64     `json:"file_id"`
	DocumentID string    `json:"document_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// Scope restricts result queries to a case, or to one file of it when
// FileID is non-zero.
type Scope struct {
	CaseID int64
	FileID int64
}

// Repository is the persistence contract shared by both stores.
type Repository interface {
	Ping(ctx context.Context) error
	Close()

	CreateFile(ctx context.Context, f *FileRecord) error
	GetFile(ctx context.Context, id int64) (*FileRecord, error)
	ListFiles(ctx context.Context, caseID int64) ([]*FileRecord, error)
	// ListClaimedFiles returns every record holding a task token.
	ListClaimedFiles(ctx context.Context) ([]*FileRecord, error)
	// UpdateFileLocked reads the record under a row lock, lets fn modify
	// it and writes it back in the same transaction. Nothing is written
	// when fn returns an error. Derived counts (violations, matches) are
	// not written; see RecountFile.
	UpdateFileLocked(ctx context.Context, id int64, fn func(*FileRecord) error) (*FileRecord, error)
	// RecountFile recomputes a file's violation and match counts from the
	// rows that remain.
	RecountFile(ctx context.Context, fileID int64) error

	CreateIndicator(ctx context.Context, ind *Indicator) error
	GetIndicator(ctx context.Context, id int64) (*Indicator, error)
	ListIndicators(ctx context.Context, caseID int64, activeOnly bool) ([]*Indicator, error)
	SetIndicatorActive(ctx context.Context, id int64, active bool) error
	SetIndicatorError(ctx context.Context, id int64, msg string) error
	DeleteIndicator(ctx context.Context, id int64) error
	// RecountIndicators recomputes match_count for every indicator of a case.
	RecountIndicators(ctx context.Context, caseID int64) error

	// InsertMatches stores matches, ignoring ones already recorded for the
	// same indicator and document, and returns how many were new.
	InsertMatches(ctx context.Context, matches []IOCMatch) (int64, error)
	ListMatches(ctx context.Context, scope Scope) ([]IOCMatch, error)
	DeleteMatches(ctx context.Context, scope Scope) (int64, error)

	// InsertViolations is InsertMatches for rule violations, unique on rule
	// and document.
	InsertViolations(ctx context.Context, violations []Violation) (int64, error)
	ListViolations(ctx context.Context, scope Scope) ([]Violation, error)
	DeleteViolations(ctx context.Context, scope Scope) (int64, error)

	// ReassignResults moves fromFile's violations and matches on the
	// documents in heirs to the file each document passes to, in one
	// transaction, and returns how many rows moved.
	ReassignResults(ctx context.Context, caseID, fromFile int64, heirs map[string]int64) (int64, error)
}
