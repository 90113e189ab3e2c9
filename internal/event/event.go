// Package event defines the canonical event shape produced by normalizers and
// the search document it is stored as.
package event

import (
	"time"

	"github.com/telhawk-systems/casehawk/internal/payload"
)

// Unknown is substituted for host and event type when a record lacks them,
// so that identity hashing and search always see the same shape.
const Unknown = "unknown"

// ZeroTime is the bucket for records without a usable timestamp.
var ZeroTime = time.Unix(0, 0).UTC()

// Source formats understood by the built-in normalizers.
const (
	FormatEVTXJSON = "evtx_json"
	FormatNDJSON   = "ndjson"
	FormatCSV      = "csv"
	FormatTSV      = "tsv"
)

// SourceRef records where an event came from. It is bookkeeping only and
// never contributes to document identity.
type SourceRef struct {
	FileID int64
	Path   string
	Offset int64
}

// Annotations are the only mutable part of an indexed event.
type Annotations struct {
	HasRuleViolation       bool     `json:"has_rule_violation"`
	ViolatedRuleNames      []string `json:"violated_rule_names"`
	HasIOCMatch            bool     `json:"has_ioc_match"`
	MatchedIndicatorValues []string `json:"matched_indicator_values"`
}

// Event is one forensic log record after normalization.
type Event struct {
	Timestamp     time.Time
	Host          string
	EventTypeCode string
	SourceFormat  string
	Source        SourceRef
	Payload       payload.Value
	Annotations   Annotations
}

// Document is the JSON body stored in the search index for an Event.
type Document struct {
	EventTime     time.Time     `json:"event_time"`
	Host          string        `json:"host"`
	EventTypeCode string        `json:"event_type_code"`
	SourceFormat  string        `json:"source_format"`
	CaseID        int64         `json:"case_id"`
	FileID        int64         `json:"file_id"`
	FileIDs       []int64       `json:"file_ids"`
	SourcePath    string        `json:"source_path"`
	RecordOffset  int64         `json:"record_offset"`
	Raw           payload.Value `json:"raw"`
	IngestedAt    time.Time     `json:"ingested_at"`
	Annotations
}

// Document renders e for the given case. The owning file is e.Source.FileID.
func (e *Event) Document(caseID int64, ingestedAt time.Time) Document {
	raw := e.Payload
	if raw.IsNull() {
		raw = payload.EmptyObject()
	}
	ann := e.Annotations
	if ann.ViolatedRuleNames == nil {
		ann.ViolatedRuleNames = []string{}
	}
	if ann.MatchedIndicatorValues == nil {
		ann.MatchedIndicatorValues = []string{}
	}
	return Document{
		EventTime:     e.Timestamp.UTC(),
		Host:          e.Host,
		EventTypeCode: e.EventTypeCode,
		SourceFormat:  e.SourceFormat,
		CaseID:        caseID,
		FileID:        e.Source.FileID,
		FileIDs:       []int64{e.Source.FileID},
		SourcePath:    e.Source.Path,
		RecordOffset:  e.Source.Offset,
		Raw:           raw,
		IngestedAt:    ingestedAt.UTC(),
		Annotations:   ann,
	}
}

// FillUnknown replaces empty identity fields with their sentinels.
func (e *Event) FillUnknown() {
	if e.Host == "" {
		e.Host = Unknown
	}
	if e.EventTypeCode == "" {
		e.EventTypeCode = Unknown
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = ZeroTime
	}
	if e.Payload.IsNull() {
		e.Payload = payload.EmptyObject()
	}
}
