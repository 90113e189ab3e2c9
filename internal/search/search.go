// Package search defines the contract between casehawk and its document
// search engine. The production implementation lives in search/opensearch;
// search/memsearch provides an in-process engine for tests and local runs.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/casehawk/internal/event"
)

// Field names of the per-case index.
const (
	FieldEventTime       = "event_time"
	FieldHost            = "host"
	FieldEventType       = "event_type_code"
	FieldSourceFormat    = "source_format"
	FieldCaseID          = "case_id"
	FieldFileID          = "file_id"
	FieldFileIDs         = "file_ids"
	FieldRaw             = "raw"
	FieldHasRule         = "has_rule_violation"
	FieldRuleNames       = "violated_rule_names"
	FieldHasIOC          = "has_ioc_match"
	FieldIndicatorValues = "matched_indicator_values"
)

// Query is a query DSL object, e.g. {"term": {"file_id": 3}}.
type Query = map[string]any

// IndexName returns the index holding all documents of a case.
func IndexName(prefix string, caseID int64) string {
	return fmt.Sprintf("%s-case-%d", prefix, caseID)
}

// Document is one canonical event keyed by its identity.
type Document struct {
	ID   string
	Body event.Document
}

// ItemStatus is the engine's verdict on one bulk item.
type ItemStatus int

const (
	ItemCreated ItemStatus = iota
	ItemUpdated
	ItemNoop
	ItemFailed
)

// ItemResult is the outcome for one document of a bulk request.
type ItemResult struct {
	ID     string
	Status ItemStatus
	Reason string
}

// BulkResult aggregates a bulk request. Only items the engine acknowledged
// count as Created, Updated or Noop.
type BulkResult struct {
	Items   []ItemResult
	Created int
	Updated int
	Noop    int
	Failed  int
}

// Add records one item outcome.
func (r *BulkResult) Add(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.Status {
	case ItemCreated:
		r.Created++
	case ItemUpdated:
		r.Updated++
	case ItemNoop:
		r.Noop++
	default:
		r.Failed++
	}
}

// Acknowledged returns the number of items the engine accepted.
func (r *BulkResult) Acknowledged() int {
	return r.Created + r.Updated + r.Noop
}

// FailureSamples returns up to n distinct failure reasons.
func (r *BulkResult) FailureSamples(n int) []string {
	var out []string
	seen := map[string]bool{}
	for _, it := range r.Items {
		if it.Status != ItemFailed || seen[it.Reason] {
			continue
		}
		seen[it.Reason] = true
		out = append(out, it.Reason)
		if len(out) == n {
			break
		}
	}
	return out
}

// AnnotationKind selects which annotation fields an update touches.
type AnnotationKind string

const (
	AnnotateRule AnnotationKind = "rule"
	AnnotateIOC  AnnotationKind = "ioc"
)

// Fields returns the flag and list field names for the kind.
func (k AnnotationKind) Fields() (flag, list string) {
	if k == AnnotateRule {
		return FieldHasRule, FieldRuleNames
	}
	return FieldHasIOC, FieldIndicatorValues
}

// Annotation marks one document: sets the kind's flag and adds Values to
// its list without duplicates.
type Annotation struct {
	ID     string
	Kind   AnnotationKind
	Values []string
}

// Hit is one document returned by a scroll page.
type Hit struct {
	ID     string
	Source json.RawMessage
}

// Document decodes the hit's source.
func (h Hit) Document() (*event.Document, error) {
	var d event.Document
	if err := json.Unmarshal(h.Source, &d); err != nil {
		return nil, fmt.Errorf("decode hit %s: %w", h.ID, err)
	}
	return &d, nil
}

// Page is one scroll page. An empty Hits slice means the cursor is exhausted.
type Page struct {
	ScrollID string
	Hits     []Hit
	Total    int64
}

// Health is the subset of cluster health the capacity gate needs.
type Health struct {
	ActiveShards int
	DataNodes    int
}

// ReleaseResult reports what ReleaseFile did.
type ReleaseResult struct {
	Deleted int64
	Updated int64
}

// Engine is everything casehawk needs from the search service.
//
// All methods honour ctx deadlines. Errors are classified through the
// failure package: request-level throttling and 5xx responses are
// *failure.TransientError, credential problems *failure.PermissionError.
type Engine interface {
	// EnsureIndex creates index with the casehawk mapping if it does not exist.
	EnsureIndex(ctx context.Context, index string) error

	ClusterHealth(ctx context.Context) (*Health, error)

	// MaxShardsPerNode returns the effective cluster.max_shards_per_node.
	MaxShardsPerNode(ctx context.Context) (int, error)

	// BulkUpsert writes docs keyed by ID. A document that already exists is
	// overwritten only when the incoming owner file_id matches the stored
	// one, keeping its annotations; otherwise the incoming file is appended
	// to file_ids, or the item is a noop if it was already listed.
	BulkUpsert(ctx context.Context, index string, docs []Document) (*BulkResult, error)

	// BulkAnnotate applies annotations to existing documents.
	BulkAnnotate(ctx context.Context, index string, anns []Annotation) (*BulkResult, error)

	// ClearAnnotations resets the kind's flag and list on every document
	// matching filter and returns how many were changed.
	ClearAnnotations(ctx context.Context, index string, filter Query, kind AnnotationKind) (int64, error)

	// ReleaseFile removes fileID from every document it contributed to.
	// Documents left with no contributing file are deleted; documents it
	// owned pass to the next contributor, annotations included.
	ReleaseFile(ctx context.Context, index string, fileID int64) (*ReleaseResult, error)

	OpenScroll(ctx context.Context, index string, query Query, size int, keepAlive time.Duration) (*Page, error)
	Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*Page, error)
	ClearScroll(ctx context.Context, scrollID string) error

	Count(ctx context.Context, index string, query Query) (int64, error)
	Refresh(ctx context.Context, index string) error
}
