package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/search"
)

// maxConflictPasses bounds how often update-by-query is re-run while
// concurrent writers keep bumping document versions.
const maxConflictPasses = 5

type itemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type bulkItemReply struct {
	ID     string     `json:"_id"`
	Result string     `json:"result"`
	Status int        `json:"status"`
	Error  *itemError `json:"error"`
}

// BulkUpsert sends docs in one _bulk request of scripted upserts.
func (e *Engine) BulkUpsert(ctx context.Context, index string, docs []search.Document) (*search.BulkResult, error) {
	result := &search.BulkResult{}
	if len(docs) == 0 {
		return result, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]interface{}{
			"update": map[string]interface{}{"_index": index, "_id": d.ID},
		}
		op := map[string]interface{}{
			"script": map[string]interface{}{
				"lang":   "painless",
				"source": upsertScript,
				"params": map[string]interface{}{
					"file_id": d.Body.FileID,
					"core":    coreFields(d.Body),
				},
			},
			"upsert": d.Body,
		}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(op); err != nil {
			return nil, fmt.Errorf("encode document %s: %w", d.ID, err)
		}
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()),
		e.client.Bulk.WithContext(ctx),
		e.client.Bulk.WithIndex(index),
	)
	var reply struct {
		Errors bool                       `json:"errors"`
		Items  []map[string]bulkItemReply `json:"items"`
	}
	if err := decode("bulk upsert", res, err, &reply); err != nil {
		return nil, err
	}

	for _, wrapped := range reply.Items {
		for _, item := range wrapped {
			result.Add(itemResult(item.ID, item.Result, item.Status, item.Error))
		}
	}
	if len(reply.Items) != len(docs) {
		return result, fmt.Errorf("bulk upsert: %d items acknowledged for %d documents", len(reply.Items), len(docs))
	}
	return result, nil
}

// coreFields are the fields the owning file may rewrite.
func coreFields(d event.Document) map[string]interface{} {
	return map[string]interface{}{
		search.FieldEventTime:    d.EventTime,
		search.FieldHost:         d.Host,
		search.FieldEventType:    d.EventTypeCode,
		search.FieldSourceFormat: d.SourceFormat,
		search.FieldCaseID:       d.CaseID,
		"source_path":            d.SourcePath,
		"record_offset":          d.RecordOffset,
		search.FieldRaw:          d.Raw,
		"ingested_at":            d.IngestedAt,
	}
}

func itemResult(id, result string, status int, itemErr *itemError) search.ItemResult {
	if itemErr != nil || status >= 300 {
		reason := fmt.Sprintf("HTTP %d", status)
		if itemErr != nil {
			reason = fmt.Sprintf("%s: %s", itemErr.Type, itemErr.Reason)
		}
		return search.ItemResult{ID: id, Status: search.ItemFailed, Reason: reason}
	}
	switch result {
	case "created":
		return search.ItemResult{ID: id, Status: search.ItemCreated}
	case "noop":
		return search.ItemResult{ID: id, Status: search.ItemNoop}
	default:
		return search.ItemResult{ID: id, Status: search.ItemUpdated}
	}
}

// BulkAnnotate streams scripted partial updates through a BulkIndexer.
// Documents that no longer exist come back as failed items.
func (e *Engine) BulkAnnotate(ctx context.Context, index string, anns []search.Annotation) (*search.BulkResult, error) {
	result := &search.BulkResult{}
	if len(anns) == 0 {
		return result, nil
	}

	var (
		mu       sync.Mutex
		flushErr error
	)
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:     e.client,
		Index:      index,
		NumWorkers: 1,
		OnError: func(ctx context.Context, err error) {
			mu.Lock()
			defer mu.Unlock()
			flushErr = errors.Join(flushErr, err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for _, a := range anns {
		flag, list := a.Kind.Fields()
		body, err := json.Marshal(map[string]interface{}{
			"script": map[string]interface{}{
				"lang":   "painless",
				"source": annotateScript,
				"params": map[string]interface{}{
					"flag":   flag,
					"list":   list,
					"values": a.Values,
				},
			},
		})
		if err != nil {
			return nil, err
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "update",
			DocumentID: a.ID,
			Body:       bytes.NewReader(body),
			OnSuccess: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				defer mu.Unlock()
				result.Add(itemResult(item.DocumentID, res.Result, res.Status, nil))
			},
			OnFailure: func(ctx context.Context, item opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				reason := fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason)
				if err != nil {
					reason = err.Error()
				}
				result.Add(search.ItemResult{ID: item.DocumentID, Status: search.ItemFailed, Reason: reason})
			},
		})
		if err != nil {
			return nil, failure.FromTransport("bulk annotate", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return nil, failure.FromTransport("bulk annotate", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if flushErr != nil {
		return result, failure.Transient("bulk annotate", flushErr)
	}
	return result, nil
}

type byQueryReply struct {
	Updated          int64 `json:"updated"`
	Deleted          int64 `json:"deleted"`
	VersionConflicts int64 `json:"version_conflicts"`
	Failures         []struct {
		Cause struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"cause"`
	} `json:"failures"`
}

// updateByQuery runs script over every match, re-running while version
// conflicts leave matching documents behind.
func (e *Engine) updateByQuery(ctx context.Context, op, index string, query search.Query, script map[string]interface{}) (*byQueryReply, error) {
	total := &byQueryReply{}
	body, err := json.Marshal(map[string]interface{}{"query": query, "script": script})
	if err != nil {
		return total, err
	}

	for pass := 0; pass < maxConflictPasses; pass++ {
		res, err := e.client.UpdateByQuery([]string{index},
			e.client.UpdateByQuery.WithContext(ctx),
			e.client.UpdateByQuery.WithBody(bytes.NewReader(body)),
			e.client.UpdateByQuery.WithConflicts("proceed"),
			e.client.UpdateByQuery.WithIgnoreUnavailable(true),
			e.client.UpdateByQuery.WithRefresh(true),
		)
		var reply byQueryReply
		if err := decode(op, res, err, &reply); err != nil {
			return total, err
		}
		total.Updated += reply.Updated
		total.Deleted += reply.Deleted
		if len(reply.Failures) > 0 {
			f := reply.Failures[0].Cause
			return total, fmt.Errorf("%s: %d failures, first: %s: %s", op, len(reply.Failures), f.Type, f.Reason)
		}
		if reply.VersionConflicts == 0 {
			return total, nil
		}
		e.logger.Debug("update by query hit version conflicts, re-running",
			"operation", op, "index", index, "conflicts", reply.VersionConflicts)
	}
	return total, failure.Transient(op, fmt.Errorf("version conflicts persisted after %d passes", maxConflictPasses))
}

// ClearAnnotations resets one annotation kind on every flagged match.
func (e *Engine) ClearAnnotations(ctx context.Context, index string, filter search.Query, kind search.AnnotationKind) (int64, error) {
	flag, list := kind.Fields()
	query := search.Bool{Filter: []search.Query{filter, search.Term(flag, true)}}.Query()
	reply, err := e.updateByQuery(ctx, "clear annotations", index, query, map[string]interface{}{
		"lang":   "painless",
		"source": clearScript,
		"params": map[string]interface{}{"flag": flag, "list": list},
	})
	return reply.Updated, err
}

// ReleaseFile detaches fileID from every document listing it.
func (e *Engine) ReleaseFile(ctx context.Context, index string, fileID int64) (*search.ReleaseResult, error) {
	reply, err := e.updateByQuery(ctx, "release file", index, search.Term(search.FieldFileIDs, fileID), map[string]interface{}{
		"lang":   "painless",
		"source": releaseScript,
		"params": map[string]interface{}{"file_id": fileID},
	})
	return &search.ReleaseResult{Deleted: reply.Deleted, Updated: reply.Updated}, err
}
