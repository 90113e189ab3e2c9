// Package memsearch is an in-process search.Engine. It keeps documents as
// decoded JSON, evaluates the query DSL subset casehawk emits, and parses
// query_string terms more strictly than the real engine so escaping
// mistakes surface as errors instead of silently different matches.
package memsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/search"
)

type index struct {
	docs  map[string]map[string]any
	order []string
}

type cursor struct {
	index string
	ids   []string
	pos   int
	size  int
}

// Engine is safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	indices map[string]*index
	scrolls map[string]*cursor
	nextID  int

	health    search.Health
	maxShards int

	reject       func(search.Document) string
	failBulk     []error
	bulkRequests int
}

var _ search.Engine = (*Engine)(nil)

// New returns an empty single-node engine with a 1000 shard limit.
func New() *Engine {
	return &Engine{
		indices:   map[string]*index{},
		scrolls:   map[string]*cursor{},
		health:    search.Health{DataNodes: 1},
		maxShards: 1000,
	}
}

// SetCapacity overrides what ClusterHealth and MaxShardsPerNode report.
func (e *Engine) SetCapacity(activeShards, dataNodes, maxShardsPerNode int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = search.Health{ActiveShards: activeShards, DataNodes: dataNodes}
	e.maxShards = maxShardsPerNode
}

// RejectWhen makes BulkUpsert fail every document for which fn returns a
// non-empty reason.
func (e *Engine) RejectWhen(fn func(search.Document) string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject = fn
}

// FailNextBulk makes the next len(errs) BulkUpsert calls return errs in order
// without writing anything.
func (e *Engine) FailNextBulk(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failBulk = append(e.failBulk, errs...)
}

// BulkRequests counts BulkUpsert calls that reached the engine.
func (e *Engine) BulkRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bulkRequests
}

// OpenScrolls counts scroll contexts not yet cleared.
func (e *Engine) OpenScrolls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scrolls)
}

// DocCount returns the number of documents in idx.
func (e *Engine) DocCount(idx string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ix := e.indices[idx]; ix != nil {
		return len(ix.docs)
	}
	return 0
}

// Document decodes one stored document.
func (e *Engine) Document(idx, id string) (*event.Document, bool) {
	e.mu.Lock()
	ix := e.indices[idx]
	var raw []byte
	if ix != nil {
		if doc, ok := ix.docs[id]; ok {
			raw, _ = json.Marshal(doc)
		}
	}
	e.mu.Unlock()
	if raw == nil {
		return nil, false
	}
	var d event.Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func (e *Engine) getIndex(name string) *index {
	ix := e.indices[name]
	if ix == nil {
		ix = &index{docs: map[string]map[string]any{}}
		e.indices[name] = ix
		e.health.ActiveShards++
	}
	return ix
}

func (e *Engine) EnsureIndex(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.getIndex(name)
	return nil
}

func (e *Engine) ClusterHealth(ctx context.Context) (*search.Health, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.health
	return &h, nil
}

func (e *Engine) MaxShardsPerNode(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxShards, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}

func listHas(list []any, fid int64) bool {
	for _, f := range list {
		if n, ok := asInt(f); ok && n == fid {
			return true
		}
	}
	return false
}

// coreKeys are the fields the owning file may overwrite.
var coreKeys = []string{
	search.FieldEventTime, search.FieldHost, search.FieldEventType, search.FieldSourceFormat,
	search.FieldCaseID, "source_path", "record_offset", search.FieldRaw, "ingested_at",
}

func (e *Engine) BulkUpsert(ctx context.Context, name string, docs []search.Document) (*search.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.failBulk) > 0 {
		err := e.failBulk[0]
		e.failBulk = e.failBulk[1:]
		return nil, err
	}
	e.bulkRequests++

	ix := e.getIndex(name)
	result := &search.BulkResult{}
	for _, d := range docs {
		if e.reject != nil {
			if reason := e.reject(d); reason != "" {
				result.Add(search.ItemResult{ID: d.ID, Status: search.ItemFailed, Reason: reason})
				continue
			}
		}
		body, err := toMap(d.Body)
		if err != nil {
			result.Add(search.ItemResult{ID: d.ID, Status: search.ItemFailed, Reason: err.Error()})
			continue
		}

		existing, ok := ix.docs[d.ID]
		if !ok {
			ix.docs[d.ID] = body
			ix.order = append(ix.order, d.ID)
			result.Add(search.ItemResult{ID: d.ID, Status: search.ItemCreated})
			continue
		}

		fid := d.Body.FileID
		if owner, _ := asInt(existing[search.FieldFileID]); owner == fid {
			for _, k := range coreKeys {
				existing[k] = body[k]
			}
			result.Add(search.ItemResult{ID: d.ID, Status: search.ItemUpdated})
			continue
		}
		ids, _ := existing[search.FieldFileIDs].([]any)
		if listHas(ids, fid) {
			result.Add(search.ItemResult{ID: d.ID, Status: search.ItemNoop})
			continue
		}
		existing[search.FieldFileIDs] = append(ids, json.Number(fmt.Sprint(fid)))
		result.Add(search.ItemResult{ID: d.ID, Status: search.ItemUpdated})
	}
	return result, nil
}

func (e *Engine) BulkAnnotate(ctx context.Context, name string, anns []search.Annotation) (*search.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ix := e.getIndex(name)
	result := &search.BulkResult{}
	for _, a := range anns {
		doc, ok := ix.docs[a.ID]
		if !ok {
			result.Add(search.ItemResult{ID: a.ID, Status: search.ItemFailed,
				Reason: fmt.Sprintf("document_missing_exception: [%s]: document missing", a.ID)})
			continue
		}
		flag, list := a.Kind.Fields()
		changed := false
		current, _ := doc[list].([]any)
		for _, v := range a.Values {
			present := false
			for _, c := range current {
				if scalarString(c) == v {
					present = true
					break
				}
			}
			if !present {
				current = append(current, v)
				changed = true
			}
		}
		if current == nil {
			current = []any{}
		}
		doc[list] = current
		if set, _ := doc[flag].(bool); !set {
			doc[flag] = true
			changed = true
		}
		if changed {
			result.Add(search.ItemResult{ID: a.ID, Status: search.ItemUpdated})
		} else {
			result.Add(search.ItemResult{ID: a.ID, Status: search.ItemNoop})
		}
	}
	return result, nil
}

// matching returns ids in insertion order whose documents match q. A
// missing index matches nothing.
func (e *Engine) matching(name string, q search.Query) ([]string, error) {
	norm, err := normalizeQuery(q)
	if err != nil {
		return nil, err
	}
	ix := e.indices[name]
	if ix == nil {
		return nil, nil
	}
	var ids []string
	for _, id := range ix.order {
		doc, ok := ix.docs[id]
		if !ok {
			continue
		}
		ok, err := matches(norm, id, flatten(doc))
		if err != nil {
			return nil, fmt.Errorf("search_phase_execution_exception: %w", err)
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (e *Engine) ClearAnnotations(ctx context.Context, name string, filter search.Query, kind search.AnnotationKind) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	flag, list := kind.Fields()
	q := search.Bool{Filter: []search.Query{filter, search.Term(flag, true)}}.Query()
	ids, err := e.matching(name, q)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		ix := e.indices[name]
		ix.docs[id][flag] = false
		ix.docs[id][list] = []any{}
	}
	return int64(len(ids)), nil
}

func (e *Engine) ReleaseFile(ctx context.Context, name string, fileID int64) (*search.ReleaseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.matching(name, search.Term(search.FieldFileIDs, fileID))
	if err != nil {
		return nil, err
	}
	res := &search.ReleaseResult{}
	if len(ids) == 0 {
		return res, nil
	}
	ix := e.indices[name]
	for _, id := range ids {
		doc := ix.docs[id]
		all, _ := doc[search.FieldFileIDs].([]any)
		var kept []any
		for _, f := range all {
			if n, _ := asInt(f); n != fileID {
				kept = append(kept, f)
			}
		}
		if len(kept) == 0 {
			delete(ix.docs, id)
			res.Deleted++
			continue
		}
		doc[search.FieldFileIDs] = kept
		if owner, _ := asInt(doc[search.FieldFileID]); owner == fileID {
			doc[search.FieldFileID] = kept[0]
		}
		res.Updated++
	}
	ix.compact()
	return res, nil
}

func (ix *index) compact() {
	kept := ix.order[:0]
	for _, id := range ix.order {
		if _, ok := ix.docs[id]; ok {
			kept = append(kept, id)
		}
	}
	ix.order = kept
}

func (e *Engine) OpenScroll(ctx context.Context, name string, q search.Query, size int, keepAlive time.Duration) (*search.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("scroll page size must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.matching(name, q)
	if err != nil {
		return nil, err
	}
	e.nextID++
	sid := fmt.Sprintf("scroll-%d", e.nextID)
	c := &cursor{index: name, ids: ids, size: size}
	e.scrolls[sid] = c
	return e.nextPage(sid, c)
}

func (e *Engine) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*search.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.scrolls[scrollID]
	if !ok {
		return nil, fmt.Errorf("search_context_missing_exception: no search context found for id [%s]", scrollID)
	}
	return e.nextPage(scrollID, c)
}

func (e *Engine) nextPage(sid string, c *cursor) (*search.Page, error) {
	page := &search.Page{ScrollID: sid, Total: int64(len(c.ids)), Hits: []search.Hit{}}
	ix := e.indices[c.index]
	for ix != nil && c.pos < len(c.ids) && len(page.Hits) < c.size {
		id := c.ids[c.pos]
		c.pos++
		doc, ok := ix.docs[id]
		if !ok {
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		page.Hits = append(page.Hits, search.Hit{ID: id, Source: raw})
	}
	return page, nil
}

func (e *Engine) ClearScroll(ctx context.Context, scrollID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.scrolls, scrollID)
	return nil
}

func (e *Engine) Count(ctx context.Context, name string, q search.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ids, err := e.matching(name, q)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (e *Engine) Refresh(ctx context.Context, name string) error {
	return ctx.Err()
}
