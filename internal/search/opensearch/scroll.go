package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/telhawk-systems/casehawk/internal/search"
)

type searchReply struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *searchReply) page() *search.Page {
	p := &search.Page{ScrollID: r.ScrollID, Total: r.Hits.Total.Value}
	p.Hits = make([]search.Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		p.Hits = append(p.Hits, search.Hit{ID: h.ID, Source: h.Source})
	}
	return p
}

// OpenScroll starts a scroll over every match, sorted by _doc.
func (e *Engine) OpenScroll(ctx context.Context, index string, query search.Query, size int, keepAlive time.Duration) (*search.Page, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query":            query,
		"size":             size,
		"sort":             []string{"_doc"},
		"track_total_hits": true,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(index),
		e.client.Search.WithBody(bytes.NewReader(body)),
		e.client.Search.WithScroll(keepAlive),
		e.client.Search.WithIgnoreUnavailable(true),
	)
	var reply searchReply
	if err := decode("open scroll", res, err, &reply); err != nil {
		return nil, err
	}
	return reply.page(), nil
}

// Scroll fetches the next page of an open scroll.
func (e *Engine) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*search.Page, error) {
	body, err := json.Marshal(map[string]interface{}{
		"scroll":    keepAliveParam(keepAlive),
		"scroll_id": scrollID,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.client.Scroll(
		e.client.Scroll.WithContext(ctx),
		e.client.Scroll.WithBody(bytes.NewReader(body)),
	)
	var reply searchReply
	if err := decode("scroll", res, err, &reply); err != nil {
		return nil, err
	}
	return reply.page(), nil
}

// ClearScroll releases server-side scroll state. An already expired scroll
// is not an error.
func (e *Engine) ClearScroll(ctx context.Context, scrollID string) error {
	if scrollID == "" {
		return nil
	}
	body, err := json.Marshal(map[string]interface{}{"scroll_id": []string{scrollID}})
	if err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.client.ClearScroll(
		e.client.ClearScroll.WithContext(ctx),
		e.client.ClearScroll.WithBody(bytes.NewReader(body)),
	)
	if err == nil && res.StatusCode == 404 {
		res.Body.Close()
		return nil
	}
	return decode("clear scroll", res, err, nil)
}

func (e *Engine) Count(ctx context.Context, index string, query search.Query) (int64, error) {
	body, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return 0, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.client.Count(
		e.client.Count.WithContext(ctx),
		e.client.Count.WithIndex(index),
		e.client.Count.WithBody(bytes.NewReader(body)),
		e.client.Count.WithIgnoreUnavailable(true),
	)
	var reply struct {
		Count int64 `json:"count"`
	}
	if err := decode("count", res, err, &reply); err != nil {
		return 0, err
	}
	return reply.Count, nil
}

func (e *Engine) Refresh(ctx context.Context, index string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.client.Indices.Refresh(
		e.client.Indices.Refresh.WithContext(ctx),
		e.client.Indices.Refresh.WithIndex(index),
	)
	return decode("refresh", res, err, nil)
}
