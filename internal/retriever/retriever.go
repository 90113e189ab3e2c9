// Package retriever walks every document matching a query using a scroll
// cursor, so results are never capped at a single page.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/database"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/metrics"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/search"
)

const (
	defaultPageSize  = 2000
	defaultKeepAlive = 5 * time.Minute
	defaultMaxPages  = 10000
)

// Scroller is the part of search.Engine the retriever needs.
type Scroller interface {
	OpenScroll(ctx context.Context, index string, query search.Query, size int, keepAlive time.Duration) (*search.Page, error)
	Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*search.Page, error)
	ClearScroll(ctx context.Context, scrollID string) error
}

// PageFunc handles one page of hits. Returning an error stops the walk.
type PageFunc func(ctx context.Context, hits []search.Hit) error

// Stats describes a finished walk.
type Stats struct {
	Pages     int   `json:"pages"`
	Hits      int64 `json:"hits"`
	Total     int64 `json:"total"`
	Truncated bool  `json:"truncated"`
}

type Retriever struct {
	engine    Scroller
	pageSize  int
	keepAlive time.Duration
	maxPages  int
	retry     retry.Policy
	logger    *slog.Logger
}

func New(engine Scroller, cfg config.HuntConfig, policy retry.Policy, logger *slog.Logger) *Retriever {
	r := &Retriever{
		engine:    engine,
		pageSize:  cfg.PageSize,
		keepAlive: cfg.ScrollKeepAlive,
		maxPages:  cfg.MaxPages,
		retry:     policy,
		logger:    logger,
	}
	if r.pageSize <= 0 {
		r.pageSize = defaultPageSize
	}
	if r.keepAlive <= 0 {
		r.keepAlive = defaultKeepAlive
	}
	if r.maxPages <= 0 {
		r.maxPages = defaultMaxPages
	}
	return r
}

// Each calls fn for every non-empty page matching query until the cursor
// is exhausted, fn fails, ctx is done or max_pages is reached. Reaching
// max_pages is not an error: Stats.Truncated is set and a warning logged.
// The scroll context is always released.
func (r *Retriever) Each(ctx context.Context, index string, query search.Query, fn PageFunc) (*Stats, error) {
	stats := &Stats{}

	var page *search.Page
	// Opening is safe to retry; advancing a cursor is not, a lost response
	// would skip a page.
	err := retry.Do(ctx, r.retry, r.logger, "open scroll", func() error {
		var err error
		page, err = r.engine.OpenScroll(ctx, index, query, r.pageSize, r.keepAlive)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("open scroll on %s: %w", index, err)
	}

	scrollID := page.ScrollID
	defer func() {
		if scrollID == "" {
			return
		}
		clearCtx, cancel := database.DetachedContext(ctx)
		defer cancel()
		if err := r.engine.ClearScroll(clearCtx, scrollID); err != nil {
			r.logger.WarnContext(ctx, "failed to clear scroll", logging.Index(index), logging.Error(err))
		}
	}()

	stats.Total = page.Total
	for len(page.Hits) > 0 {
		if stats.Pages >= r.maxPages {
			stats.Truncated = true
			metrics.RetrieverTruncations.Inc()
			r.logger.WarnContext(ctx, "scroll stopped at page limit, results are incomplete",
				logging.Index(index),
				"max_pages", r.maxPages,
				"hits", stats.Hits,
				"total", stats.Total)
			break
		}

		stats.Pages++
		stats.Hits += int64(len(page.Hits))
		metrics.RetrieverPages.Inc()

		if err := fn(ctx, page.Hits); err != nil {
			return stats, err
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err = r.engine.Scroll(ctx, scrollID, r.keepAlive)
		if err != nil {
			return stats, fmt.Errorf("scroll %s page %d: %w", index, stats.Pages+1, err)
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}
	return stats, nil
}
