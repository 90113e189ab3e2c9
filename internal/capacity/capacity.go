// Package capacity refuses write-heavy operations when the search cluster is
// close to its shard limit.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/metrics"
	"github.com/telhawk-systems/casehawk/internal/search"
)

const (
	defaultThreshold = 95.0
	defaultCacheTTL  = time.Minute
	settingsKey      = "cluster.max_shards_per_node"
)

// Source reports cluster shard usage. search.Engine satisfies it.
type Source interface {
	ClusterHealth(ctx context.Context) (*search.Health, error)
	MaxShardsPerNode(ctx context.Context) (int, error)
}

// Status is one capacity reading.
type Status struct {
	Current   int     `json:"current"`
	Max       int     `json:"max"`
	Threshold float64 `json:"threshold_percent"`
}

// Utilization returns Current as a percentage of Max.
func (s Status) Utilization() float64 {
	if s.Max <= 0 {
		return 100
	}
	return float64(s.Current) * 100 / float64(s.Max)
}

// Gate is the pre-flight shard capacity check.
type Gate struct {
	src       Source
	threshold float64
	override  int
	settings  *expirable.LRU[string, int]
	logger    *slog.Logger
}

// New creates a gate. The cluster shard limit is cached for
// cfg.SettingsCacheTTL; shard usage is always read live.
func New(src Source, cfg config.CapacityConfig, logger *slog.Logger) *Gate {
	threshold := cfg.ThresholdPercent
	if threshold <= 0 || threshold > 100 {
		threshold = defaultThreshold
	}
	ttl := cfg.SettingsCacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Gate{
		src:       src,
		threshold: threshold,
		override:  cfg.MaxShardsOverride,
		settings:  expirable.NewLRU[string, int](1, nil, ttl),
		logger:    logger,
	}
}

// Status reads current usage and the effective limit. The limit is the
// configured override, or max_shards_per_node times the data node count.
func (g *Gate) Status(ctx context.Context) (*Status, error) {
	health, err := g.src.ClusterHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cluster health: %w", err)
	}

	max := g.override
	if max <= 0 {
		perNode, ok := g.settings.Get(settingsKey)
		if !ok {
			perNode, err = g.src.MaxShardsPerNode(ctx)
			if err != nil {
				return nil, fmt.Errorf("read shard limit: %w", err)
			}
			g.settings.Add(settingsKey, perNode)
		}
		nodes := health.DataNodes
		if nodes < 1 {
			nodes = 1
		}
		max = perNode * nodes
	}

	return &Status{Current: health.ActiveShards, Max: max, Threshold: g.threshold}, nil
}

// Check returns nil when op may proceed, or a *failure.CapacityExceededError
// recording the reading that refused it. Utilization exactly at the
// threshold still passes. Nothing is written either way.
func (g *Gate) Check(ctx context.Context, op string) error {
	st, err := g.Status(ctx)
	if err != nil {
		return err
	}
	metrics.ShardUtilization.Set(st.Utilization() / 100)

	if st.Utilization() <= g.threshold {
		return nil
	}

	metrics.CapacityRejections.WithLabelValues(op).Inc()
	g.logger.WarnContext(ctx, "shard capacity threshold exceeded",
		"operation", op,
		"current_shards", st.Current,
		"max_shards", st.Max,
		"threshold_percent", g.threshold)
	return &failure.CapacityExceededError{Current: st.Current, Max: st.Max, Threshold: g.threshold}
}

// Invalidate drops the cached shard limit.
func (g *Gate) Invalidate() {
	g.settings.Purge()
}
