// Package app assembles casehawk's components from configuration. The
// server, the workers and the CLI all start from an App.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/telhawk-systems/casehawk/internal/capacity"
	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/guard"
	"github.com/telhawk-systems/casehawk/internal/hunt"
	"github.com/telhawk-systems/casehawk/internal/identity"
	"github.com/telhawk-systems/casehawk/internal/indexer"
	"github.com/telhawk-systems/casehawk/internal/lease"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/normalizer"
	"github.com/telhawk-systems/casehawk/internal/processor"
	"github.com/telhawk-systems/casehawk/internal/query"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/reset"
	"github.com/telhawk-systems/casehawk/internal/retriever"
	"github.com/telhawk-systems/casehawk/internal/retry"
	"github.com/telhawk-systems/casehawk/internal/rules"
	"github.com/telhawk-systems/casehawk/internal/search/opensearch"
	"github.com/telhawk-systems/casehawk/internal/tasks"
)

// App holds the connected stores and the components built on them.
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Repo   repository.Repository
	Engine *opensearch.Engine
	Redis  *redis.Client
	Locker *lease.Locker
	Guard  *guard.Guard
	Gate   *capacity.Gate
	Reset  *reset.Coordinator
	Rules  *rules.Set

	Processor *processor.Processor
}

// New connects the database, the search engine and Redis and builds the
// processing components. Migrations are not applied.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	log := logger.Logger

	repo, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.Repo = repo

	engine, err := opensearch.New(ctx, cfg.OpenSearch, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine

	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	} else {
		log.Warn("redis disabled; case leases are not shared between processes")
	}
	a.Locker = lease.New(a.Redis, cfg.Redis, log)

	worker := guard.WorkerID()
	policy := retry.FromConfig(cfg.Processing)
	prefix := cfg.OpenSearch.IndexPrefix

	a.Guard = guard.New(repo, worker, cfg.Processing.StaleAfter, log)
	a.Gate = capacity.New(engine, cfg.Capacity, log)
	walker := retriever.New(engine, cfg.Hunt, policy, log)
	a.Reset = reset.New(repo, engine, walker, a.Guard, a.Locker, prefix, policy, log)

	hasher, err := identity.New(identity.Config{
		Strictness:   identity.Strictness(cfg.Identity.Strictness),
		Precision:    cfg.Identity.Precision,
		VolatileKeys: cfg.Identity.VolatileKeys,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Rules, err = rules.Load(afero.NewOsFs(), cfg.Rules.Dir, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}

	compiler, err := query.NewCompiler(cfg.Hunt.QueryCacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Processor = processor.New(processor.Deps{
		Repo:    repo,
		Guard:   a.Guard,
		Locker:  a.Locker,
		Gate:    a.Gate,
		Indexer: indexer.New(engine, hasher, normalizer.Default(), a.Gate, cfg.Processing, prefix, log),
		Scanner: rules.NewScanner(a.Rules, walker, engine, repo, cfg.Hunt, prefix, policy, log),
		Hunter:  hunt.NewHunter(compiler, walker, engine, repo, cfg.Hunt, prefix, policy, log),
		Reset:   a.Reset,
	}, log)

	log.Info("casehawk components ready",
		logging.Worker(worker),
		"rules", len(a.Rules.Rules),
		"rule_errors", len(a.Rules.Errors),
		"database", cfg.Database.Driver)
	return a, nil
}

// ConnectQueue dials NATS. name identifies the connection on the server.
func (a *App) ConnectQueue(name string) (*tasks.Queue, error) {
	return tasks.Connect(a.Config.NATS, name, a.Logger.Logger)
}

// Ready lists the readiness probes of the connected dependencies.
func (a *App) Ready(queue *tasks.Queue) map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"database": a.Repo.Ping,
		"opensearch": func(ctx context.Context) error {
			_, err := a.Engine.ClusterHealth(ctx)
			return err
		},
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	if queue != nil {
		checks["nats"] = func(context.Context) error { return queue.Healthy() }
	}
	return checks
}

// Close releases every connection New opened.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", logging.Error(err))
		}
	}
	if a.Repo != nil {
		a.Repo.Close()
	}
}
