// Package service runs a casehawk process: the HTTP API, the task workers
// and the stale-claim sweeper, until its context is cancelled.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/telhawk-systems/casehawk/internal/api"
	"github.com/telhawk-systems/casehawk/internal/app"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/tasks"
)

// Options selects which roles the process takes.
type Options struct {
	API     bool
	Workers bool
	Sweeper bool
	// Addr overrides server.port when set.
	Addr string
}

const shutdownTimeout = 30 * time.Second

// Run blocks until ctx is done, then drains in-flight work.
func Run(ctx context.Context, a *app.App, opts Options) error {
	if !opts.API && !opts.Workers && !opts.Sweeper {
		return errors.New("nothing to run: enable the api, the workers or the sweeper")
	}
	cfg := a.Config
	log := a.Logger

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	queue, err := a.ConnectQueue("casehawk-" + a.Guard.Worker())
	if err != nil {
		return err
	}
	defer queue.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	if opts.Workers {
		consumer, err := queue.Consumer(ctx)
		if err != nil {
			return err
		}
		pool := tasks.NewWorkerPool(consumer, a.Processor, queue, tasks.PoolConfig{
			Workers:           cfg.Processing.Workers,
			HeartbeatInterval: cfg.Processing.HeartbeatInterval,
			MaxDeliver:        cfg.NATS.MaxDeliver,
			RetryInitial:      cfg.Processing.RetryInitial,
			RetryMax:          cfg.Processing.RetryMax,
		}, log.With(logging.Worker(a.Guard.Worker())).Logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(ctx); err != nil {
				errs <- fmt.Errorf("worker pool: %w", err)
			}
		}()
	}

	if opts.Sweeper {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Guard.RunSweeper(ctx, cfg.Processing.SweepInterval)
		}()
	}

	var srv *http.Server
	if opts.API {
		handler := api.New(api.Deps{
			Repo:      a.Repo,
			Files:     a.Guard,
			Clearer:   a.Reset,
			Tasks:     queue,
			JWTSecret: cfg.Auth.JWTSecret,
			Ready:     a.Ready(queue),
			Stats:     func() any { return a.Processor.Health() },
		}, log)

		addr := opts.Addr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.Server.Port)
		}
		srv = &http.Server{
			Addr:         addr,
			Handler:      handler.Routes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		go func() {
			log.Info("casehawk api listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errs:
		log.Error("component failed, shutting down", logging.Error(runErr))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", logging.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("workers did not stop in time; their tasks will be redelivered")
	}
	return runErr
}
