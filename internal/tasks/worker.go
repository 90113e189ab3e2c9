package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/lease"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/processor"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

// Runner executes operations. *processor.Processor satisfies it.
type Runner interface {
	Run(ctx context.Context, fileID int64, op repository.Operation) *processor.Outcome
	RunCase(ctx context.Context, caseID int64, op repository.Operation) ([]*processor.Outcome, error)
}

// Publisher announces outcomes. *Queue satisfies it.
type Publisher interface {
	PublishResult(ctx context.Context, out *processor.Outcome) error
}

// Source hands out task messages. jetstream.Consumer satisfies it.
type Source interface {
	Messages(opts ...jetstream.PullMessagesOpt) (jetstream.MessagesContext, error)
}

// PoolConfig sizes and paces a WorkerPool.
type PoolConfig struct {
	Workers           int
	HeartbeatInterval time.Duration
	MaxDeliver        int
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

// WorkerPool pulls tasks and runs them, one at a time per worker.
type WorkerPool struct {
	source    Source
	runner    Runner
	publisher Publisher
	cfg       PoolConfig
	logger    *slog.Logger
}

func NewWorkerPool(source Source, runner Runner, publisher Publisher, cfg PoolConfig, logger *slog.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = defaultMaxDeliver
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 2 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}
	return &WorkerPool{source: source, runner: runner, publisher: publisher, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current task.
func (p *WorkerPool) Run(ctx context.Context) error {
	iters := make([]jetstream.MessagesContext, 0, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		it, err := p.source.Messages(jetstream.PullMaxMessages(1))
		if err != nil {
			for _, started := range iters {
				started.Stop()
			}
			return err
		}
		iters = append(iters, it)
	}

	p.logger.InfoContext(ctx, "worker pool started", "workers", p.cfg.Workers)
	var wg sync.WaitGroup
	for i, it := range iters {
		wg.Add(1)
		go func(id int, it jetstream.MessagesContext) {
			defer wg.Done()
			p.work(ctx, id, it)
		}(i, it)
	}

	<-ctx.Done()
	for _, it := range iters {
		it.Stop()
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *WorkerPool) work(ctx context.Context, id int, it jetstream.MessagesContext) {
	for {
		msg, err := it.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return
			}
			p.logger.WarnContext(ctx, "failed to pull task", "worker_slot", id, logging.Error(err))
			continue
		}
		p.Handle(ctx, msg)
	}
}

// Handle runs one task message and settles it: acknowledged when done,
// negatively acknowledged with a backoff delay when a retry may succeed,
// terminated when the message is not a valid task.
func (p *WorkerPool) Handle(ctx context.Context, msg jetstream.Msg) {
	task, err := Decode(msg.Data())
	if err != nil {
		p.logger.WarnContext(ctx, "dropping invalid task", "subject", msg.Subject(), logging.Error(err))
		if err := msg.TermWithReason(err.Error()); err != nil {
			p.logger.WarnContext(ctx, "failed to terminate task", logging.Error(err))
		}
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	log := p.logger.With("task_id", task.ID, logging.Operation(string(task.Operation)), "attempt", attempt)

	final := attempt >= p.cfg.MaxDeliver
	stop := p.keepAlive(ctx, msg, log)
	retryable := p.execute(ctx, task, final, log)
	stop()

	switch {
	case retryable && !final:
		delay := p.delay(attempt)
		log.InfoContext(ctx, "task will be retried", "delay", delay.String())
		err = msg.NakWithDelay(delay)
	default:
		err = msg.Ack()
	}
	if err != nil {
		// The server redelivers after the ack wait.
		log.WarnContext(ctx, "failed to settle task", logging.Error(err))
	}
}

// execute runs the task, publishes its outcomes and reports whether it
// should be retried. On the final delivery outcomes are published as not
// retryable, since no further attempt will follow.
func (p *WorkerPool) execute(ctx context.Context, task Task, final bool, log *slog.Logger) bool {
	if !task.CaseWide() {
		out := p.runner.Run(ctx, task.FileID, task.Operation)
		retryable := out.Retryable
		if final {
			out.Retryable = false
		}
		p.publish(ctx, out, log)
		return retryable
	}

	outcomes, err := p.runner.RunCase(ctx, task.CaseID, task.Operation)
	retryable := false
	for _, out := range outcomes {
		retryable = retryable || out.Retryable
		if final {
			out.Retryable = false
		}
		p.publish(ctx, out, log)
	}
	if err != nil {
		log.WarnContext(ctx, "case-wide task did not finish", logging.CaseID(task.CaseID), logging.Error(err))
		retryable = retryable || errors.Is(err, lease.ErrHeld) || failure.IsTransient(err) || ctx.Err() != nil
	}
	return retryable
}

func (p *WorkerPool) publish(ctx context.Context, out *processor.Outcome, log *slog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.publisher.PublishResult(pctx, out); err != nil {
		log.WarnContext(ctx, "failed to publish result", logging.FileID(out.FileID), logging.Error(err))
	}
}

// keepAlive tells the server the task is still being worked on until the
// returned function is called.
func (p *WorkerPool) keepAlive(ctx context.Context, msg jetstream.Msg, log *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					log.WarnContext(ctx, "failed to extend task ack deadline", logging.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// delay is the redelivery delay after attempt failed deliveries.
func (p *WorkerPool) delay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInitial
	eb.MaxInterval = p.cfg.RetryMax
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}
