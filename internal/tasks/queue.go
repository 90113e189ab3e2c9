package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/processor"
)

const (
	defaultAckWait    = 2 * time.Minute
	defaultMaxDeliver = 5
)

// Queue is the JetStream task queue and the core NATS results channel.
type Queue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    config.NATSConfig
	logger *slog.Logger
}

// Connect dials NATS. name identifies the connection on the server.
func Connect(cfg config.NATSConfig, name string, logger *slog.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = defaultMaxDeliver
	}
	return &Queue{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStream creates or updates the work-queue stream holding tasks.
func (q *Queue) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	stream, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{StreamSubjects},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
		// Duplicate submissions of the same task id within the window
		// are dropped by the server.
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", q.cfg.Stream, err)
	}
	return stream, nil
}

// Consumer returns the durable consumer workers share.
func (q *Queue) Consumer(ctx context.Context) (jetstream.Consumer, error) {
	stream, err := q.EnsureStream(ctx)
	if err != nil {
		return nil, err
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          q.cfg.Consumer,
		Durable:       q.cfg.Consumer,
		FilterSubject: StreamSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
		MaxAckPending: 256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", q.cfg.Consumer, err)
	}
	return consumer, nil
}

// Submit publishes a task and waits for the stream to store it.
func (q *Queue) Submit(ctx context.Context, t Task) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}
	ack, err := q.js.Publish(ctx, TaskSubject(t.Operation), data, jetstream.WithMsgID(t.ID))
	if err != nil {
		return fmt.Errorf("publish task %s: %w", t.ID, err)
	}
	q.logger.DebugContext(ctx, "task submitted",
		"task_id", t.ID,
		logging.FileID(t.FileID),
		logging.CaseID(t.CaseID),
		logging.Operation(string(t.Operation)),
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate)
	return nil
}

// PublishResult announces an outcome on the file's result subject.
func (q *Queue) PublishResult(ctx context.Context, out *processor.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return q.conn.Publish(ResultSubject(out.FileID), data)
}

// Watch subscribes to the results of fileID. Subscribe before submitting
// so the result cannot be missed.
func (q *Queue) Watch(fileID int64) (*Watch, error) {
	sub, err := q.conn.SubscribeSync(ResultSubject(fileID))
	if err != nil {
		return nil, fmt.Errorf("subscribe to results of file %d: %w", fileID, err)
	}
	return &Watch{sub: sub}, nil
}

// Healthy reports whether the connection is up.
func (q *Queue) Healthy() error {
	if !q.conn.IsConnected() {
		return fmt.Errorf("nats: %s", q.conn.Status())
	}
	return nil
}

// Close drains the connection.
func (q *Queue) Close() {
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
	}
}

// Watch receives results for one file.
type Watch struct {
	sub *nats.Subscription
}

// Next blocks until the next result arrives or ctx is done.
func (w *Watch) Next(ctx context.Context) (*processor.Outcome, error) {
	msg, err := w.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("receive result: %w", err)
	}
	var out processor.Outcome
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &out, nil
}

func (w *Watch) Close() error {
	return w.sub.Unsubscribe()
}
