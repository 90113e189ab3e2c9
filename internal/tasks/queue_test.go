package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/processor"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping integration test - cannot start nats: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	q, err := Connect(config.NATSConfig{
		URL:           fmt.Sprintf("nats://%s:%s", host, port.Port()),
		Stream:        "CASEHAWK_TEST",
		Consumer:      "casehawk-test",
		AckWait:       5 * time.Second,
		MaxDeliver:    3,
		MaxReconnects: 1,
		ReconnectWait: time.Second,
	}, "casehawk-test", logging.Discard().Logger)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestQueue_SubmitConsumeAndWatch(t *testing.T) {
	q := setupQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, q.Healthy())
	consumer, err := q.Consumer(ctx)
	require.NoError(t, err)

	watch, err := q.Watch(11)
	require.NoError(t, err)
	defer watch.Close()

	task := NewFileTask(11, repository.OpFull, "test")
	require.NoError(t, q.Submit(ctx, task))
	// Resubmitting the same task id inside the duplicate window is dropped.
	require.NoError(t, q.Submit(ctx, task))

	runner := &fakeRunner{outcome: processor.Outcome{Status: processor.StatusSuccess, Message: "indexed 3 events"}}
	pool := NewWorkerPool(consumer, runner, q, PoolConfig{Workers: 2}, logging.Discard().Logger)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	out, err := watch.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), out.FileID)
	assert.Equal(t, processor.StatusSuccess, out.Status)
	assert.Equal(t, "indexed 3 events", out.Message)

	// The acked task leaves the work queue.
	require.Eventually(t, func() bool {
		info, err := consumer.Info(ctx)
		return err == nil && info.NumPending == 0 && info.NumAckPending == 0
	}, 10*time.Second, 100*time.Millisecond)

	stop()
	require.NoError(t, <-done)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Len(t, runner.calls, 1)
}

func TestQueue_ConsumerIsDurable(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	first, err := q.Consumer(ctx)
	require.NoError(t, err)
	second, err := q.Consumer(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.CachedInfo().Name, second.CachedInfo().Name)
	assert.Equal(t, jetstream.AckExplicitPolicy, second.CachedInfo().Config.AckPolicy)
}
