package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/logging"
)

var fast = Policy{MaxRetries: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func TestDo(t *testing.T) {
	logger := logging.Discard().Logger

	t.Run("transient errors are retried", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fast, logger, "bulk", func() error {
			calls++
			if calls < 3 {
				return failure.Transient("bulk", errors.New("429"))
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("budget is bounded", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fast, logger, "bulk", func() error {
			calls++
			return failure.Transient("bulk", errors.New("503"))
		})
		assert.True(t, failure.IsTransient(err))
		assert.Equal(t, 4, calls)
	})

	t.Run("terminal errors are not retried", func(t *testing.T) {
		calls := 0
		capErr := &failure.CapacityExceededError{Current: 99, Max: 100, Threshold: 95}
		err := Do(context.Background(), fast, logger, "bulk", func() error {
			calls++
			return capErr
		})
		assert.Same(t, capErr, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("no retries", func(t *testing.T) {
		calls := 0
		_ = Do(context.Background(), None, logger, "bulk", func() error {
			calls++
			return failure.Transient("bulk", errors.New("503"))
		})
		assert.Equal(t, 1, calls)
	})
}
