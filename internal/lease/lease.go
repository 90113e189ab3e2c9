// Package lease provides the global leased lock used by case-wide
// operations. A lease is a Redis key holding the owner, operation and start
// time; it expires unless its holder keeps renewing it, so a crashed holder
// frees the lock after one TTL.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/logging"
)

const defaultTTL = time.Minute

var (
	// ErrHeld is returned by Acquire when another owner holds the lease.
	ErrHeld = errors.New("lease is held by another owner")

	// ErrLost means the lease expired or was taken over before release.
	ErrLost = errors.New("lease lost")
)

var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Info describes a lease holder.
type Info struct {
	Token     string    `json:"token"`
	Owner     string    `json:"owner"`
	Operation string    `json:"operation"`
	StartedAt time.Time `json:"started_at"`
}

// HeldError carries the current holder of a contended lease.
type HeldError struct {
	Key    string
	Holder Info
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s: %s held by %s for %s since %s", ErrHeld, e.Key, e.Holder.Owner,
		e.Holder.Operation, e.Holder.StartedAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Locker hands out leases. A Locker without a Redis client grants every
// lease locally, which is only safe for single-process installs.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func New(client *redis.Client, cfg config.RedisConfig, logger *slog.Logger) *Locker {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if !cfg.Enabled {
		client = nil
	}
	return &Locker{client: client, prefix: cfg.KeyPrefix, ttl: ttl, logger: logger}
}

// CaseKey names the lease guarding case-wide operations.
func CaseKey(caseID int64) string {
	return "case:" + strconv.FormatInt(caseID, 10)
}

// Lease is an acquired lock.
type Lease struct {
	locker *Locker
	key    string
	value  string
	Info   Info
}

// Acquire takes the lease for key or fails with a *HeldError.
func (l *Locker) Acquire(ctx context.Context, key, owner, operation string) (*Lease, error) {
	info := Info{
		Token:     uuid.NewString(),
		Owner:     owner,
		Operation: operation,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}
	ls := &Lease{locker: l, key: l.prefix + key, value: string(data), Info: info}
	if l.client == nil {
		return ls, nil
	}

	ok, err := l.client.SetNX(ctx, ls.key, ls.value, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		holder, err := l.Holder(ctx, key)
		if err != nil {
			return nil, err
		}
		if holder == nil {
			// Expired between SETNX and GET; the caller may simply retry.
			return nil, &HeldError{Key: key}
		}
		return nil, &HeldError{Key: key, Holder: *holder}
	}
	return ls, nil
}

// Holder returns the current holder of key, or nil when the lease is free.
func (l *Locker) Holder(ctx context.Context, key string) (*Info, error) {
	if l.client == nil {
		return nil, nil
	}
	data, err := l.client.Get(ctx, l.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease %s: %w", key, err)
	}
	var info Info
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to decode lease %s: %w", key, err)
	}
	return &info, nil
}

// Renew extends the lease by one TTL. It returns ErrLost when the key no
// longer holds our value.
func (ls *Lease) Renew(ctx context.Context) error {
	l := ls.locker
	if l.client == nil {
		return nil
	}
	n, err := extendScript.Run(ctx, l.client, []string{ls.key}, ls.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release deletes the lease if we still hold it.
func (ls *Lease) Release(ctx context.Context) error {
	l := ls.locker
	if l.client == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, l.client, []string{ls.key}, ls.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Hold acquires key, runs fn while renewing the lease every third of the
// TTL and releases it afterwards. If a renewal finds the lease lost, fn's
// context is cancelled and Hold returns ErrLost unless fn failed first.
func (l *Locker) Hold(ctx context.Context, key, owner, operation string, fn func(ctx context.Context) error) error {
	ls, err := l.Acquire(ctx, key, owner, operation)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := ls.Renew(runCtx); err != nil {
					if errors.Is(err, ErrLost) {
						l.logger.ErrorContext(ctx, "lease lost while held", "lease", key, logging.Operation(operation))
						cancel(ErrLost)
						return
					}
					l.logger.WarnContext(ctx, "lease renewal failed", "lease", key, logging.Error(err))
				}
			}
		}
	}()

	fnErr := fn(runCtx)
	close(done)

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	relErr := ls.Release(releaseCtx)

	if cause := context.Cause(runCtx); errors.Is(cause, ErrLost) {
		if fnErr != nil {
			return fmt.Errorf("%w: %w", ErrLost, fnErr)
		}
		return ErrLost
	}
	if fnErr != nil {
		return fnErr
	}
	if relErr != nil {
		l.logger.WarnContext(ctx, "lease release failed", "lease", key, logging.Error(relErr))
	}
	return nil
}
