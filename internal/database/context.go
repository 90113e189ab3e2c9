// Package database holds the timeout budget applied to every repository call.
package database

import (
	"context"
	"time"
)

const (
	// DefaultQueryTimeout bounds reads.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds single-row writes.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultLockTimeout bounds a row-locked check-and-set, including the
	// wait for another worker's lock.
	DefaultLockTimeout = 15 * time.Second

	// DefaultBulkTimeout bounds sub-batch commits and migrations.
	DefaultBulkTimeout = 30 * time.Second
)

func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

func LockContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultLockTimeout)
}

func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}

// DetachedContext returns a context that survives cancellation of parent but
// still carries its values, bounded by DefaultWriteTimeout. It is used for
// cleanup writes that must happen after the caller's context was cancelled.
func DetachedContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), DefaultWriteTimeout)
}
