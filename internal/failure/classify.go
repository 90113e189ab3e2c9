package failure

import (
	"context"
	"errors"
)

// Class groups errors by what the operator should do about them.
type Class string

const (
	ClassNone       Class = ""
	ClassTransient  Class = "transient"
	ClassCapacity   Class = "capacity"
	ClassData       Class = "data"
	ClassPermission Class = "permission"
	ClassCancelled  Class = "cancelled"
	ClassConflict   Class = "conflict"
	ClassInternal   Class = "internal"
)

// Classify maps err onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var (
		capErr   *CapacityExceededError
		partial  *PartialIndexFailureError
		compile  *QueryCompileError
		perm     *PermissionError
		transErr *TransientError
	)

	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.As(err, &capErr):
		return ClassCapacity
	case errors.As(err, &perm):
		return ClassPermission
	case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrAlreadyIndexed),
		errors.Is(err, ErrNotIndexed), errors.Is(err, ErrTokenLost):
		return ClassConflict
	case errors.As(err, &partial), errors.As(err, &compile),
		errors.Is(err, ErrMalformedRecord), errors.Is(err, ErrUnreadableFile):
		return ClassData
	case errors.As(err, &transErr), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassInternal
	}
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsSkip reports whether err is an idempotence guard outcome that should be
// surfaced as "skipped" rather than as a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrAlreadyProcessing) || errors.Is(err, ErrAlreadyIndexed) ||
		errors.Is(err, ErrNotIndexed)
}

// Detail renders the human-readable error_detail stored on a File Record.
// The prefix tells the operator whether to retry, fix the cluster, or fix the
// data.
func Detail(err error) string {
	if err == nil {
		return ""
	}

	var prefix string
	switch Classify(err) {
	case ClassTransient:
		prefix = "[transient, retry]"
	case ClassCapacity:
		prefix = "[capacity, operator action required]"
	case ClassPermission:
		prefix = "[permission, operator action required]"
	case ClassData:
		prefix = "[data, will not succeed on retry]"
	case ClassCancelled:
		prefix = "[cancelled]"
	case ClassConflict:
		prefix = "[conflict]"
	default:
		prefix = "[internal error]"
	}
	return prefix + " " + err.Error()
}
