package queue

import "errors"

var (
	// ErrTransientIO wraps filesystem failures that are worth retrying.
	ErrTransientIO = errors.New("transient queue I/O error")
	// ErrCorruptRecord marks a queue line that cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt queue record")
	// ErrCapacityExceeded is returned for a record larger than the queue bound.
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
)
