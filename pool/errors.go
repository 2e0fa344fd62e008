package pool

import "errors"

var (
	// ErrPoolExhausted indicates that an acquire gave up waiting for a
	// concurrency-limiter permit, typically because the caller's context
	// expired while all connections were outstanding. Retry/backoff is the
	// caller's responsibility.
	ErrPoolExhausted = errors.New("timed out waiting for a worker connection to become available")

	// ErrPoolClosed indicates that the pool has been shut down and no longer
	// hands out connections.
	ErrPoolClosed = errors.New("the connection pool has been closed")
)
