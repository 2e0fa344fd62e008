package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Channel is the underlying transport channel carried by a WorkerConnection.
// The pooling and execution layers never look inside it; they only need to be
// able to close it when the connection is disposed.
type Channel interface {
	Close() error
}

// WorkerConnection represents one reusable channel to an inference-worker
// process.
//
// A WorkerConnection is exclusively owned by exactly one of the pool's idle
// set, the pool's in-use table, or a caller mid-operation at any instant.
// The single-owner rule is what makes the mutable fields safe: only the
// current owner touches LastUsedAt/UsageCount, while the health supervisor
// merely reads them (hence the atomics).
type WorkerConnection struct {
	id        string
	createdAt time.Time
	channel   Channel

	lastUsedAt atomic.Int64
	usageCount atomic.Int64
	healthy    atomic.Bool
}

// NewWorkerConnection creates a new, healthy WorkerConnection wrapping the
// given transport channel. The connection is assigned a fresh unique ID and
// its last-used time is initialized to the creation time.
func NewWorkerConnection(channel Channel) *WorkerConnection {
	now := time.Now()

	conn := &WorkerConnection{
		id:        uuid.NewString(),
		createdAt: now,
		channel:   channel,
	}

	conn.lastUsedAt.Store(now.UnixNano())
	conn.healthy.Store(true)

	return conn
}

// ID returns the connection's unique identifier, assigned at creation.
func (c *WorkerConnection) ID() string {
	return c.id
}

// CreatedAt returns the time at which the connection was created.
func (c *WorkerConnection) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsedAt returns the time at which the connection last completed an
// operation (or its creation time, if it has never been used).
func (c *WorkerConnection) LastUsedAt() time.Time {
	return time.Unix(0, c.lastUsedAt.Load())
}

// UsageCount returns the number of operations the connection has completed.
func (c *WorkerConnection) UsageCount() int64 {
	return c.usageCount.Load()
}

// Channel returns the underlying transport channel.
func (c *WorkerConnection) Channel() Channel {
	return c.channel
}

// IsHealthy returns true if the connection has not been marked for disposal.
func (c *WorkerConnection) IsHealthy() bool {
	return c.healthy.Load()
}

// SetUnhealthy marks the connection for disposal. Once unhealthy, a
// connection is never returned to the idle set.
func (c *WorkerConnection) SetUnhealthy() {
	c.healthy.Store(false)
}

// Touch stamps the connection's last-used time and increments its usage
// count. Touch is called by the pool when the connection is returned after
// completing an operation.
func (c *WorkerConnection) Touch() {
	c.lastUsedAt.Store(time.Now().UnixNano())
	c.usageCount.Add(1)
}

// Age returns how long ago the connection was created.
func (c *WorkerConnection) Age() time.Duration {
	return time.Since(c.createdAt)
}

// IdleTime returns how long ago the connection was last used.
func (c *WorkerConnection) IdleTime() time.Duration {
	return time.Since(c.LastUsedAt())
}

func (c *WorkerConnection) String() string {
	return fmt.Sprintf("WorkerConnection[ID=%s,Age=%v,Idle=%v,UsageCount=%d,Healthy=%v]",
		c.id, c.Age(), c.IdleTime(), c.UsageCount(), c.IsHealthy())
}
