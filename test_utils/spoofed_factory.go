package test_utils

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scusemua/inference-pool/transport"

	"golang.org/x/net/context"
)

// ErrSpoofedCreationFailure is returned by a SpoofedFactory when failure
// injection decides that a creation attempt should fail.
var ErrSpoofedCreationFailure = errors.New("spoofed connection creation failure")

// SpoofedChannel is a no-op transport channel for tests.
type SpoofedChannel struct {
	closed atomic.Bool
}

func (ch *SpoofedChannel) Close() error {
	ch.closed.Store(true)
	return nil
}

// IsClosed reports whether the channel has been closed.
func (ch *SpoofedChannel) IsClosed() bool {
	return ch.closed.Load()
}

// SpoofedFactory is a transport.Factory for tests. It creates connections
// backed by SpoofedChannels, optionally failing specific creation attempts
// and optionally delaying each creation.
type SpoofedFactory struct {
	// CreateDelay, when non-zero, is slept before each creation.
	CreateDelay time.Duration

	// FailOnAttempts holds 1-based creation-attempt numbers that should
	// fail with ErrSpoofedCreationFailure.
	FailOnAttempts map[int]bool

	// FailAll makes every creation attempt fail.
	FailAll bool

	attempts atomic.Int64
	closed   atomic.Int64

	mu      sync.Mutex
	created []*transport.WorkerConnection
}

// CreateConnection implements transport.Factory.
func (f *SpoofedFactory) CreateConnection(ctx context.Context) (*transport.WorkerConnection, error) {
	attempt := int(f.attempts.Add(1))

	if f.CreateDelay > 0 {
		select {
		case <-time.After(f.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.FailAll || f.FailOnAttempts[attempt] {
		return nil, ErrSpoofedCreationFailure
	}

	conn := transport.NewWorkerConnection(&SpoofedChannel{})

	f.mu.Lock()
	f.created = append(f.created, conn)
	f.mu.Unlock()

	return conn, nil
}

// CloseConnection implements transport.Factory.
func (f *SpoofedFactory) CloseConnection(conn *transport.WorkerConnection) error {
	f.closed.Add(1)
	return conn.Channel().Close()
}

// NumAttempts returns the number of creation attempts so far, including
// failed ones.
func (f *SpoofedFactory) NumAttempts() int {
	return int(f.attempts.Load())
}

// NumCreated returns the number of connections successfully created.
func (f *SpoofedFactory) NumCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.created)
}

// NumClosed returns the number of connections torn down via CloseConnection.
func (f *SpoofedFactory) NumClosed() int {
	return int(f.closed.Load())
}

// CreatedConnections returns a snapshot of every connection the factory has
// created.
func (f *SpoofedFactory) CreatedConnections() []*transport.WorkerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*transport.WorkerConnection, len(f.created))
	copy(out, f.created)

	return out
}
