package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/inference-pool/hashmap"
	"github.com/scusemua/inference-pool/metrics"
	"github.com/scusemua/inference-pool/queue"
	"github.com/scusemua/inference-pool/transport"
	"github.com/scusemua/inference-pool/utils"
	"golang.org/x/sync/semaphore"

	"golang.org/x/net/context"
)

// maxWarmupWorkers bounds the number of goroutines used to divide the
// work of a single Warmup call.
const maxWarmupWorkers = 4

// Statistics is a point-in-time view of the pool's counters and sizes.
type Statistics struct {
	IdleConnections      int
	InUseConnections     int
	PoolHits             int64
	PoolMisses           int64
	ConnectionsEvicted   int64
	FlaggedForEviction   int
	AverageConnectionAge time.Duration
	MinSize              int
	MaxSize              int
}

// Manager owns the pool's shared mutable state: the idle set, the in-use
// table, and the concurrency limiter bounding outstanding connections at the
// configured maximum. No component outside the Manager touches those
// collections; everything goes through Acquire/Release.
type Manager struct {
	opts    *Config
	factory transport.Factory

	// sem is the single global admission-control point. No more than
	// opts.MaxSize connections may be outstanding (idle + in-use),
	// regardless of caller concurrency.
	sem *semaphore.Weighted

	// idle holds connections available for reuse, oldest first.
	idle *queue.ThreadsafeFifo[*transport.WorkerConnection]

	// inUse maps connection ID to the connections currently held by callers.
	inUse *hashmap.ConcurrentMap[*transport.WorkerConnection]

	// all tracks every live connection (idle or in-use) by ID, so that the
	// supervisor's metrics cleanup can tell live connections from disposed
	// ones without touching the idle/in-use collections.
	all *hashmap.ConcurrentMap[*transport.WorkerConnection]

	// flaggedForEviction holds the IDs of in-use connections that the health
	// sweep found stale. They cannot be evicted while a caller holds them,
	// so they are disposed at their next Release instead.
	flaggedForEviction *hashmap.ConcurrentMap[time.Time]

	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64

	closed atomic.Bool

	// prom is optional; when nil, no Prometheus metrics are published.
	prom *metrics.PrometheusManager

	log logger.Logger
}

// NewManager creates a Manager with the given configuration and connection
// factory. The prometheusManager may be nil, in which case no Prometheus
// metrics are published.
func NewManager(opts *Config, factory transport.Factory, prometheusManager *metrics.PrometheusManager) (*Manager, error) {
	if opts == nil {
		opts = DefaultConfig()
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	manager := &Manager{
		opts:               opts.Clone(),
		factory:            factory,
		sem:                semaphore.NewWeighted(int64(opts.MaxSize)),
		idle:               queue.NewThreadsafeFifo[*transport.WorkerConnection](opts.MaxSize),
		inUse:              hashmap.NewConcurrentMap[*transport.WorkerConnection](),
		all:                hashmap.NewConcurrentMap[*transport.WorkerConnection](),
		flaggedForEviction: hashmap.NewConcurrentMap[time.Time](),
		prom:               prometheusManager,
	}

	config.InitLogger(&manager.log, manager)

	return manager, nil
}

// Config returns the pool's (immutable) configuration.
func (m *Manager) Config() *Config {
	return m.opts
}

// Acquire returns a worker connection for the caller's exclusive use until
// it is passed back to Release.
//
// Acquire blocks while opts.MaxSize connections are outstanding; this is the
// pool's back-pressure mechanism. Cancellation of ctx while waiting releases
// the limiter state cleanly and returns ErrPoolExhausted. Once admitted,
// Acquire reuses the oldest healthy idle connection (a pool hit), discarding
// any stale ones it pops along the way, and falls back to creating a new
// connection via the factory (a pool miss).
func (m *Manager) Acquire(ctx context.Context) (*transport.WorkerConnection, error) {
	if m.closed.Load() {
		return nil, ErrPoolClosed
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}

	if m.closed.Load() {
		m.sem.Release(1)
		return nil, ErrPoolClosed
	}

	// Pop idle connections until we find a usable one. Stale pops are
	// disposed of, not returned to idle, and do not count as hits.
	for {
		conn, ok := m.idle.Dequeue()
		if !ok {
			break
		}

		if !m.isUsable(conn) {
			m.disposeConnection(conn)
			continue
		}

		m.hits.Add(1)
		m.inUse.Store(conn.ID(), conn)

		if m.prom != nil {
			m.prom.PoolHitsCounter.Inc()
		}
		m.publishGauges()

		m.log.Debug("Acquire satisfied by reuse: %s", conn.String())

		return conn, nil
	}

	conn, err := m.factory.CreateConnection(ctx)
	if err != nil {
		m.sem.Release(1)
		m.log.Error(utils.RedStyle.Render("Failed to create new worker connection: %v"), err)
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectionCreationFailed, err)
	}

	m.misses.Add(1)
	m.inUse.Store(conn.ID(), conn)
	m.all.Store(conn.ID(), conn)

	if m.prom != nil {
		m.prom.PoolMissesCounter.Inc()
	}
	m.publishGauges()

	m.log.Debug("Acquire satisfied by new connection %s.", conn.ID())

	return conn, nil
}

// Release returns a connection previously obtained from Acquire.
//
// A healthy, unflagged connection is stamped and pushed back onto the idle
// set (provided the idle set is not already at capacity); anything else is
// disposed of. The limiter permit is released on every path -- a leaked
// permit would permanently shrink the pool's capacity.
func (m *Manager) Release(conn *transport.WorkerConnection) {
	defer m.sem.Release(1)
	defer m.publishGauges()

	m.inUse.Delete(conn.ID())

	if _, flagged := m.flaggedForEviction.LoadAndDelete(conn.ID()); flagged {
		m.log.Debug("Disposing connection %s flagged by the health sweep.", conn.ID())
		m.disposeConnection(conn)
		return
	}

	if m.closed.Load() || !conn.IsHealthy() || !m.isUsable(conn) || m.idle.Len() >= m.opts.MaxSize {
		m.disposeConnection(conn)
		return
	}

	conn.Touch()
	m.idle.Enqueue(conn)
}

// Warmup creates up to targetCount connections concurrently and pushes all
// successes into the idle set. A non-positive targetCount defaults to the
// configured MinSize; the target is capped at MaxSize. Idle connections that
// already exist count toward the target, so warming an already-warm pool is
// a no-op.
//
// Partial failure is tolerated: Warmup creates however many connections it
// can, logs the shortfall, and returns the number actually created.
func (m *Manager) Warmup(ctx context.Context, targetCount int) (int, error) {
	if m.closed.Load() {
		return 0, ErrPoolClosed
	}

	if targetCount <= 0 {
		targetCount = m.opts.MinSize
	}

	if targetCount > m.opts.MaxSize {
		m.log.Warn("Warmup target %d exceeds the configured maximum of %d. Clamping.", targetCount, m.opts.MaxSize)
		targetCount = m.opts.MaxSize
	}

	shortfall := targetCount - m.idle.Len()
	if shortfall <= 0 {
		m.log.Debug("Pool already has %d idle connection(s); warmup target of %d is already met.",
			m.idle.Len(), targetCount)
		return 0, nil
	}

	numWorkers := maxWarmupWorkers
	if shortfall < numWorkers {
		numWorkers = shortfall
	}

	work := utils.DivideWork(shortfall, numWorkers)

	m.log.Debug("Warming up pool: creating %d connection(s) using %d worker(s): %v.",
		shortfall, numWorkers, work)

	var wg sync.WaitGroup
	var created atomic.Int64

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)

		go func(share int) {
			defer wg.Done()

			for j := 0; j < share; j++ {
				// Each warmup creation holds a limiter permit for the
				// duration of the create, so idle + in-use can never exceed
				// MaxSize even while warming up. If no permit is available,
				// the pool is already at capacity and there is nothing to do.
				if !m.sem.TryAcquire(1) {
					return
				}

				conn, err := m.factory.CreateConnection(ctx)
				if err != nil {
					m.sem.Release(1)
					m.log.Warn("Warmup connection creation failed: %v", err)
					continue
				}

				m.all.Store(conn.ID(), conn)
				m.idle.Enqueue(conn)
				m.sem.Release(1)

				created.Add(1)
			}
		}(work[i])
	}

	wg.Wait()

	numCreated := int(created.Load())
	if numCreated < shortfall {
		m.log.Warn("Warmup fell short: created %d of %d connection(s).", numCreated, shortfall)
	} else {
		m.log.Debug("Warmup complete: created %d connection(s). Pool now has %d idle connection(s).",
			numCreated, m.idle.Len())
	}

	m.publishGauges()

	return numCreated, nil
}

// Stats returns a point-in-time view of the pool. Stats never blocks on the
// concurrency limiter.
func (m *Manager) Stats() Statistics {
	stats := Statistics{
		IdleConnections:    m.idle.Len(),
		InUseConnections:   m.inUse.Len(),
		PoolHits:           m.hits.Load(),
		PoolMisses:         m.misses.Load(),
		ConnectionsEvicted: m.evicted.Load(),
		FlaggedForEviction: m.flaggedForEviction.Len(),
		MinSize:            m.opts.MinSize,
		MaxSize:            m.opts.MaxSize,
	}

	var totalAge time.Duration
	var numConnections int

	m.all.Range(func(_ string, conn *transport.WorkerConnection) bool {
		totalAge += conn.Age()
		numConnections++
		return true
	})

	if numConnections > 0 {
		stats.AverageConnectionAge = totalAge / time.Duration(numConnections)
	}

	return stats
}

// Tracks reports whether the pool still knows the connection with the given
// ID, i.e. the connection is idle or in use.
func (m *Manager) Tracks(connectionId string) bool {
	return m.all.Has(connectionId)
}

// FlagUnhealthyInUse scans the in-use table for connections violating the
// age/idle invariants and flags them for disposal at their next Release.
// It returns the number of connections newly flagged.
func (m *Manager) FlagUnhealthyInUse() int {
	flagged := 0

	m.inUse.Range(func(connectionId string, conn *transport.WorkerConnection) bool {
		if m.isUsable(conn) {
			return true
		}

		if _, alreadyFlagged := m.flaggedForEviction.LoadOrStore(connectionId, time.Now()); !alreadyFlagged {
			flagged++
		}

		return true
	})

	return flagged
}

// EvictUnhealthyIdle scans the idle set, disposing of every connection that
// violates the age/idle invariants and leaving the rest idle. It returns the
// number of connections evicted.
func (m *Manager) EvictUnhealthyIdle() int {
	// The scan filters the idle set in one pass under its lock: usable
	// connections never leave the set, so a concurrent Acquire always finds
	// them and cannot be pushed into creating an extra connection mid-sweep.
	condemned := m.idle.Filter(m.isUsable)

	for _, conn := range condemned {
		m.disposeConnection(conn)
	}

	if len(condemned) > 0 {
		m.publishGauges()
	}

	return len(condemned)
}

// Close shuts the pool down: subsequent Acquire calls fail with
// ErrPoolClosed, all idle connections are disposed of immediately, and
// in-use connections are disposed of as they are released.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	drained := 0
	for {
		conn, ok := m.idle.Dequeue()
		if !ok {
			break
		}

		m.disposeConnection(conn)
		drained++
	}

	m.log.Debug("Pool closed. Disposed of %d idle connection(s); %d connection(s) still in use.",
		drained, m.inUse.Len())

	m.publishGauges()
}

// isUsable reports whether the connection satisfies the pool's health
// invariants: it has not been marked for disposal, it is younger than the
// configured maximum lifetime, and it has been used within the idle timeout.
func (m *Manager) isUsable(conn *transport.WorkerConnection) bool {
	if !conn.IsHealthy() {
		return false
	}

	if conn.Age() >= m.opts.MaxLifetime() {
		return false
	}

	if conn.IdleTime() >= m.opts.IdleTimeout() {
		return false
	}

	return true
}

// disposeConnection permanently removes a connection from the pool. Factory
// teardown is best-effort; its errors are logged, never propagated.
func (m *Manager) disposeConnection(conn *transport.WorkerConnection) {
	conn.SetUnhealthy()
	m.all.Delete(conn.ID())
	m.evicted.Add(1)

	if m.prom != nil {
		m.prom.ConnectionsEvictedCounter.Inc()
	}

	if err := m.factory.CloseConnection(conn); err != nil {
		m.log.Warn("Failed to cleanly close connection %s: %v", conn.ID(), err)
	}
}

func (m *Manager) publishGauges() {
	if m.prom == nil {
		return
	}

	m.prom.IdleConnectionsGauge.Set(float64(m.idle.Len()))
	m.prom.InUseConnectionsGauge.Set(float64(m.inUse.Len()))
}
