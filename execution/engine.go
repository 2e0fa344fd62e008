package execution

import (
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/scusemua/inference-pool/metrics"
	"github.com/scusemua/inference-pool/pool"
	"github.com/scusemua/inference-pool/transport"

	"golang.org/x/net/context"
)

// Operation is a unit of work that needs a live worker connection. The
// engine never inspects an operation's semantics; it only runs it against a
// pooled connection and propagates its result or error.
type Operation func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error)

// HealthPolicy decides whether an operation error should cost the connection
// its health. Only explicit transport-level signals should be
// health-affecting; business errors from the operation itself must not be.
type HealthPolicy func(err error) bool

// Engine executes caller-supplied operations over the connection pool. It
// supports three execution modes: single pooled execution, progress-streaming
// execution, and optimized batch execution.
type Engine struct {
	manager  *pool.Manager
	registry *metrics.Registry

	// prom is optional; when nil, no Prometheus metrics are published.
	prom *metrics.PrometheusManager

	healthPolicy HealthPolicy

	startedAt       time.Time
	totalOperations atomic.Int64

	log logger.Logger
}

// NewEngine creates an Engine on top of the given pool manager and metrics
// registry. The prometheusManager may be nil. The default health policy is
// transport.IsTransportError.
func NewEngine(manager *pool.Manager, registry *metrics.Registry, prometheusManager *metrics.PrometheusManager) *Engine {
	engine := &Engine{
		manager:      manager,
		registry:     registry,
		prom:         prometheusManager,
		healthPolicy: transport.IsTransportError,
		startedAt:    time.Now(),
	}

	config.InitLogger(&engine.log, engine)

	return engine
}

// SetHealthPolicy replaces the policy that decides which operation errors
// cost a connection its health.
func (e *Engine) SetHealthPolicy(policy HealthPolicy) {
	if policy == nil {
		policy = transport.IsTransportError
	}

	e.healthPolicy = policy
}

// Pool returns the engine's pool manager.
func (e *Engine) Pool() *pool.Manager {
	return e.manager
}

// ExecuteWithPooling acquires a connection, runs the given operation against
// it, and returns the connection to the pool. The connection is released on
// every path, including panics raised by the operation; the per-connection
// metrics are updated around the operation either way.
func (e *Engine) ExecuteWithPooling(ctx context.Context, operation Operation) (interface{}, error) {
	// The operation ID exists purely for log correlation.
	operationId := uuid.NewString()

	conn, err := e.manager.Acquire(ctx)
	if err != nil {
		e.log.Warn("Operation %s could not acquire a connection: %v", operationId, err)
		return nil, err
	}

	e.log.Debug("Operation %s running on connection %s.", operationId, conn.ID())

	return e.runOnConnection(ctx, operationId, conn, operation)
}

// runOnConnection executes operation on an already-acquired connection,
// recording metrics and guaranteeing the release.
func (e *Engine) runOnConnection(ctx context.Context, operationId string,
	conn *transport.WorkerConnection, operation Operation) (result interface{}, err error) {

	startedAt := time.Now()
	e.registry.RecordOperationStart(conn.ID(), startedAt)

	defer func() {
		elapsed := time.Since(startedAt)

		e.registry.RecordOperationComplete(conn.ID(), elapsed)
		e.totalOperations.Add(1)

		// A panic in the operation still releases the connection; the panic
		// is re-raised for the caller once the pool's state is consistent.
		recovered := recover()

		if err != nil && e.healthPolicy(err) {
			e.log.Warn("Operation %s failed with a transport-level error on connection %s: %v",
				operationId, conn.ID(), err)
			conn.SetUnhealthy()
		}

		e.manager.Release(conn)
		e.observeOperation(elapsed, err == nil && recovered == nil)

		if recovered != nil {
			panic(recovered)
		}
	}()

	result, err = operation(ctx, conn)

	return result, err
}

// PerformanceMetrics returns a point-in-time snapshot of the engine and the
// pool. It never blocks on the pool's concurrency limiter.
func (e *Engine) PerformanceMetrics() *metrics.PerformanceMetrics {
	stats := e.manager.Stats()

	totalAcquires := stats.PoolHits + stats.PoolMisses
	denominator := totalAcquires
	if denominator == 0 {
		denominator = 1
	}

	return &metrics.PerformanceMetrics{
		TotalOperations:      e.totalOperations.Load(),
		PoolHits:             stats.PoolHits,
		PoolMisses:           stats.PoolMisses,
		HitRate:              float64(stats.PoolHits) / float64(denominator),
		IdleConnections:      stats.IdleConnections,
		InUseConnections:     stats.InUseConnections,
		TotalConnections:     stats.IdleConnections + stats.InUseConnections,
		MinSize:              stats.MinSize,
		MaxSize:              stats.MaxSize,
		Uptime:               time.Since(e.startedAt),
		AverageConnectionAge: stats.AverageConnectionAge,
		Connections:          e.registry.SnapshotAll(),
	}
}

func (e *Engine) observeOperation(elapsed time.Duration, succeeded bool) {
	if e.prom == nil {
		return
	}

	status := metrics.OperationStatusSuccess
	if !succeeded {
		status = metrics.OperationStatusFailure
	}

	e.prom.OperationsCounterVec.WithLabelValues(status).Inc()
	e.prom.OperationLatencyMillisecondsHistogram.Observe(float64(elapsed.Milliseconds()))
}
