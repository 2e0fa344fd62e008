package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scusemua/inference-pool/utils"

	"golang.org/x/net/context"
)

const (
	// OperationStatusSuccess and OperationStatusFailure are the label values
	// used for the per-status operation counter.
	OperationStatusSuccess = "success"
	OperationStatusFailure = "failure"
)

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("the PrometheusManager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("the PrometheusManager is not running")
)

// PrometheusManager registers the pool's metrics with Prometheus and serves
// them via an HTTP endpoint for scraping. The manager owns a private
// prometheus.Registry so that multiple pools (and test suites) can coexist
// within one process.
type PrometheusManager struct {
	log logger.Logger

	registry          *prometheus.Registry
	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	// IdleConnectionsGauge tracks the number of idle connections in the pool.
	IdleConnectionsGauge prometheus.Gauge

	// InUseConnectionsGauge tracks the number of connections held by callers.
	InUseConnectionsGauge prometheus.Gauge

	// PoolHitsCounter counts acquires satisfied by reuse.
	PoolHitsCounter prometheus.Counter

	// PoolMissesCounter counts acquires that required creating a new connection.
	PoolMissesCounter prometheus.Counter

	// ConnectionsEvictedCounter counts connections disposed by the health supervisor.
	ConnectionsEvictedCounter prometheus.Counter

	// OperationsCounterVec counts completed operations, labeled by status
	// ("success" or "failure").
	OperationsCounterVec *prometheus.CounterVec

	// OperationLatencyMillisecondsHistogram records the latency of each
	// completed operation, in milliseconds.
	OperationLatencyMillisecondsHistogram prometheus.Histogram

	port int
	mu   sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving bool
}

// NewPrometheusManager creates a new PrometheusManager that will serve
// metrics on the given port. If port is <= 0, the metrics are registered but
// no HTTP server is started (useful for tests).
func NewPrometheusManager(port int) *PrometheusManager {
	manager := &PrometheusManager{
		port:     port,
		registry: prometheus.NewRegistry(),
	}

	config.InitLogger(&manager.log, manager)

	manager.initMetrics()
	manager.prometheusHandler = promhttp.HandlerFor(manager.registry, promhttp.HandlerOpts{})

	return manager
}

func (m *PrometheusManager) initMetrics() {
	m.IdleConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inference_pool",
		Name:      "idle_connections",
		Help:      "The number of idle worker connections currently available for reuse.",
	})

	m.InUseConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inference_pool",
		Name:      "in_use_connections",
		Help:      "The number of worker connections currently held by callers.",
	})

	m.PoolHitsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inference_pool",
		Name:      "pool_hits_total",
		Help:      "The number of acquires satisfied by reusing an idle connection.",
	})

	m.PoolMissesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inference_pool",
		Name:      "pool_misses_total",
		Help:      "The number of acquires that required creating a new connection.",
	})

	m.ConnectionsEvictedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inference_pool",
		Name:      "connections_evicted_total",
		Help:      "The number of worker connections evicted for violating the pool's health invariants.",
	})

	m.OperationsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inference_pool",
		Name:      "operations_total",
		Help:      "The number of operations executed through the pool, by status.",
	}, []string{"status"})

	m.OperationLatencyMillisecondsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inference_pool",
		Name:      "operation_latency_milliseconds",
		Help:      "The end-to-end latency of operations executed through the pool, in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 750, 1e3, 2.5e3, 5e3, 1e4, 3e4, 6e4,
			1.2e5, 3e5, 6e5},
	})

	m.registry.MustRegister(
		m.IdleConnectionsGauge,
		m.InUseConnectionsGauge,
		m.PoolHitsCounter,
		m.PoolMissesCounter,
		m.ConnectionsEvictedCounter,
		m.OperationsCounterVec,
		m.OperationLatencyMillisecondsHistogram,
	)

	// Pre-initialize the counter label combinations so they appear in
	// /metrics with value 0 from startup, rather than only after the first
	// observation.
	m.OperationsCounterVec.WithLabelValues(OperationStatusSuccess)
	m.OperationsCounterVec.WithLabelValues(OperationStatusFailure)
}

// IsRunning returns true if the PrometheusManager has been started and is serving metrics.
func (m *PrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

// Start begins serving the metrics via an HTTP endpoint.
func (m *PrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("PrometheusManager is already running.")
		return ErrPrometheusManagerAlreadyRunning
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

// Stop instructs the PrometheusManager to shut down its HTTP server.
func (m *PrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		m.log.Warn("PrometheusManager is not running.")
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false

	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the metrics HTTP server: %v", err)
		return err
	}

	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *PrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

func (m *PrometheusManager) initializeHttpServer() {
	if m.port <= 0 {
		m.log.Debug("Prometheus port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	m.engine = gin.New()
	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("Metrics HTTP server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()
}
