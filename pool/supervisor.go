package pool

import (
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/inference-pool/metrics"
	"github.com/scusemua/inference-pool/utils"
)

// DefaultMetricsCleanupInterval is how often the supervisor prunes stale
// per-connection metrics entries.
const DefaultMetricsCleanupInterval = time.Minute

// Supervisor runs the pool's two periodic background tasks: the connection
// health sweep and the stale-metrics cleanup. The tasks are independent of
// any single request's lifetime; they start with Start and stop with Stop.
//
// Neither task can crash the process: a panic inside a sweep is recovered
// and logged, and the next scheduled run proceeds normally.
type Supervisor struct {
	manager  *Manager
	registry *metrics.Registry

	// MetricsCleanupInterval may be overridden before Start is called.
	// It defaults to DefaultMetricsCleanupInterval.
	MetricsCleanupInterval time.Duration

	stopChan chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool

	sweepRunning   atomic.Bool
	cleanupRunning atomic.Bool

	log logger.Logger
}

// NewSupervisor creates a Supervisor for the given pool. The registry may be
// nil, in which case the metrics-cleanup task idles.
func NewSupervisor(manager *Manager, registry *metrics.Registry) *Supervisor {
	supervisor := &Supervisor{
		manager:                manager,
		registry:               registry,
		MetricsCleanupInterval: DefaultMetricsCleanupInterval,
		stopChan:               make(chan struct{}),
	}

	config.InitLogger(&supervisor.log, supervisor)

	return supervisor
}

// Start launches the health-sweep and metrics-cleanup loops in their own
// goroutines. Calling Start more than once is a no-op.
func (s *Supervisor) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	go s.healthSweepLoop()
	go s.metricsCleanupLoop()
}

// Stop shuts both background loops down. Calling Stop more than once is a no-op.
func (s *Supervisor) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	close(s.stopChan)
}

func (s *Supervisor) healthSweepLoop() {
	interval := s.manager.Config().HealthCheckInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("Health sweep running every %v.", interval)

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunHealthSweep()
		}
	}
}

func (s *Supervisor) metricsCleanupLoop() {
	interval := s.MetricsCleanupInterval
	if interval <= 0 {
		interval = DefaultMetricsCleanupInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunMetricsCleanup()
		}
	}
}

// RunHealthSweep performs one sweep of the pool: in-use connections that
// violate the health invariants are flagged for eviction at their next
// Release, and stale idle connections are evicted immediately.
//
// A sweep that is already running is never started twice concurrently;
// the overlapping call returns without doing anything.
func (s *Supervisor) RunHealthSweep() {
	if !s.sweepRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.sweepRunning.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error(utils.RedStyle.Render("Recovered from panic during health sweep: %v"), r)
		}
	}()

	flagged := s.manager.FlagUnhealthyInUse()
	evicted := s.manager.EvictUnhealthyIdle()

	if flagged > 0 || evicted > 0 {
		s.log.Debug("Health sweep flagged %d in-use connection(s) and evicted %d idle connection(s).",
			flagged, evicted)
	}
}

// RunMetricsCleanup performs one pass over the metrics registry, removing
// entries for connections older than the pool's maximum lifetime that the
// pool no longer tracks.
func (s *Supervisor) RunMetricsCleanup() {
	if s.registry == nil {
		return
	}

	if !s.cleanupRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.cleanupRunning.Store(false)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error(utils.RedStyle.Render("Recovered from panic during metrics cleanup: %v"), r)
		}
	}()

	cleaned := s.registry.Cleanup(s.manager.Config().MaxLifetime(), s.manager.Tracks)
	if cleaned > 0 {
		s.log.Debug("Metrics cleanup removed %d stale entr(y/ies).", cleaned)
	}
}
