package metrics

import (
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/inference-pool/hashmap"
)

// ConnectionMetrics is a point-in-time copy of the per-connection counters
// maintained by the Registry.
type ConnectionMetrics struct {
	// ConnectionId is the ID of the WorkerConnection these counters describe.
	ConnectionId string `json:"connection_id"`

	// TotalOperations is the number of operations completed on the connection.
	TotalOperations int64 `json:"total_operations"`

	// TotalExecutionTime is the cumulative execution time of all completed operations.
	TotalExecutionTime time.Duration `json:"total_execution_time"`

	// AverageExecutionTime is the rolling average execution time per completed operation.
	AverageExecutionTime time.Duration `json:"average_execution_time"`

	// LastOperationStart is non-nil only while an operation is in flight on
	// the connection. It is cleared again on completion.
	LastOperationStart *time.Time `json:"last_operation_start,omitempty"`
}

// connectionEntry is the Registry's mutable record for one connection.
//
// An entry's lifecycle is independent from its WorkerConnection: it may
// briefly outlive a disposed connection, until the supervisor's cleanup task
// removes it.
type connectionEntry struct {
	mu sync.Mutex

	connectionId       string
	firstRecorded      time.Time
	totalOperations    int64
	totalExecutionTime time.Duration
	lastOperationStart *time.Time
}

func (e *connectionEntry) snapshot() ConnectionMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics := ConnectionMetrics{
		ConnectionId:       e.connectionId,
		TotalOperations:    e.totalOperations,
		TotalExecutionTime: e.totalExecutionTime,
	}

	if e.totalOperations > 0 {
		metrics.AverageExecutionTime = e.totalExecutionTime / time.Duration(e.totalOperations)
	}

	if e.lastOperationStart != nil {
		started := *e.lastOperationStart
		metrics.LastOperationStart = &started
	}

	return metrics
}

// Registry tracks per-connection operation counters, keyed by connection ID.
// It is safe for concurrent use.
type Registry struct {
	entries *hashmap.ConcurrentMap[*connectionEntry]

	log logger.Logger
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	registry := &Registry{
		entries: hashmap.NewConcurrentMap[*connectionEntry](),
	}

	config.InitLogger(&registry.log, registry)

	return registry
}

func (r *Registry) entry(connectionId string) *connectionEntry {
	created := &connectionEntry{
		connectionId:  connectionId,
		firstRecorded: time.Now(),
	}

	entry, _ := r.entries.LoadOrStore(connectionId, created)

	return entry
}

// RecordOperationStart records that an operation began executing on the
// given connection at the given time.
func (r *Registry) RecordOperationStart(connectionId string, startedAt time.Time) {
	entry := r.entry(connectionId)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.lastOperationStart = &startedAt
}

// RecordOperationComplete records that the in-flight operation on the given
// connection finished after the given elapsed time. The operation counter is
// incremented and the in-flight marker is cleared.
func (r *Registry) RecordOperationComplete(connectionId string, elapsed time.Duration) {
	entry := r.entry(connectionId)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.totalOperations++
	entry.totalExecutionTime += elapsed
	entry.lastOperationStart = nil
}

// Snapshot returns a copy of the metrics for the given connection. The second
// return value is false if the connection has never been recorded.
func (r *Registry) Snapshot(connectionId string) (ConnectionMetrics, bool) {
	entry, ok := r.entries.Load(connectionId)
	if !ok {
		return ConnectionMetrics{}, false
	}

	return entry.snapshot(), true
}

// SnapshotAll returns a copy of the metrics of every tracked connection,
// keyed by connection ID.
func (r *Registry) SnapshotAll() map[string]ConnectionMetrics {
	all := make(map[string]ConnectionMetrics, r.entries.Len())

	r.entries.Range(func(connectionId string, entry *connectionEntry) bool {
		all[connectionId] = entry.snapshot()
		return true
	})

	return all
}

// Len returns the number of connections currently tracked by the Registry.
func (r *Registry) Len() int {
	return r.entries.Len()
}

// Cleanup removes entries that were first recorded more than maxLifetime ago
// and whose connection the pool no longer tracks, preventing unbounded
// growth of the registry. The tracked callback reports whether the pool still
// knows the given connection ID.
//
// Cleanup returns the number of entries that were removed.
func (r *Registry) Cleanup(maxLifetime time.Duration, tracked func(connectionId string) bool) int {
	cutoff := time.Now().Add(-maxLifetime)
	removed := 0

	r.entries.Range(func(connectionId string, entry *connectionEntry) bool {
		if entry.firstRecorded.After(cutoff) {
			return true
		}

		if tracked != nil && tracked(connectionId) {
			return true
		}

		r.entries.Delete(connectionId)
		removed++

		return true
	})

	if removed > 0 {
		r.log.Debug("Removed %d stale connection metrics entr(y/ies). %d remain(s).", removed, r.entries.Len())
	}

	return removed
}
