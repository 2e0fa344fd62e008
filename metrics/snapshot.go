package metrics

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// PerformanceMetrics is a point-in-time snapshot of the pool and execution
// engine, aggregated for observability. Producing a snapshot never blocks on
// the pool's concurrency limiter.
type PerformanceMetrics struct {
	// TotalOperations is the number of operations the engine has processed.
	TotalOperations int64 `json:"total_operations"`

	// PoolHits is the number of acquires satisfied by reusing an idle connection.
	PoolHits int64 `json:"pool_hits"`

	// PoolMisses is the number of acquires that required creating a new connection.
	PoolMisses int64 `json:"pool_misses"`

	// HitRate is PoolHits divided by max(1, PoolHits+PoolMisses).
	HitRate float64 `json:"hit_rate"`

	// IdleConnections is the number of connections currently sitting idle in the pool.
	IdleConnections int `json:"idle_connections"`

	// InUseConnections is the number of connections currently held by callers.
	InUseConnections int `json:"in_use_connections"`

	// TotalConnections is IdleConnections + InUseConnections.
	TotalConnections int `json:"total_connections"`

	// MinSize and MaxSize echo the pool's configured bounds.
	MinSize int `json:"min_size"`
	MaxSize int `json:"max_size"`

	// Uptime is how long the engine has been running.
	Uptime time.Duration `json:"uptime"`

	// AverageConnectionAge is the mean age of all live connections.
	AverageConnectionAge time.Duration `json:"average_connection_age"`

	// Connections holds the full per-connection metrics table.
	Connections map[string]ConnectionMetrics `json:"connections"`
}

// PrettyString returns the snapshot serialized as indented JSON.
func (m *PerformanceMetrics) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	out, err := json.MarshalIndent(m, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(out)
}

func (m *PerformanceMetrics) String() string {
	out, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(out)
}
