package pool

import (
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultMinSize is the number of connections Warmup targets when the
	// configuration does not specify a minimum.
	DefaultMinSize = 2

	// DefaultMaxSize bounds the total number of outstanding connections when
	// the configuration does not specify a maximum.
	DefaultMaxSize = 8

	// DefaultIdleTimeoutSeconds is how long a connection may sit unused
	// before it is considered stale.
	DefaultIdleTimeoutSeconds = 300

	// DefaultMaxLifetimeSeconds is how long a connection may live, in total,
	// before it is considered stale.
	DefaultMaxLifetimeSeconds = 3600

	// DefaultHealthCheckIntervalSeconds is how often the health supervisor
	// sweeps the pool.
	DefaultHealthCheckIntervalSeconds = 30
)

var (
	ErrInvalidPoolSize     = errors.New("the pool's max size must be positive and at least its min size")
	ErrInvalidPoolInterval = errors.New("the pool's timeouts and intervals must all be positive")
)

// Config encapsulates the configuration parameters of a connection pool.
// A Config is immutable for the lifetime of the Manager it is given to.
type Config struct {
	MinSize                    int `name:"min_size"                      json:"min_size"                      yaml:"min_size"                      description:"The number of worker connections to create during warm-up."`
	MaxSize                    int `name:"max_size"                      json:"max_size"                      yaml:"max_size"                      description:"The maximum number of outstanding (idle + in-use) worker connections."`
	IdleTimeoutSeconds         int `name:"idle_timeout_seconds"          json:"idle_timeout_seconds"          yaml:"idle_timeout_seconds"          description:"How long, in seconds, a connection may sit unused before being evicted."`
	MaxLifetimeSeconds         int `name:"max_lifetime_seconds"          json:"max_lifetime_seconds"          yaml:"max_lifetime_seconds"          description:"How long, in seconds, a connection may live before being evicted."`
	HealthCheckIntervalSeconds int `name:"health_check_interval_seconds" json:"health_check_interval_seconds" yaml:"health_check_interval_seconds" description:"How often, in seconds, the health supervisor sweeps the pool."`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		MinSize:                    DefaultMinSize,
		MaxSize:                    DefaultMaxSize,
		IdleTimeoutSeconds:         DefaultIdleTimeoutSeconds,
		MaxLifetimeSeconds:         DefaultMaxLifetimeSeconds,
		HealthCheckIntervalSeconds: DefaultHealthCheckIntervalSeconds,
	}
}

// Validate returns an error if the configuration is internally inconsistent.
func (opts *Config) Validate() error {
	if opts.MaxSize <= 0 || opts.MinSize < 0 || opts.MinSize > opts.MaxSize {
		return ErrInvalidPoolSize
	}

	if opts.IdleTimeoutSeconds <= 0 || opts.MaxLifetimeSeconds <= 0 || opts.HealthCheckIntervalSeconds <= 0 {
		return ErrInvalidPoolInterval
	}

	return nil
}

// IdleTimeout returns the configured idle timeout as a time.Duration.
func (opts *Config) IdleTimeout() time.Duration {
	return time.Duration(opts.IdleTimeoutSeconds) * time.Second
}

// MaxLifetime returns the configured maximum connection lifetime as a time.Duration.
func (opts *Config) MaxLifetime() time.Duration {
	return time.Duration(opts.MaxLifetimeSeconds) * time.Second
}

// HealthCheckInterval returns the configured sweep interval as a time.Duration.
func (opts *Config) HealthCheckInterval() time.Duration {
	return time.Duration(opts.HealthCheckIntervalSeconds) * time.Second
}

// PrettyString is the same as String, except that PrettyString calls
// json.MarshalIndent instead of json.Marshal.
func (opts *Config) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *Config) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Clone returns a copy of the Config.
func (opts *Config) Clone() *Config {
	clone := *opts
	return &clone
}
