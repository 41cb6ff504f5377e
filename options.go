package seqtx

import (
	"time"

	"seqtx/circuit"
)

// Config holds the configuration for the coordinator.
type Config struct {
	// Timeout configuration
	DefaultTimeout time.Duration // Claim duration when a start request carries no deadline, default 5min

	// Cache configuration
	CacheSize int // Number of series tracked by the success cache, default 1024

	// Circuit breaker configuration
	CircuitThreshold    int           // Circuit breaker threshold, default 5
	CircuitTimeout      time.Duration // Circuit breaker recovery time, default 30s
	CircuitHalfOpenReqs int           // Half-open state max requests, default 3

	// Sweep configuration
	SweepInterval time.Duration // Background compaction interval, default 30s
	SweepLockTTL  time.Duration // TTL of the per-series sweep lock, default 30s
}

// DefaultConfig returns the default configuration for the coordinator.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:      5 * time.Minute,
		CacheSize:           1024,
		CircuitThreshold:    5,
		CircuitTimeout:      30 * time.Second,
		CircuitHalfOpenReqs: 3,
		SweepInterval:       30 * time.Second,
		SweepLockTTL:        30 * time.Second,
	}
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithDefaultTimeout sets the claim duration used when a start request has no deadline.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.DefaultTimeout = timeout
	}
}

// WithCacheSize sets the number of series tracked by the success cache.
func WithCacheSize(size int) Option {
	return func(c *Config) {
		c.CacheSize = size
	}
}

// WithCircuitThreshold sets the circuit breaker failure threshold.
func WithCircuitThreshold(threshold int) Option {
	return func(c *Config) {
		c.CircuitThreshold = threshold
	}
}

// WithCircuitTimeout sets the circuit breaker recovery timeout.
func WithCircuitTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CircuitTimeout = timeout
	}
}

// WithCircuitHalfOpenReqs sets the maximum requests in half-open state.
func WithCircuitHalfOpenReqs(reqs int) Option {
	return func(c *Config) {
		c.CircuitHalfOpenReqs = reqs
	}
}

// WithSweepInterval sets the background compaction interval.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.SweepInterval = interval
	}
}

// WithSweepLockTTL sets the TTL of the per-series sweep lock.
func WithSweepLockTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.SweepLockTTL = ttl
	}
}

// WithConfig applies a complete Config, overriding all values.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// ApplyOptions applies the given options to a default config and returns the result.
func ApplyOptions(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ToBreakerConfig converts the circuit breaker settings to a BreakerConfig.
func (c *Config) ToBreakerConfig() circuit.BreakerConfig {
	return circuit.BreakerConfig{
		Threshold:       c.CircuitThreshold,
		Timeout:         c.CircuitTimeout,
		HalfOpenMaxReqs: c.CircuitHalfOpenReqs,
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.CacheSize <= 0 {
		return ErrInvalidConfig
	}
	if c.CircuitThreshold <= 0 {
		return ErrInvalidConfig
	}
	if c.CircuitTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.CircuitHalfOpenReqs <= 0 {
		return ErrInvalidConfig
	}
	if c.SweepInterval <= 0 {
		return ErrInvalidConfig
	}
	if c.SweepLockTTL <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
