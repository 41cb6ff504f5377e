package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"seqtx"
	"seqtx/logging"
	"seqtx/sweep"
)

// Supported storage backends.
const (
	BackendMemory   = "memory"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the CLI configuration file.
type Config struct {
	// Backend selects the store: memory, mysql, postgres or redis.
	Backend string `yaml:"backend"`

	MySQL    MySQLConfig    `yaml:"mysql"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Logging     logging.Config    `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Admin       AdminConfig       `yaml:"admin"`
}

// MySQLConfig holds MySQL connection settings.
type MySQLConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// LockPrefix is the key prefix of sweep locks.
	LockPrefix string `yaml:"lock_prefix"`
}

// CoordinatorConfig mirrors seqtx.Config.
type CoordinatorConfig struct {
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	CacheSize           int           `yaml:"cache_size"`
	CircuitThreshold    int           `yaml:"circuit_threshold"`
	CircuitTimeout      time.Duration `yaml:"circuit_timeout"`
	CircuitHalfOpenReqs int           `yaml:"circuit_half_open_reqs"`
}

// SweepConfig configures the background sweeper.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	Series   []string      `yaml:"series"`
}

// MetricsConfig configures the Prometheus endpoint served by long-running commands.
type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables the endpoint.
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// AdminConfig configures the admin API served by the serve command.
type AdminConfig struct {
	Addr string `yaml:"addr"`
	// MaxEvents bounds the in-memory event log.
	MaxEvents int `yaml:"max_events"`
}

// DefaultConfig returns a configuration using the memory backend.
func DefaultConfig() *Config {
	def := seqtx.DefaultConfig()
	sw := sweep.DefaultConfig()
	return &Config{
		Backend: BackendMemory,
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Coordinator: CoordinatorConfig{
			DefaultTimeout:      def.DefaultTimeout,
			CacheSize:           def.CacheSize,
			CircuitThreshold:    def.CircuitThreshold,
			CircuitTimeout:      def.CircuitTimeout,
			CircuitHalfOpenReqs: def.CircuitHalfOpenReqs,
		},
		Sweep: SweepConfig{
			Interval: sw.Interval,
			LockTTL:  sw.LockTTL,
		},
		Logging: logging.Config{Level: "warn", Format: "console", OutputFile: "stderr"},
		Metrics: MetricsConfig{Namespace: "seqtx"},
		Admin:   AdminConfig{Addr: ":8080", MaxEvents: 1000},
	}
}

// LoadConfig reads the file at path over the defaults. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks the backend selection and the coordinator settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendMySQL:
		if c.MySQL.DSN == "" {
			return fmt.Errorf("%w: mysql backend requires mysql.dsn", seqtx.ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres backend requires postgres.dsn", seqtx.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", seqtx.ErrInvalidConfig, c.Backend)
	}

	coord := c.CoordinatorConfig()
	if err := coord.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := c.SweepConfig().Validate(); err != nil {
		return err
	}
	return nil
}

// CoordinatorConfig converts the file settings to a seqtx.Config.
func (c *Config) CoordinatorConfig() seqtx.Config {
	return seqtx.ApplyOptions(
		seqtx.WithDefaultTimeout(c.Coordinator.DefaultTimeout),
		seqtx.WithCacheSize(c.Coordinator.CacheSize),
		seqtx.WithCircuitThreshold(c.Coordinator.CircuitThreshold),
		seqtx.WithCircuitTimeout(c.Coordinator.CircuitTimeout),
		seqtx.WithCircuitHalfOpenReqs(c.Coordinator.CircuitHalfOpenReqs),
		seqtx.WithSweepInterval(c.Sweep.Interval),
		seqtx.WithSweepLockTTL(c.Sweep.LockTTL),
	)
}

// SweepConfig converts the file settings to a sweep.Config.
func (c *Config) SweepConfig() sweep.Config {
	return sweep.Config{
		Interval: c.Sweep.Interval,
		LockTTL:  c.Sweep.LockTTL,
		Series:   c.Sweep.Series,
	}
}
