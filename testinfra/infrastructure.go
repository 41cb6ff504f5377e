// Package testinfra runs the same store and coordinator checks against every
// backend. The memory and miniredis backends always run; MySQL, Postgres and a
// real Redis run when their SEQTX_TEST_* variables are set.
package testinfra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"seqtx"
	cbmemory "seqtx/circuit/memory"
	"seqtx/event"
	"seqtx/store/memory"
	"seqtx/store/mysql"
	"seqtx/store/postgres"
	redisstore "seqtx/store/redis"
)

// DefaultConfig returns the test configuration taken from the environment.
func DefaultConfig() TestConfig {
	return TestConfig{
		MySQLDSN:      os.Getenv("SEQTX_TEST_MYSQL_DSN"),
		PostgresDSN:   os.Getenv("SEQTX_TEST_POSTGRES_DSN"),
		RedisAddr:     os.Getenv("SEQTX_TEST_REDIS_ADDR"),
		RedisPassword: os.Getenv("SEQTX_TEST_REDIS_PASSWORD"),
		RedisDB:       0,
		LockTTL:       30 * time.Second,
		PropertyRuns:  100,
	}
}

// TestConfig holds test configuration. Empty connection settings disable the
// corresponding backend.
type TestConfig struct {
	MySQLDSN      string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
	PropertyRuns  int
}

// Backend builds a fresh, empty store for one test.
type Backend struct {
	Name     string
	NewStore func(t *testing.T) seqtx.Store
}

// Backends lists every backend available under cfg.
func Backends(cfg TestConfig) []Backend {
	backends := []Backend{
		{Name: "memory", NewStore: func(t *testing.T) seqtx.Store { return memory.New() }},
		{Name: "miniredis", NewStore: newMiniredisStore},
	}
	if cfg.RedisAddr != "" {
		backends = append(backends, Backend{Name: "redis", NewStore: func(t *testing.T) seqtx.Store {
			return newRedisStore(t, cfg)
		}})
	}
	if cfg.MySQLDSN != "" {
		backends = append(backends, Backend{Name: "mysql", NewStore: func(t *testing.T) seqtx.Store {
			return newMySQLStore(t, cfg)
		}})
	}
	if cfg.PostgresDSN != "" {
		backends = append(backends, Backend{Name: "postgres", NewStore: func(t *testing.T) seqtx.Store {
			return newPostgresStore(t, cfg)
		}})
	}
	return backends
}

// ForEachBackend runs fn as a subtest per available backend.
func ForEachBackend(t *testing.T, fn func(t *testing.T, backend Backend)) {
	for _, backend := range Backends(DefaultConfig()) {
		t.Run(backend.Name, func(t *testing.T) {
			if backend.Name != "memory" && backend.Name != "miniredis" && testing.Short() {
				t.Skip("Skipping integration backend in short mode")
			}
			fn(t, backend)
		})
	}
}

// uniqueName returns a short identifier usable as a table name or key prefix.
func uniqueName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newMiniredisStore(t *testing.T) seqtx.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client)
}

func newRedisStore(t *testing.T, cfg TestConfig) seqtx.Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping test: Redis ping failed: %v", err)
	}

	s := redisstore.New(client, redisstore.WithPrefix(uniqueName("seqtx-test-")+":"))
	t.Cleanup(func() {
		if err := s.DeleteAll(context.Background()); err != nil {
			t.Logf("Warning: failed to cleanup redis keys: %v", err)
		}
		_ = client.Close()
	})
	return s
}

func newMySQLStore(t *testing.T, cfg TestConfig) seqtx.Store {
	t.Helper()
	db, err := mysql.Open(cfg.MySQLDSN)
	if err != nil {
		t.Skipf("Skipping test: MySQL connection failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Skipf("Skipping test: MySQL ping failed: %v", err)
	}

	table := uniqueName("seqtx_test_")
	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+table); err != nil {
			t.Logf("Warning: failed to drop %s: %v", table, err)
		}
		_ = db.Close()
	})
	return mysql.New(db, mysql.WithTable(table))
}

func newPostgresStore(t *testing.T, cfg TestConfig) seqtx.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, 8)
	if err != nil {
		t.Skipf("Skipping test: Postgres connection failed: %v", err)
	}

	table := uniqueName("seqtx_test_")
	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table); err != nil {
			t.Logf("Warning: failed to drop %s: %v", table, err)
		}
		pool.Close()
	})
	return postgres.New(pool, postgres.WithTable(table))
}

// TestInfrastructure is a coordinator over one backend, together with the
// event bus and breaker it reports into.
type TestInfrastructure struct {
	Store       seqtx.Store
	Coordinator *seqtx.Coordinator
	EventBus    *event.MemoryEventBus
	Events      *EventRecorder
	Breaker     *cbmemory.MemoryBreaker
	Clock       *Clock
	Config      TestConfig
	testID      string
}

// NewTestInfrastructure builds a coordinator over a fresh store of backend.
// The coordinator reads time from ti.Clock.
func NewTestInfrastructure(t *testing.T, backend Backend, opts ...seqtx.CoordinatorOption) *TestInfrastructure {
	t.Helper()

	ti := &TestInfrastructure{
		Store:    backend.NewStore(t),
		EventBus: event.NewMemoryEventBus(),
		Events:   NewEventRecorder(),
		Breaker:  cbmemory.NewMemoryBreaker(),
		Clock:    NewClock(time.Now().UTC().Truncate(time.Second)),
		Config:   DefaultConfig(),
		testID:   fmt.Sprintf("test-%d", time.Now().UnixNano()),
	}
	if err := ti.EventBus.SubscribeAll(ti.Events.Handle); err != nil {
		t.Fatalf("subscribe recorder: %v", err)
	}

	base := []seqtx.CoordinatorOption{
		seqtx.WithStore(ti.Store),
		seqtx.WithEventBus(ti.EventBus),
		seqtx.WithBreaker(ti.Breaker),
		seqtx.WithClock(ti.Clock.Now),
	}
	coord, err := seqtx.NewCoordinator(append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	ti.Coordinator = coord
	return ti
}

// TestID returns the unique test identifier.
func (ti *TestInfrastructure) TestID() string {
	return ti.testID
}

// GenerateSeriesID generates a unique series ID for testing.
func (ti *TestInfrastructure) GenerateSeriesID(suffix string) string {
	return fmt.Sprintf("%s-%s", ti.testID, suffix)
}
