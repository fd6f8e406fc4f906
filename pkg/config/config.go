// Package config loads worker settings from OKEANOS_* environment variables,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variable prefix.
const Prefix = "OKEANOS_"

// PlanFromBlob as PlanFile reads the run's published plan from blob storage.
const PlanFromBlob = "blob"

// Boundary transports.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
)

// WorkerConfig holds everything one worker process needs besides the
// realization itself.
type WorkerConfig struct {
	// RunID groups the workers of one distributed run. Empty means generate.
	RunID string

	Rank int

	// Workers is the number of ranks. Zero defers to the realization, then 1.
	Workers int

	// Transport is one of memory, nats or redis.
	Transport string
	NATSURL   string

	// RedisAddr is host:port or a redis:// URL.
	RedisAddr string

	// SyncTimeout bounds every boundary exchange.
	SyncTimeout time.Duration

	// Strategy names the partition strategy. Empty defers to the realization,
	// then greedy.
	Strategy string

	Realization string

	// PlanFile is a local partition description, or PlanFromBlob to fetch
	// the plan published for RunID. Empty means build the plan in process.
	PlanFile string

	BlobConnectionString string
	BlobContainer        string

	OTLPEndpoint string
	SentryDSN    string
	Environment  string
	LogLevel     string
}

// DefaultWorkerConfig returns a configuration with sensible defaults
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Transport:     TransportMemory,
		NATSURL:       "nats://127.0.0.1:4222",
		RedisAddr:     "127.0.0.1:6379",
		SyncTimeout:   30 * time.Second,
		Realization:   "realization.hcl",
		BlobContainer: "okeanos",
		Environment:   "development",
		LogLevel:      "info",
	}
}

// Load reads the given .env files (".env" when none are named; missing files
// are skipped), then the process environment.
func Load(envFiles ...string) (*WorkerConfig, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a configuration from lookup, starting from the defaults.
func FromEnv(lookup func(string) (string, bool)) (*WorkerConfig, error) {
	c := DefaultWorkerConfig()
	get := func(name string) (string, bool) {
		v, ok := lookup(Prefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"RUN_ID":                 &c.RunID,
		"TRANSPORT":              &c.Transport,
		"NATS_URL":               &c.NATSURL,
		"REDIS_ADDR":             &c.RedisAddr,
		"STRATEGY":               &c.Strategy,
		"REALIZATION":            &c.Realization,
		"PLAN_FILE":              &c.PlanFile,
		"BLOB_CONNECTION_STRING": &c.BlobConnectionString,
		"BLOB_CONTAINER":         &c.BlobContainer,
		"OTLP_ENDPOINT":          &c.OTLPEndpoint,
		"SENTRY_DSN":             &c.SentryDSN,
		"ENVIRONMENT":            &c.Environment,
		"LOG_LEVEL":              &c.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{"RANK": &c.Rank, "WORKERS": &c.Workers}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s%s: %w", Prefix, name, err)
			}
			*dst = n
		}
	}

	if v, ok := get("SYNC_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%sSYNC_TIMEOUT: %w", Prefix, err)
		}
		c.SyncTimeout = d
	}
	return c, c.Validate()
}

// Validate checks the configuration
func (c *WorkerConfig) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", c.Workers)
	}
	if c.Rank < 0 || (c.Workers > 0 && c.Rank >= c.Workers) {
		return fmt.Errorf("rank %d outside [0, %d)", c.Rank, c.Workers)
	}
	switch c.Transport {
	case TransportMemory:
	case TransportNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("nats transport requires %sNATS_URL", Prefix)
		}
	case TransportRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis transport requires %sREDIS_ADDR", Prefix)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("sync timeout must be positive, got %s", c.SyncTimeout)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// WithRank sets the worker rank
func (c *WorkerConfig) WithRank(rank int) *WorkerConfig {
	c.Rank = rank
	return c
}

// WithWorkers sets the number of workers
func (c *WorkerConfig) WithWorkers(workers int) *WorkerConfig {
	c.Workers = workers
	return c
}

// WithTransport sets the boundary transport
func (c *WorkerConfig) WithTransport(transport string) *WorkerConfig {
	c.Transport = transport
	return c
}

// WithRunID sets the run id
func (c *WorkerConfig) WithRunID(runID string) *WorkerConfig {
	c.RunID = runID
	return c
}

// WithRealization sets the realization file path
func (c *WorkerConfig) WithRealization(path string) *WorkerConfig {
	c.Realization = path
	return c
}

// RedisOptions returns client options for RedisAddr.
func (c *WorkerConfig) RedisOptions() (*redis.Options, error) {
	if strings.HasPrefix(c.RedisAddr, "redis://") || strings.HasPrefix(c.RedisAddr, "rediss://") {
		opts, err := redis.ParseURL(c.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %sREDIS_ADDR: %w", Prefix, err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: c.RedisAddr}, nil
}

// NewLogger builds a production zap logger at the configured level, with
// console output in development.
func (c *WorkerConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.Int("rank", c.Rank)), nil
}
