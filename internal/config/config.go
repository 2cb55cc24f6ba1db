// Package config loads flowline settings from an optional YAML file with
// environment overrides.
//
// Environment variables use the FLOWLINE_ prefix and a double underscore to
// separate nesting levels, so FLOWLINE_WORKER__LEASE_TTL=45s sets
// worker.lease_ttl.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "FLOWLINE_"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

var (
	storeDrivers   = []string{DriverMemory, DriverSQLite, DriverPostgres}
	queueDrivers   = []string{DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo}
	limiterDrivers = []string{DriverMemory, DriverRedis}
	dedupDrivers   = []string{DriverMemory, DriverRedis}
	logFormats     = []string{"console", "json"}
)

type Config struct {
	Log       LogConfig              `koanf:"log"`
	Store     StoreConfig            `koanf:"store"`
	Queue     QueueConfig            `koanf:"queue"`
	Worker    WorkerConfig           `koanf:"worker"`
	Retry     RetryConfig            `koanf:"retry"`
	RateLimit RateLimitConfig        `koanf:"ratelimit"`
	Groups    map[string]GroupConfig `koanf:"groups"`
	Notify    NotifyConfig           `koanf:"notify"`
	HTTP      HTTPConfig             `koanf:"http"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// QueueConfig selects the task queue backend. Integrations listed in
// Dedicated get a queue of their own; everything else shares the default
// queue.
type QueueConfig struct {
	Driver    string   `koanf:"driver"`
	DSN       string   `koanf:"dsn"`
	RedisAddr string   `koanf:"redis_addr"`
	Database  string   `koanf:"database"`
	Prefix    string   `koanf:"prefix"`
	Dedicated []string `koanf:"dedicated"`
}

type WorkerConfig struct {
	ID                string        `koanf:"id"`
	Concurrency       int           `koanf:"concurrency"`
	LeaseTTL          time.Duration `koanf:"lease_ttl"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	PollInterval      time.Duration `koanf:"poll_interval"`
}

type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier"`
	Jitter         float64       `koanf:"jitter"`
}

type RateLimitConfig struct {
	Driver    string `koanf:"driver"`
	RedisAddr string `koanf:"redis_addr"`
	Prefix    string `koanf:"prefix"`
}

// GroupConfig is the per-integration limit applied to each group key.
type GroupConfig struct {
	Concurrency int           `koanf:"concurrency"`
	Limit       int           `koanf:"limit"`
	Per         time.Duration `koanf:"per"`
}

// NotifyConfig configures failure notifications. Without a NATS URL,
// notices are only logged.
type NotifyConfig struct {
	Dedup     string        `koanf:"dedup"`
	RedisAddr string        `koanf:"redis_addr"`
	NATSURL   string        `koanf:"nats_url"`
	Subject   string        `koanf:"subject"`
	DedupTTL  time.Duration `koanf:"dedup_ttl"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the settings used for anything not set explicitly: an
// in-memory single process setup.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{Driver: DriverMemory},
		Queue: QueueConfig{Driver: DriverMemory, Database: "flowline", Prefix: "flowline"},
		Worker: WorkerConfig{
			Concurrency:       4,
			LeaseTTL:          30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			PollInterval:      500 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
			Jitter:         0.5,
		},
		RateLimit: RateLimitConfig{Driver: DriverMemory, Prefix: "flowline"},
		Groups:    map[string]GroupConfig{},
		Notify: NotifyConfig{
			Dedup:    DriverMemory,
			Subject:  "flowline.notifications.failure",
			DedupTTL: 24 * time.Hour,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads path (skipped when empty), applies FLOWLINE_ environment
// overrides on top of Default and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps FLOWLINE_QUEUE__REDIS_ADDR to queue.redis_addr.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed []string) {
		if !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s: unsupported value %q (want one of %s)", field, value, strings.Join(allowed, ", ")))
		}
	}

	oneOf("log.format", c.Log.Format, logFormats)
	oneOf("store.driver", c.Store.Driver, storeDrivers)
	oneOf("queue.driver", c.Queue.Driver, queueDrivers)
	oneOf("ratelimit.driver", c.RateLimit.Driver, limiterDrivers)
	oneOf("notify.dedup", c.Notify.Dedup, dedupDrivers)

	if needsDSN(c.Store.Driver) && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
	}
	switch c.Queue.Driver {
	case DriverSQLite, DriverPostgres, DriverMongo:
		if c.Queue.DSN == "" && c.Queue.Driver != c.Store.Driver {
			errs = append(errs, fmt.Errorf("queue.dsn is required for driver %s", c.Queue.Driver))
		}
	case DriverRedis:
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("queue.redis_addr is required for driver redis"))
		}
	}
	if c.RateLimit.Driver == DriverRedis && c.RateLimit.RedisAddr == "" {
		errs = append(errs, errors.New("ratelimit.redis_addr is required for driver redis"))
	}
	if c.Notify.Dedup == DriverRedis && c.Notify.RedisAddr == "" {
		errs = append(errs, errors.New("notify.redis_addr is required for dedup redis"))
	}

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.LeaseTTL <= 0 {
		errs = append(errs, errors.New("worker.lease_ttl must be positive"))
	}
	if c.Worker.HeartbeatInterval >= c.Worker.LeaseTTL {
		errs = append(errs, errors.New("worker.heartbeat_interval must be shorter than worker.lease_ttl"))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}

	for name, g := range c.Groups {
		if g.Concurrency < 0 || g.Limit < 0 || g.Per < 0 {
			errs = append(errs, fmt.Errorf("groups.%s: limits must not be negative", name))
		}
		if g.Limit > 0 && g.Per == 0 {
			errs = append(errs, fmt.Errorf("groups.%s: limit requires per", name))
		}
	}

	return errors.Join(errs...)
}

func needsDSN(driver string) bool {
	return driver == DriverSQLite || driver == DriverPostgres
}
