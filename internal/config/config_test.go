package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
store:
  driver: sqlite
  dsn: file:flowline.db
queue:
  driver: sqlite
  dedicated: [slack, hubspot]
worker:
  concurrency: 8
  lease_ttl: 1m
retry:
  max_attempts: 5
  initial_backoff: 250ms
groups:
  slack:
    limit: 3
    per: 1s
  hubspot:
    concurrency: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, DriverSQLite, cfg.Store.Driver)
	require.Equal(t, []string{"slack", "hubspot"}, cfg.Queue.Dedicated)
	require.Equal(t, 8, cfg.Worker.Concurrency)
	require.Equal(t, time.Minute, cfg.Worker.LeaseTTL)
	require.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval, "unset keys keep defaults")
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.InitialBackoff)
	require.Equal(t, time.Minute, cfg.Retry.MaxBackoff)
	require.Equal(t, GroupConfig{Limit: 3, Per: time.Second}, cfg.Groups["slack"])
	require.Equal(t, GroupConfig{Concurrency: 2}, cfg.Groups["hubspot"])
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
worker:
  concurrency: 8
`)
	t.Setenv("FLOWLINE_WORKER__CONCURRENCY", "2")
	t.Setenv("FLOWLINE_WORKER__LEASE_TTL", "45s")
	t.Setenv("FLOWLINE_HTTP__ADDR", ":9090")
	t.Setenv("FLOWLINE_GROUPS__SLACK__CONCURRENCY", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Worker.Concurrency)
	require.Equal(t, 45*time.Second, cfg.Worker.LeaseTTL)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, 1, cfg.Groups["slack"].Concurrency)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown store driver":     func(c *Config) { c.Store.Driver = "oracle" },
		"postgres without dsn":     func(c *Config) { c.Store.Driver = DriverPostgres },
		"redis queue without addr": func(c *Config) { c.Queue.Driver = DriverRedis },
		"mongo queue without dsn":  func(c *Config) { c.Queue.Driver = DriverMongo },
		"redis limiter no addr":    func(c *Config) { c.RateLimit.Driver = DriverRedis },
		"redis dedup no addr":      func(c *Config) { c.Notify.Dedup = DriverRedis },
		"zero concurrency":         func(c *Config) { c.Worker.Concurrency = 0 },
		"heartbeat too slow":       func(c *Config) { c.Worker.HeartbeatInterval = c.Worker.LeaseTTL },
		"no attempts":              func(c *Config) { c.Retry.MaxAttempts = 0 },
		"jitter above one":         func(c *Config) { c.Retry.Jitter = 1.5 },
		"limit without per":        func(c *Config) { c.Groups["slack"] = GroupConfig{Limit: 3} },
		"bad log format":           func(c *Config) { c.Log.Format = "xml" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	t.Run("queue shares the store database", func(t *testing.T) {
		cfg := Default()
		cfg.Store = StoreConfig{Driver: DriverPostgres, DSN: "postgres://localhost/flowline"}
		cfg.Queue.Driver = DriverPostgres
		require.NoError(t, cfg.Validate())
	})
}
