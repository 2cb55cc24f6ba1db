// Package testutil starts the backing services used by integration tests.
//
// Each service is started at most once per test binary and shared by every
// test that asks for it. Containers are reaped by the testcontainers reaper
// when the binary exits. Tests are skipped, not failed, when Docker is not
// available or when running with -short.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 3 * time.Minute

type sharedService struct {
	once     sync.Once
	endpoint string
	err      error
}

func (s *sharedService) get(t *testing.T, name string, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", name)
	}

	s.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()
		s.endpoint, s.err = start(ctx)
	})

	if s.err != nil {
		t.Skipf("%s container unavailable: %v", name, s.err)
	}
	return s.endpoint
}

var (
	postgres sharedService
	redis    sharedService
	mongo    sharedService
)

// PostgresDSN returns a pgx DSN for a shared PostgreSQL container.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	return postgres.get(t, "postgres", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Actively verify SQL connectivity using the mapped host:port
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://flowline:flowline@%s:%s/flowline_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "flowline",
				"POSTGRES_PASSWORD": "flowline",
				"POSTGRES_DB":       "flowline_test",
			}),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background()) // best-effort cleanup
			return "", err
		}
		return fmt.Sprintf("postgres://flowline:flowline@%s/flowline_test?sslmode=disable", endpoint), nil
	})
}

// RedisAddr returns the host:port of a shared Redis container.
func RedisAddr(t *testing.T) string {
	t.Helper()
	return redis.get(t, "redis", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}

// MongoURI returns a connection URI for a shared MongoDB container.
func MongoURI(t *testing.T) string {
	t.Helper()
	return mongo.get(t, "mongo", func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}
