package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowline/internal/config"
	"github.com/petrijr/flowline/internal/testutil"
	"github.com/petrijr/flowline/pkg/api"
)

func registerSlack(calls chan<- string) Option {
	return WithHandlers(func(r *api.Registry) error {
		return r.Register("slack", "send", api.HandlerFunc(func(ctx context.Context, rc api.RunContext) (api.Result, error) {
			calls <- rc.Step.ID
			return api.Result{Output: map[string]any{"ok": true}}, nil
		}))
	})
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Worker.Concurrency = 2
	cfg.Worker.LeaseTTL = 5 * time.Second
	cfg.Worker.HeartbeatInterval = time.Second
	cfg.Worker.PollInterval = 20 * time.Millisecond
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 10 * time.Millisecond
	return cfg
}

// runFlow publishes a two action flow, starts it and waits for success.
func runFlow(t *testing.T, a *App, calls <-chan string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flow := api.Flow{ID: "f1", Steps: []api.Step{
		{ID: "trigger", Position: 1, Kind: api.StepTrigger, IntegrationKey: "webhook", ActionKey: "catch"},
		{ID: "a1", Position: 2, IntegrationKey: "slack", ActionKey: "send"},
		{ID: "a2", Position: 3, IntegrationKey: "slack", ActionKey: "send"},
	}}
	require.NoError(t, a.Engine.Store().SaveFlow(ctx, &flow))
	_, err := a.Engine.Publish(ctx, "f1")
	require.NoError(t, err)

	poolCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.RunWorkers(poolCtx) }()
	defer func() {
		stop()
		require.NoError(t, <-done)
	}()

	exec, err := a.Engine.StartExecution(ctx, "f1", map[string]any{"n": 1})
	require.NoError(t, err)

	for _, want := range []string{"a1", "a2"} {
		select {
		case got := <-calls:
			require.Equal(t, want, got)
		case <-ctx.Done():
			t.Fatalf("step %s did not run", want)
		}
	}

	require.Eventually(t, func() bool {
		view, err := a.Engine.GetExecution(ctx, exec.ID)
		return err == nil && view.Execution.Status == api.ExecutionSuccess
	}, 5*time.Second, 10*time.Millisecond)

	snap := a.Metrics.Snapshot()
	require.Equal(t, int64(1), snap.ExecutionsSucceeded)
	require.Equal(t, int64(2), snap.StepsCompleted)
}

func TestBuild_InMemory(t *testing.T) {
	calls := make(chan string, 4)
	a, err := Build(context.Background(), testConfig(), registerSlack(calls))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	runFlow(t, a, calls)
}

func TestBuild_SQLiteWithDedicatedQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Store = config.StoreConfig{Driver: config.DriverSQLite, DSN: "file:" + filepath.Join(t.TempDir(), "flowline.db")}
	cfg.Queue.Driver = config.DriverSQLite
	cfg.Queue.Dedicated = []string{"slack"}

	calls := make(chan string, 4)
	a, err := Build(context.Background(), cfg, registerSlack(calls))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	runFlow(t, a, calls)
}

func TestBuild_Redis(t *testing.T) {
	addr := testutil.RedisAddr(t)

	cfg := testConfig()
	cfg.Queue = config.QueueConfig{Driver: config.DriverRedis, RedisAddr: addr, Prefix: "flowline-app-" + time.Now().Format("150405.000")}
	cfg.RateLimit = config.RateLimitConfig{Driver: config.DriverRedis, RedisAddr: addr, Prefix: cfg.Queue.Prefix}
	cfg.Notify.Dedup = config.DriverRedis
	cfg.Notify.RedisAddr = addr
	cfg.Groups = map[string]config.GroupConfig{"slack": {Concurrency: 1}}

	calls := make(chan string, 4)
	a, err := Build(context.Background(), cfg, registerSlack(calls))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	runFlow(t, a, calls)
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = config.DriverPostgres

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "store.dsn")
}

func TestBuild_DuplicateHandlerFails(t *testing.T) {
	_, err := Build(context.Background(), testConfig(), WithHandlers(func(r *api.Registry) error {
		return r.Register(api.CoreIntegration, api.ActionIfThen, api.HandlerFunc(nil))
	}))
	require.Error(t, err)
}
