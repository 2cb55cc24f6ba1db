// Package app assembles a running flowline process from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowline/internal/config"
	"github.com/petrijr/flowline/internal/engine"
	"github.com/petrijr/flowline/internal/httpapi"
	"github.com/petrijr/flowline/internal/notify"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/internal/ratelimit"
	"github.com/petrijr/flowline/internal/taskqueue"
	"github.com/petrijr/flowline/pkg/actions"
	"github.com/petrijr/flowline/pkg/api"
	"github.com/petrijr/flowline/pkg/worker"
)

const (
	mongoCollection = "flowline_tasks"
	shutdownTimeout = 10 * time.Second
)

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger    zerolog.Logger
	handlers  []func(*api.Registry) error
	resolvers map[string]api.GroupResolver
	observers []api.Observer
}

// WithLogger sets the process logger. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithHandlers registers action handlers next to the built-in ones.
func WithHandlers(register func(*api.Registry) error) Option {
	return func(o *buildOptions) { o.handlers = append(o.handlers, register) }
}

// WithGroupResolver sets how group keys are computed for an integration.
func WithGroupResolver(integration string, r api.GroupResolver) Option {
	return func(o *buildOptions) { o.resolvers[integration] = r }
}

// WithObserver adds an observer next to the logging and metrics ones.
func WithObserver(obs api.Observer) Option {
	return func(o *buildOptions) { o.observers = append(o.observers, obs) }
}

// App holds every long-lived component of a process.
type App struct {
	Config   config.Config
	Logger   zerolog.Logger
	Engine   *engine.Engine
	Registry *api.Registry
	Metrics  *api.BasicMetrics
	Pool     *worker.Pool
	Handler  http.Handler

	closers []func() error
}

// Build connects to the configured backends and wires the engine, worker
// pool and HTTP handler. Close releases every connection it opened.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := buildOptions{logger: zerolog.Nop(), resolvers: map[string]api.GroupResolver{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	b := &builder{app: a, cfg: cfg, redis: map[string]*redis.Client{}}

	store, err := b.store()
	if err != nil {
		return nil, err
	}
	router, err := b.router(ctx)
	if err != nil {
		return nil, err
	}
	limiter := b.limiter()
	notifier, err := b.notifier()
	if err != nil {
		return nil, err
	}

	a.Registry = api.NewRegistry()
	if err := actions.RegisterBuiltins(a.Registry); err != nil {
		return nil, err
	}
	for _, register := range o.handlers {
		if err := register(a.Registry); err != nil {
			return nil, fmt.Errorf("register handlers: %w", err)
		}
	}

	a.Metrics = &api.BasicMetrics{}
	observers := append([]api.Observer{api.NewLoggingObserver(a.Logger), a.Metrics}, o.observers...)

	groups := make(map[string]api.GroupPolicy, len(cfg.Groups))
	for integration, g := range cfg.Groups {
		groups[integration] = api.GroupPolicy{Concurrency: g.Concurrency, Limit: g.Limit, Per: g.Per}
	}

	a.Engine, err = engine.New(engine.Config{
		Store:     store,
		Router:    router,
		Registry:  a.Registry,
		Limiter:   limiter,
		Groups:    groups,
		Resolvers: o.resolvers,
		Notifier:  notifier,
		Observer:  api.NewCompositeObserver(observers...),
		Logger:    &a.Logger,
		Retry: engine.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.Multiplier,
			Jitter:         cfg.Retry.Jitter,
		},
	})
	if err != nil {
		return nil, err
	}

	a.Pool = worker.NewPool(a.Engine, router, worker.PoolConfig{
		Config: worker.Config{
			WorkerID:          cfg.Worker.ID,
			LeaseTTL:          cfg.Worker.LeaseTTL,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			Logger:            &a.Logger,
		},
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
	})
	a.Handler = httpapi.DefineRoutes(httpapi.NewController(a.Engine, a.Logger))

	return a, nil
}

// RunWorkers processes jobs until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	return a.Pool.Run(ctx)
}

// Serve runs the HTTP surface and the worker pool until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.Pool.Run(gctx)
	})
	return g.Wait()
}

// Close releases backend connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

type builder struct {
	app     *App
	cfg     config.Config
	storeDB *sql.DB
	redis   map[string]*redis.Client
}

func (b *builder) onClose(fn func() error) {
	b.app.closers = append(b.app.closers, fn)
}

func (b *builder) store() (persistence.Store, error) {
	switch b.cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := b.openSQL(config.DriverSQLite, b.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		b.storeDB = db
		return persistence.NewSQLiteStore(db)
	case config.DriverPostgres:
		db, err := b.openSQL(config.DriverPostgres, b.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		b.storeDB = db
		return persistence.NewPostgresStore(db)
	default:
		return persistence.NewInMemoryStore(), nil
	}
}

func (b *builder) openSQL(driver, dsn string) (*sql.DB, error) {
	name := "sqlite"
	if driver == config.DriverPostgres {
		name = "pgx"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	b.onClose(db.Close)
	return db, nil
}

// router creates the default queue plus one queue per dedicated integration.
func (b *builder) router(ctx context.Context) (*taskqueue.Router, error) {
	newQueue, err := b.queueFactory(ctx)
	if err != nil {
		return nil, err
	}

	def, err := newQueue(taskqueue.DefaultQueueName)
	if err != nil {
		return nil, err
	}
	router := taskqueue.NewRouter(def)
	for _, integration := range b.cfg.Queue.Dedicated {
		q, err := newQueue(integration)
		if err != nil {
			return nil, err
		}
		router.Route(integration, q)
	}
	return router, nil
}

func (b *builder) queueFactory(ctx context.Context) (func(name string) (taskqueue.Queue, error), error) {
	qc := b.cfg.Queue
	switch qc.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		db := b.storeDB
		if qc.DSN != "" || db == nil || b.cfg.Store.Driver != qc.Driver {
			var err error
			if db, err = b.openSQL(qc.Driver, qc.DSN); err != nil {
				return nil, err
			}
		}
		if qc.Driver == config.DriverPostgres {
			return func(name string) (taskqueue.Queue, error) { return taskqueue.NewPostgresQueue(db, name) }, nil
		}
		return func(name string) (taskqueue.Queue, error) { return taskqueue.NewSQLiteQueue(db, name) }, nil

	case config.DriverRedis:
		client := b.redisClient(qc.RedisAddr)
		return func(name string) (taskqueue.Queue, error) {
			return taskqueue.NewRedisQueue(client, qc.Prefix, name), nil
		}, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(qc.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		b.onClose(func() error { return client.Disconnect(context.Background()) })
		return func(name string) (taskqueue.Queue, error) {
			return taskqueue.NewMongoQueue(client, qc.Database, mongoCollection, name), nil
		}, nil

	default:
		return func(string) (taskqueue.Queue, error) { return taskqueue.NewInMemoryQueue(), nil }, nil
	}
}

func (b *builder) redisClient(addr string) *redis.Client {
	if c, ok := b.redis[addr]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	b.redis[addr] = c
	b.onClose(c.Close)
	return c
}

func (b *builder) limiter() ratelimit.Limiter {
	if b.cfg.RateLimit.Driver == config.DriverRedis {
		return ratelimit.NewRedisLimiter(b.redisClient(b.cfg.RateLimit.RedisAddr), b.cfg.RateLimit.Prefix,
			ratelimit.WithLogger(b.app.Logger))
	}
	return ratelimit.NewMemoryLimiter()
}

func (b *builder) notifier() (*notify.Notifier, error) {
	nc := b.cfg.Notify

	var dedup notify.DedupStore = notify.NewMemoryDedup()
	if nc.Dedup == config.DriverRedis {
		dedup = notify.NewRedisDedup(b.redisClient(nc.RedisAddr), b.cfg.Queue.Prefix)
	}

	var mailer notify.Mailer = notify.LogMailer{Logger: b.app.Logger}
	if nc.NATSURL != "" {
		conn, err := nats.Connect(nc.NATSURL, nats.Name("flowline"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		b.onClose(func() error {
			conn.Close()
			return nil
		})
		mailer = notify.NewNATSMailer(conn, nc.Subject)
	}

	return notify.New(dedup, mailer, notify.WithDedupTTL(nc.DedupTTL), notify.WithLogger(b.app.Logger)), nil
}
