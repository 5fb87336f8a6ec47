// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the governor, its stores, the HTTP API,
// the worker pool and the maintenance schedule.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/api"
	"github.com/YallaPapi/pubscrape-sub005/internal/config"
	"github.com/YallaPapi/pubscrape-sub005/internal/dispatcher"
	evmemory "github.com/YallaPapi/pubscrape-sub005/internal/events/memory"
	"github.com/YallaPapi/pubscrape-sub005/internal/events/pubsub"
	collyfetcher "github.com/YallaPapi/pubscrape-sub005/internal/fetcher/colly"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/governor"
	"github.com/YallaPapi/pubscrape-sub005/internal/identity"
	"github.com/YallaPapi/pubscrape-sub005/internal/maintenance"
	"github.com/YallaPapi/pubscrape-sub005/internal/metrics"
	"github.com/YallaPapi/pubscrape-sub005/internal/policy/ratelimit"
	"github.com/YallaPapi/pubscrape-sub005/internal/queue"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/memory"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/postgres"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/redis"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/sqlite"
	"github.com/YallaPapi/pubscrape-sub005/internal/worker"
)

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      storage.Backend
	publisher  governance.Publisher
	limiter    *ratelimit.Limiter
	queue      *queue.Queue
	pool       *identity.Pool
	governor   *governor.Governor
	fetcher    *collyfetcher.Fetcher
	dispatcher *dispatcher.Dispatcher
	scheduler  *maintenance.Scheduler
	server     *api.Server
	closers    []io.Closer
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	store     storage.Backend
	publisher governance.Publisher
	clock     governance.Clock
}

// WithBackend supplies an already opened store instead of the configured one.
// The caller keeps ownership of it.
func WithBackend(b storage.Backend) Option { return func(o *options) { o.store = b } }

// WithPublisher supplies the events publisher instead of the configured one.
func WithPublisher(p governance.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithClock overrides the wall clock for every component.
func WithClock(c governance.Clock) Option { return func(o *options) { o.clock = c } }

// New wires every component from cfg and restores persisted state. It fails
// fast if any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}

	a.store = o.store
	if a.store == nil {
		store, err := OpenBackend(ctx, cfg.Storage, false)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store)
	}
	logger.Info("storage ready", zap.String("backend", cfg.Storage.Backend))

	a.publisher = o.publisher
	if a.publisher == nil {
		pub, closer, err := OpenPublisher(ctx, cfg.Events, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	if err := a.buildCore(cfg, o.clock); err != nil {
		a.Close()
		return nil, err
	}
	report, err := a.governor.Restore(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("restore state: %w", err)
	}
	logger.Info("state restored",
		zap.Int("items", report.Queue.Items),
		zap.Int("pending", report.Queue.Pending),
		zap.Int("resurfaced", report.Queue.Resurfaced),
		zap.Int("skipped", report.Queue.Skipped),
		zap.Int("targets", report.Targets),
		zap.Int("identities", report.Identities),
	)

	if cfg.Worker.Enabled {
		a.buildWorkers(cfg)
	}

	a.scheduler, err = maintenance.New(cfg.Maintenance, maintenance.Targets{
		Identities: a.pool,
		Limiter:    a.limiter,
		Queue:      a.queue,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.server = api.NewServer(a.governor, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, func(ctx context.Context) error {
		return storage.Ping(ctx, a.store)
	}, logger)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildCore(cfg config.Config, clock governance.Clock) error {
	var err error
	limiterOpts := []ratelimit.Option{ratelimit.WithStore(a.store), ratelimit.WithLogger(a.logger.Named("ratelimit"))}
	queueOpts := []queue.Option{queue.WithLogger(a.logger.Named("queue"))}
	poolOpts := []identity.Option{identity.WithStore(a.store), identity.WithLogger(a.logger.Named("identity"))}
	govOpts := []governor.Option{governor.WithPublisher(a.publisher), governor.WithLogger(a.logger.Named("governor"))}
	if clock != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(clock))
		queueOpts = append(queueOpts, queue.WithClock(clock))
		poolOpts = append(poolOpts, identity.WithClock(clock))
		govOpts = append(govOpts, governor.WithClock(clock))
	}

	if a.limiter, err = ratelimit.New(cfg.RateLimit, limiterOpts...); err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}
	a.queue = queue.New(cfg.Queue, a.store, append(queueOpts, queue.WithAdmitter(a.limiter))...)
	if a.pool, err = identity.New(cfg.Identity, poolOpts...); err != nil {
		return fmt.Errorf("build identity pool: %w", err)
	}
	govCfg := cfg.Governor
	govCfg.EventsTopic = cfg.EventsTopic()
	if a.governor, err = governor.New(govCfg, a.queue, a.limiter, a.pool, govOpts...); err != nil {
		return fmt.Errorf("build governor: %w", err)
	}
	return nil
}

func (a *App) buildWorkers(cfg config.Config) {
	a.fetcher = collyfetcher.New(cfg.Worker.Fetcher)
	detector := collyfetcher.NewDetector(cfg.Worker.Detector)
	workers := make([]*worker.Worker, cfg.Worker.Concurrency)
	for i := range workers {
		workers[i] = worker.New(a.governor, a.fetcher, detector, worker.Config{
			Name:           "worker-" + strconv.Itoa(i),
			RequestTimeout: cfg.Worker.RequestTimeout,
			IdlePoll:       cfg.Worker.IdlePoll,
			MaxPark:        cfg.Worker.MaxPark,
		}, a.logger.Named("worker"))
	}
	a.dispatcher = dispatcher.New(workers)
}

// OpenBackend opens the configured storage backend. readOnly applies to
// SQLite; the other backends are opened normally and must not be written.
func OpenBackend(ctx context.Context, cfg config.StorageConfig, readOnly bool) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendSQLite:
		sc := cfg.SQLite
		sc.ReadOnly = readOnly
		store, err := sqlite.Open(sc)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		store, err := redis.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// OpenPublisher builds the configured events publisher. The closer is nil
// when there is nothing to release.
func OpenPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (governance.Publisher, io.Closer, error) {
	switch cfg.Provider {
	case "", config.EventsNone:
		return nil, nil, nil
	case config.EventsMemory:
		p := evmemory.New()
		return p, p, nil
	case config.EventsPubSub:
		p, err := pubsub.Open(ctx, cfg.PubSub, logger.Named("pubsub"))
		if err != nil {
			return nil, nil, fmt.Errorf("open pubsub publisher: %w", err)
		}
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown events provider: %s", cfg.Provider)
	}
}

// Governor returns the governor facade.
func (a *App) Governor() *governor.Governor { return a.governor }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Store returns the storage backend.
func (a *App) Store() storage.Backend { return a.store }

// Publisher returns the events publisher, nil when events are disabled.
func (a *App) Publisher() governance.Publisher { return a.publisher }

// Workers reports how many in-process workers are configured.
func (a *App) Workers() int {
	if a.dispatcher == nil {
		return 0
	}
	return a.dispatcher.Size()
}

// Run listens on the configured port and serves until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the API on ln together with the worker pool and maintenance
// until ctx is canceled, then drains and takes a final limiter snapshot.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.scheduler.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if a.dispatcher != nil {
			a.logger.Info("starting workers", zap.Int("count", a.dispatcher.Size()))
			a.dispatcher.Run(runCtx)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	cancel()

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	<-workersDone
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("maintenance shutdown incomplete", zap.Error(err))
	}
	if _, err := a.limiter.SnapshotAll(shutdownCtx); err != nil {
		a.logger.Error("final limiter snapshot failed", zap.Error(err))
	}
	return runErr
}

// Close releases every resource the App opened.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("error closing resource", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

// Snapshot is the offline view printed by the stats command.
type Snapshot struct {
	Backend    string                `json:"backend"`
	Queue      governance.QueueStats `json:"queue"`
	Targets    int                   `json:"targets"`
	Identities int                   `json:"identities"`
	Summaries  []identity.Summary    `json:"identity_summaries,omitempty"`
}

// Inspect reads the configured store without mutating it.
func Inspect(ctx context.Context, cfg config.Config, logger *zap.Logger) (Snapshot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenBackend(ctx, cfg.Storage, true)
	if err != nil {
		return Snapshot{}, err
	}
	defer store.Close()
	return InspectBackend(ctx, store, cfg, logger)
}

// InspectBackend summarizes the state persisted in store.
func InspectBackend(ctx context.Context, store storage.Backend, cfg config.Config, logger *zap.Logger) (Snapshot, error) {
	snap := Snapshot{Backend: cfg.Storage.Backend}
	qs, err := queue.Inspect(ctx, store, logger)
	if err != nil {
		return snap, err
	}
	snap.Queue = qs

	limiter, err := ratelimit.New(cfg.RateLimit, ratelimit.WithStore(store), ratelimit.WithLogger(logger))
	if err != nil {
		return snap, fmt.Errorf("build rate limiter: %w", err)
	}
	if snap.Targets, err = limiter.Restore(ctx); err != nil {
		return snap, err
	}

	pool, err := identity.New(cfg.Identity, identity.WithStore(store), identity.WithLogger(logger))
	if err != nil {
		return snap, fmt.Errorf("build identity pool: %w", err)
	}
	if snap.Identities, err = pool.Restore(ctx); err != nil {
		return snap, err
	}
	snap.Summaries = pool.Identities()
	return snap, nil
}
