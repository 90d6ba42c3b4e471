// Package runtime builds the worker process: it owns every long-lived
// component, wires them together and tears them down in dependency order.
//
// Lifecycle:
//
//	rt, err := runtime.New(ctx, cfg, logger) // connect and construct
//	err = rt.Run(ctx)                        // recover, start, serve until ctx ends
//
// Run calls Shutdown on the way out. Callers that never call Run (such as
// the backfill tool) call Shutdown themselves.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"shopfloor/internal/analytics"
	"shopfloor/internal/api"
	"shopfloor/internal/cache"
	"shopfloor/internal/config"
	"shopfloor/internal/db"
	"shopfloor/internal/events"
	"shopfloor/internal/export"
	"shopfloor/internal/inventory"
	"shopfloor/internal/metrics"
	"shopfloor/internal/queue"
	"shopfloor/internal/scheduler"
	"shopfloor/internal/types"
	"shopfloor/internal/webhook"
)

const redisKeyPrefix = "shopfloor:"

// Runtime holds the process-wide instances. Fields are exported for tools
// that reuse the wiring without running the worker.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Cache     *cache.Cache
	Bus       *events.Bus
	Queue     *queue.Queue
	Scheduler *scheduler.Scheduler

	Aggregator *analytics.Aggregator
	Summary    *analytics.SummaryService
	Exports    *export.Service
	Processor  *export.Processor
	Webhooks   *webhook.Dispatcher
	Inventory  *inventory.Projection
	Cleanup    *scheduler.CleanupService

	httpServer     *http.Server
	unsubscribe    []func()
	started        bool
	shutdownCalled bool
}

// New connects to Postgres (and Redis when configured), builds every
// component and registers job handlers and event listeners. Nothing runs
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{cfg: cfg, logger: logger}
	clock := types.RealClock{}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Metrics = metrics.New(rt.Registry)

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.pool = pool
	dbtx := db.NewInstrumentedDB(pool, rt.Metrics, logger)

	eventLog := db.NewEventLogRepository(dbtx)
	jobRepo := db.NewJobRepository(dbtx)
	kpiRepo := db.NewKPISnapshotRepository(dbtx)
	exportRepo := db.NewExportJobRepository(dbtx)
	materialRepo := db.NewMaterialRepository(dbtx)
	webhookRepo := db.NewWebhookRepository(dbtx)
	tokenRepo := db.NewRefreshTokenRepository(dbtx)

	store, err := rt.newCacheStore(ctx, clock)
	if err != nil {
		rt.closeClients()
		return nil, err
	}
	rt.Cache = cache.New(store, clock, rt.Metrics, logger)

	rt.Bus = events.NewBus(eventLog, events.Options{
		MaxInflight: cfg.Events.LedgerMaxInflight,
		MaxTasks:    cfg.Events.TaskMaxInflight,
		Clock:       clock,
		Metrics:     rt.Metrics,
		Logger:      logger,
	})

	rt.Queue = queue.New(queue.Options{
		Store:   jobRepo,
		Policy:  retryPolicy(cfg.Queue),
		Clock:   clock,
		Metrics: rt.Metrics,
		Logger:  logger,
	})

	objects, err := newObjectStore(ctx, cfg.AWS, cfg.Export.Bucket)
	if err != nil {
		rt.closeClients()
		return nil, err
	}

	rt.Aggregator = analytics.NewAggregator(eventLog, kpiRepo, rt.Cache, clock, logger)
	rt.Summary = analytics.NewSummaryService(kpiRepo, rt.Cache, clock, cfg.Analytics.SummaryTTL, cfg.Analytics.SummaryDays, logger)
	rt.Processor, err = export.NewProcessor(exportRepo, materialRepo, objects, rt.Bus, export.Config{
		BatchLimit: cfg.Export.BatchLimit,
		Prefix:     cfg.Export.Prefix,
		Compress:   cfg.Export.Compress,
		URLTTL:     cfg.Export.URLTTL,
	}, clock, rt.Metrics, logger)
	if err != nil {
		rt.closeClients()
		return nil, fmt.Errorf("creating export processor: %w", err)
	}
	rt.Exports = export.NewService(exportRepo, rt.Queue, logger)
	rt.Webhooks = webhook.NewDispatcher(webhookRepo, rt.Bus, rt.Queue,
		&http.Client{Timeout: cfg.Webhook.DefaultTimeout},
		webhook.Config{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Timeout:     cfg.Webhook.DefaultTimeout,
			UserAgent:   cfg.Webhook.UserAgent,
		}, clock, rt.Metrics, logger)
	rt.Inventory = inventory.NewProjection(rt.Bus, rt.Cache, materialRepo, cfg.Cache.MaterialsTTL, logger)
	rt.Cleanup = scheduler.NewCleanupService(tokenRepo, clock, logger)

	rt.Queue.Register(types.JobTypeKPISnapshot, rt.Aggregator.HandleSnapshot)
	rt.Queue.Register(types.JobTypeAnalyticsSummaryWarm, rt.Summary.HandleWarm)
	rt.Queue.Register(types.JobTypeExportGenerate, rt.Processor.HandleGenerate)
	rt.Queue.Register(types.JobTypeWebhookDeliver, rt.Webhooks.HandleDeliver)
	rt.Queue.Register(types.JobTypeWebhookFanOut, rt.Webhooks.HandleFanOut)
	rt.Queue.Register(types.JobTypeRefreshTokenCleanup, rt.Cleanup.HandleRefreshTokenCleanup)

	rt.unsubscribe = append(rt.unsubscribe,
		rt.Bus.On("*", rt.Webhooks.OnEvent),
		rt.Inventory.Register(),
	)

	rt.Scheduler = scheduler.New(rt.Queue, rt.Metrics, logger)
	rt.Scheduler.Schedule(types.JobTypeKPISnapshot, cfg.Scheduler.KPISnapshotInterval(), scheduler.Persisted())
	rt.Scheduler.Schedule(types.JobTypeAnalyticsSummaryWarm, cfg.Scheduler.AnalyticsWarmInterval(), scheduler.SkipWhileActive())
	rt.Scheduler.Schedule(types.JobTypeRefreshTokenCleanup, cfg.Scheduler.RefreshTokenCleanupInterval(), scheduler.SkipWhileActive())

	rt.httpServer = &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Jobs:      rt.Queue,
			Exports:   rt.Exports,
			Analytics: rt.Summary,
			Backfill:  rt.Aggregator,
			Inventory: rt.Inventory,
			DB:        pool,
			Gatherer:  rt.Registry,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return rt, nil
}

// Run recovers persisted jobs, starts the queue and scheduler and serves
// the ops API until ctx is cancelled or the listener fails. It always
// shuts the runtime down before returning.
func (rt *Runtime) Run(ctx context.Context) error {
	recovered, err := rt.Queue.RecoverPersisted(ctx)
	if err != nil {
		_ = rt.Shutdown(context.Background())
		return fmt.Errorf("recovering persisted jobs: %w", err)
	}
	rt.Queue.Start(ctx)
	rt.Scheduler.Start(ctx)
	rt.started = true

	rt.logger.InfoContext(ctx, "worker started",
		"addr", rt.cfg.Server.Addr,
		"recovered_jobs", recovered,
		"redis_cache", rt.redis != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		return rt.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops components in reverse dependency order: the scheduler
// stops producing work, the API stops accepting requests, the queue lets
// running handlers finish, the bus drains ledger writes and webhook
// fan-outs and the connections close last. Persisted jobs enqueued by the
// draining bus stay pending in the store for the next RecoverPersisted. It
// is safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.shutdownCalled {
		return nil
	}
	rt.shutdownCalled = true
	rt.logger.InfoContext(ctx, "initiating graceful shutdown")

	var errs []error
	rt.Scheduler.Shutdown()
	if rt.started {
		if err := rt.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if err := rt.Queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	for _, off := range rt.unsubscribe {
		off()
	}
	if err := rt.Bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	rt.closeClients()

	if err := errors.Join(errs...); err != nil {
		rt.logger.ErrorContext(ctx, "shutdown incomplete", "error", err)
		return err
	}
	rt.logger.InfoContext(ctx, "worker stopped cleanly")
	return nil
}

func (rt *Runtime) closeClients() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newCacheStore picks Redis when REDIS_URL is set and the bounded in-process
// store otherwise.
func (rt *Runtime) newCacheStore(ctx context.Context, clock types.Clock) (cache.Store, error) {
	if rt.cfg.Cache.RedisURL == "" {
		return cache.NewMemoryStore(rt.cfg.Cache.MaxEntries, clock)
	}
	client, err := cache.NewRedisClient(ctx, rt.cfg.Cache.RedisURL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("connecting cache: %w", err)
	}
	rt.redis = client
	return cache.NewRedisStore(client, redisKeyPrefix, clock), nil
}

// newObjectStore returns an S3-backed store when a bucket is configured and
// an in-process store otherwise. AWS_ENDPOINT_URL switches to path-style
// addressing for LocalStack and MinIO.
func newObjectStore(ctx context.Context, cfg config.AWSConfig, bucket string) (export.ObjectStore, error) {
	if bucket == "" {
		return export.NewMemoryObjectStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return export.NewS3Store(client, bucket), nil
}

func retryPolicy(cfg config.QueueConfig) queue.RetryPolicy {
	p := queue.DefaultRetryPolicy
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffBase > 0 {
		p.BaseDelay = cfg.BackoffBase
	}
	if cfg.BackoffMax > 0 {
		p.MaxDelay = cfg.BackoffMax
	}
	return p
}
