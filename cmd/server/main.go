package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"commerce-etl/config"
	"commerce-etl/internal/api"
	"commerce-etl/internal/broker"
	"commerce-etl/internal/connector"
	"commerce-etl/internal/etl"
	"commerce-etl/internal/ingest"
	"commerce-etl/internal/models"
	"commerce-etl/internal/redisclient"
	"commerce-etl/internal/rollup"
	"commerce-etl/internal/scheduler"
	"commerce-etl/internal/service"
	"commerce-etl/internal/staging"
	"commerce-etl/internal/store"
	"commerce-etl/internal/util"
	"commerce-etl/internal/worker"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commerce ETL service")

	tp, err := util.InitTracer(util.TracingConfig{
		ServiceName: "commerce-etl",
		Env:         cfg.Server.Env,
		Endpoint:    cfg.Observ.JaegerEndpoint,
		SampleRatio: cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx := context.Background()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected")

	mongoClient, stagingStore, err := staging.Connect(ctx, cfg.Mongo.URL, cfg.Mongo.Database)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())
	if err := stagingStore.EnsureIndexes(ctx, models.AllPlatforms); err != nil {
		logger.Warn("Failed to create staging indexes", zap.Error(err))
	}
	logger.Info("MongoDB connected", zap.String("database", cfg.Mongo.Database))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSync)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicSync))

	pc := cfg.Pipeline
	connectors := connector.NewDefaultRegistry(connector.Options{
		HTTPClient: &http.Client{Timeout: pc.HTTPTimeout},
		Retry: connector.RetryPolicy{
			MaxAttempts:       pc.MaxAttempts,
			InitialInterval:   pc.BackoffInitial,
			MaxInterval:       pc.BackoffMax,
			DefaultRetryAfter: pc.DefaultRetryAfter,
			MaxRateLimitWaits: pc.MaxRateLimitWaits,
		},
		RequestsPerSecond:      pc.RequestsPerSecond,
		TokenMargin:            pc.TokenRefreshSkew,
		TokenSink:              db,
		ShopifyAPIVersion:      cfg.Platforms.ShopifyAPIVersion,
		ShopifyBaseURL:         cfg.Platforms.ShopifyBaseURL,
		AmazonBaseURL:          cfg.Platforms.AmazonBaseURL,
		AmazonTokenURL:         cfg.Platforms.AmazonTokenURL,
		WalmartBaseURL:         cfg.Platforms.WalmartBaseURL,
		QuickBooksBaseURL:      cfg.Platforms.QuickBooksBaseURL,
		QuickBooksTokenURL:     cfg.Platforms.QuickBooksTokenURL,
		QuickBooksMinorVersion: cfg.Platforms.QuickBooksMinorVersion,
	})

	coordinator := ingest.NewCoordinator(connectors, stagingStore, ingest.Config{
		BatchSize:       pc.IngestionBatchSize,
		TypeConcurrency: pc.TypeConcurrency,
		FetchTimeout:    pc.FetchTimeout,
		InitialLookback: pc.InitialLookback,
		SyncOverlap:     pc.SyncOverlap,
	})
	transformer := etl.NewEngine(stagingStore, db, etl.DefaultRegistry(), etl.Config{BatchSize: pc.TransformBatchSize})
	metrics := rollup.NewEngine(db)

	pipeline := service.NewPipelineService(db, coordinator, transformer, metrics, eventPublisher, pc.TenantConcurrency)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pool := worker.NewPool(pc.WorkerPoolSize, pc.WorkerQueueSize)
	pool.Start(workerCtx)

	owner := fmt.Sprintf("%s-%d-%s", hostname(), os.Getpid(), uuid.NewString()[:8])
	sched := scheduler.New(redisClient, redisClient, pool, scheduler.Config{
		CheckInterval: cfg.Schedule.CheckInterval,
		JobTimeout:    cfg.Schedule.JobTimeout,
		MisfireGrace:  cfg.Schedule.MisfireGrace,
		Owner:         owner,
	})
	tenantJob := func(tenantID string, platform models.Platform) scheduler.JobFunc {
		return func(ctx context.Context) error {
			r := pipeline.SyncTenantPlatform(ctx, tenantID, platform, nil)
			if !r.Success {
				return fmt.Errorf("sync %s/%s failed: %s", tenantID, platform, r.Error)
			}
			return nil
		}
	}
	if cfg.Schedule.Enabled {
		if err := sched.Restore(ctx); err != nil {
			logger.Warn("Failed to restore job states", zap.Error(err))
		}
		registerJobs(ctx, sched, pipeline, cfg.Schedule, tenantJob, logger)
		sched.Start(workerCtx)
	}

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSync, cfg.Kafka.ConsumerGroup)
	syncWorker := worker.NewSyncWorker(consumer, pool, pipeline, eventPublisher)
	go func() {
		if err := syncWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Sync worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Pipeline:  pipeline,
		Syncs:     eventPublisher,
		Reader:    db,
		Backlog:   stagingStore,
		Scheduler: sched,
		TenantJob: tenantJob,
		Checks: map[string]func(context.Context) error{
			"postgres": db.Ping,
			"mongodb":  stagingStore.Ping,
			"redis":    redisClient.Ping,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduled jobs did not finish", zap.Error(err))
	}
	workerCancel()
	if err := syncWorker.Stop(); err != nil {
		logger.Warn("Error stopping sync worker", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("Worker pool did not drain", zap.Error(err))
	}

	logger.Info("Server exited")
}

// registerJobs adds the global jobs and re-adds persisted tenant schedules.
func registerJobs(ctx context.Context, sched *scheduler.Scheduler, pipeline *service.PipelineService, sc config.ScheduleConfig, tenantJob api.TenantJobFunc, logger *zap.Logger) {
	fanout := func(run func(ctx context.Context) models.FanoutReport) scheduler.JobFunc {
		return func(ctx context.Context) error {
			r := run(ctx)
			return r.Err()
		}
	}

	jobs := map[string]struct {
		spec string
		fn   scheduler.JobFunc
	}{
		"full_sync": {sc.FullSync, fanout(func(ctx context.Context) models.FanoutReport {
			return pipeline.SyncAll(ctx, nil)
		})},
		"orders_sync": {sc.OrdersSync, fanout(func(ctx context.Context) models.FanoutReport {
			return pipeline.SyncAll(ctx, []models.DataType{models.DataTypeOrders})
		})},
		"inventory_sync": {sc.InventorySync, fanout(func(ctx context.Context) models.FanoutReport {
			return pipeline.SyncAll(ctx, []models.DataType{models.DataTypeInventory})
		})},
		"daily_metrics": {sc.DailyMetrics, fanout(pipeline.CalculateDailyMetricsAll)},
	}
	for name, spec := range sc.PlatformSchedule {
		platform, err := models.ParsePlatform(name)
		if err != nil {
			logger.Warn("Ignoring schedule for unknown platform", zap.String("platform", name))
			continue
		}
		jobs["platform_sync_"+string(platform)] = struct {
			spec string
			fn   scheduler.JobFunc
		}{spec, fanout(func(ctx context.Context) models.FanoutReport {
			return pipeline.SyncPlatform(ctx, platform, nil)
		})}
	}

	for id, j := range jobs {
		if err := sched.AddJob(ctx, id, j.spec, j.fn); err != nil {
			logger.Error("Failed to register job", zap.String("job_id", id), zap.Error(err))
		}
	}

	for id, spec := range sched.RestoredIDs() {
		tenant, platform, ok := api.ParseTenantJobID(id)
		if !ok {
			logger.Warn("Dropping persisted job with no definition", zap.String("job_id", id))
			if err := sched.RemoveJob(ctx, id); err != nil {
				logger.Warn("Failed to remove persisted job", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		if err := sched.AddJob(ctx, id, spec, tenantJob(tenant, platform)); err != nil {
			logger.Error("Failed to restore tenant schedule", zap.String("job_id", id), zap.Error(err))
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "commerce-etl"
	}
	return h
}
