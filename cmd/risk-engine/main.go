package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-risk-analytics/api/swagger"
	"github.com/noah-isme/sma-risk-analytics/internal/handler"
	"github.com/noah-isme/sma-risk-analytics/internal/middleware"
	"github.com/noah-isme/sma-risk-analytics/internal/models"
	"github.com/noah-isme/sma-risk-analytics/internal/repository"
	"github.com/noah-isme/sma-risk-analytics/internal/scoring"
	"github.com/noah-isme/sma-risk-analytics/internal/service"
	"github.com/noah-isme/sma-risk-analytics/pkg/cache"
	"github.com/noah-isme/sma-risk-analytics/pkg/config"
	"github.com/noah-isme/sma-risk-analytics/pkg/database"
	"github.com/noah-isme/sma-risk-analytics/pkg/jobs"
	"github.com/noah-isme/sma-risk-analytics/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-risk-analytics/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-risk-analytics/pkg/middleware/requestid"
)

// @title SMA Risk Analytics API
// @version 0.1.0
// @description Student and class risk scoring
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	engine, err := scoring.NewEngine(scoring.FromSettings(cfg.Analytics))
	if err != nil {
		logr.Sugar().Fatalw("invalid analytics configuration", "error", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	var (
		redisClient *redis.Client
		cacheRepo   service.CacheRepository
	)
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, serving without cache", "error", err)
		} else {
			cacheRepo = repository.NewCacheRepository(redisClient, logr)
			defer redisClient.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Analytics.CacheTTL, logr, cacheRepo != nil)

	var records service.RecordRepository
	switch cfg.Analytics.StoreDriver {
	case config.StoreDriverMemory:
		records = repository.NewMemoryRecordRepository()
	default:
		records = repository.NewAnalyticRecordRepository(db)
	}
	store := service.NewRecordStore(records, cacheSvc, cfg.Analytics.CacheTTL, logr)

	aggregator := service.NewMetricAggregator(metricSources(db, cfg.Breaker, metricsSvc, logr), metricsSvc, logr)
	validate := validator.New()
	riskSvc := service.NewRiskService(engine, aggregator, store, metricsSvc, validate, logr, service.RiskServiceConfig{
		DefaultPeriod:   cfg.Analytics.DefaultPeriod,
		StalenessWindow: cfg.Analytics.StalenessWindow,
	})

	batchSvc := service.NewBatchService(repository.NewRosterRepository(db), riskSvc, store, metricsSvc, logr, service.BatchServiceConfig{
		Workers:          cfg.Batch.Workers,
		SubjectTimeout:   cfg.Batch.SubjectTimeout,
		StalenessWindow:  cfg.Analytics.StalenessWindow,
		ScheduleInterval: cfg.Batch.ScheduleInterval,
		ScheduledTypes:   analysisTypes(cfg.Batch.ScheduledTypes, logr),
		ScheduledPeriods: cfg.Batch.ScheduledPeriods,
		TermID:           cfg.Batch.TermID,
	})
	queue := jobs.NewQueue("risk-batch", batchSvc.Handle, jobs.QueueConfig{
		Workers:     cfg.Batch.QueueWorkers,
		MaxRetries:  cfg.Batch.QueueRetries,
		RetryDelay:  5 * time.Second,
		OnExhausted: batchSvc.Abandon,
		Logger:      logr,
	})
	queue.Start(ctx)
	defer queue.Stop()
	batchSvc.SetQueue(queue)
	batchSvc.StartSchedule(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, readinessChecks(db, redisClient))
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	riskHandler := handler.NewRiskHandler(riskSvc, batchSvc, metricsSvc, queue)
	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(service.NewTokenService(cfg.JWT.Secret)), middleware.WithResponseMeta())

	readers := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleTeacher, models.RoleCounselor)
	operators := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin)

	risk := api.Group("/risk")
	risk.GET("/subjects/:subjectType/:subjectId", readers, riskHandler.Get)
	risk.GET("/roster", readers, riskHandler.Roster)
	risk.POST("/batches", operators, riskHandler.Recompute)
	risk.GET("/batches/:id", operators, riskHandler.BatchStatus)
	risk.GET("/system", operators, riskHandler.System)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env, "store", cfg.Analytics.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}

func metricSources(db *sqlx.DB, cfg config.BreakerConfig, metrics *service.MetricsService, logr *zap.Logger) map[models.SubjectType]service.MetricSource {
	opts := repository.DefaultMetricsOptions()
	sources := map[models.SubjectType]service.MetricSource{
		models.SubjectEnrollment: repository.NewEnrollmentMetricsRepository(db, opts),
		models.SubjectGroup:      repository.NewGroupMetricsRepository(db, opts),
	}
	if !cfg.Enabled {
		return sources
	}
	for subjectType, source := range sources {
		sources[subjectType] = service.NewBreakerSource(source, service.BreakerSourceConfig{
			Name:        "metrics-" + string(subjectType),
			MaxFailures: cfg.MaxFailures,
			OpenTimeout: cfg.OpenTimeout,
		}, metrics, logr)
	}
	return sources
}

func analysisTypes(raw []string, logr *zap.Logger) []models.AnalysisType {
	types := make([]models.AnalysisType, 0, len(raw))
	for _, name := range raw {
		t := models.AnalysisType(name)
		if !t.Valid() {
			logr.Sugar().Warnw("ignoring unknown scheduled analysis type", "analysis_type", name)
			continue
		}
		types = append(types, t)
	}
	return types
}

func readinessChecks(db *sqlx.DB, redisClient *redis.Client) map[string]handler.ReadinessCheck {
	checks := map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}
