package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/statlab/expstats-backend/internal/data/repos"
	"github.com/statlab/expstats-backend/internal/db"
	"github.com/statlab/expstats-backend/internal/observability"
	"github.com/statlab/expstats-backend/internal/platform/envutil"
	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/platform/queryapi"
	"github.com/statlab/expstats-backend/internal/recalc"
	"github.com/statlab/expstats-backend/internal/scheduler"
	"github.com/statlab/expstats-backend/internal/temporalx"
	"github.com/statlab/expstats-backend/internal/temporalx/temporalworker"
)

func main() {
	log, err := logger.FromEnv()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "expstats-worker",
		Environment: envutil.String("DEPLOY_ENV", "dev"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),
	}); shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("Migration failed", "error", err)
	}
	gdb := pg.DB()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     envutil.String("REDIS_ADDR", "localhost:6379"),
		Password: envutil.String("REDIS_PASSWORD", ""),
		DB:       envutil.Int("REDIS_DB", 0),
	})
	defer redisClient.Close()

	queryCfg, err := queryapi.LoadConfig()
	if err != nil {
		log.Fatal("Query API config invalid", "error", err)
	}
	executor := queryapi.New(queryCfg, log)

	metrics, err := observability.NewMetrics()
	if err != nil {
		log.Fatal("Metrics init failed", "error", err)
	}

	teamRepo := repos.NewTeamRepo(gdb, log)
	expRepo := repos.NewExperimentRepo(gdb, log)
	metricRepo := repos.NewMetricRepo(gdb, log)
	requestRepo := repos.NewRecalculationRepo(gdb, log)
	resultRepo := repos.NewDailyResultRepo(gdb, log)

	engine := recalc.NewEngine(log, gdb, requestRepo, resultRepo, teamRepo, expRepo, executor, metrics)
	coordinator := scheduler.NewCoordinator(
		log, gdb, teamRepo, expRepo, metricRepo, requestRepo,
		scheduler.NewRedisRegistry(redisClient), metrics,
	)

	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Fatal("Temporal client init failed", "error", err)
	}
	if tc == nil {
		log.Fatal("TEMPORAL_ADDRESS is required for the worker")
	}
	defer tc.Close()

	runner, err := temporalworker.NewRunner(log, tc, engine, coordinator)
	if err != nil {
		log.Fatal("Worker init failed", "error", err)
	}
	if err := runner.Start(ctx); err != nil {
		log.Fatal("Worker start failed", "error", err)
	}

	log.Info("Worker running")
	<-ctx.Done()
	log.Info("Shutting down")
}
