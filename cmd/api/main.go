package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireServer(); err != nil {
		log.Fatalf("invalid server configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable; using in-process grading locks")
			redisClient = nil
		} else {
			defer redisClient.Close()
			probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		}
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable; grading events go to redis only")
			natsConn = nil
		} else {
			defer natsConn.Drain()
		}
	}

	pipeline, err := grading.BuildPipeline(cfg.Grading, cfg.AI, logger)
	if err != nil {
		log.Fatalf("failed to build grading pipeline: %v", err)
	}

	var locker grading.Locker = grading.NewMemoryLocker()
	if redisClient != nil {
		locker = grading.NewRedisLocker(redisClient, "", cfg.Grading.LockTTL)
	}

	submissionRepo := repository.NewSubmissionRepository(db)
	jobRepo := repository.NewGradingJobRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	activity := service.NewActivityService(activityRepo, logger)
	events := service.NewGradingEventPublisher(redisClient, natsConn, cfg.Grading.EventChannel, logger)
	autograde := service.NewAutogradeService(submissionRepo, pipeline, locker, events, activity, logger)
	jobs := service.NewGradingJobService(jobRepo, submissionRepo, autograde, service.GradingJobConfig{
		Workers:   cfg.Grading.Workers,
		QueueSize: cfg.Grading.QueueSize,
	}, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	jobs.Start(workerCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		ReadTimeout:  30 * time.Second,
		// Synchronous grading waits on several collaborator calls.
		WriteTimeout: 10 * time.Minute,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler: handler.NewGradingHandler(autograde, jobs, logger),
		JWTMiddleware:  middleware.JWTProtected(middleware.JWTConfig{Secret: cfg.JWTSecret}),
		HealthProbes:   probes,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, func() {
		stopWorkers()
		jobs.Wait()
	}, logger)
}

func waitForShutdown(app *fiber.App, stopWorkers func(), logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	stopWorkers()
	logger.Info().Msg("server stopped")
}
