package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/events"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/handler"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/internal/router"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/worker"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpen,
		MaxIdleConns:    cfg.DBMaxIdle,
		ConnMaxLifetime: cfg.DBLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := worker.NewPool(cfg.Worker.Count, logger)
	pool.Start(ctx)
	defer pool.Stop()

	dispatcher := events.NewDispatcher(events.Options{
		Pool:        pool,
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: cfg.ChannelBase,
	}, logger)

	validate := validator.New(validator.WithRequiredStructEnabled())
	policy := exam.Policy{
		FillBlankCaseSensitive: cfg.Grading.FillBlankCaseSensitive,
		MultiPartialCredit:     cfg.Grading.MultiPartialCredit,
	}

	examRepo := repository.NewExamRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	gradingRepo := repository.NewGradingRepository(db)
	analyticsRepo := repository.NewAnalyticsRepository(db)
	wrongbookRepo := repository.NewWrongbookRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	activityService := service.NewActivityService(activityRepo, validate, logger)
	examService := service.NewExamService(examRepo, validate, activityService, logger)
	sessionService := service.NewSessionService(sessionRepo, examRepo, validate, activityService, dispatcher, service.SessionConfig{
		TransitionRetries:  cfg.Exam.TransitionRetries,
		MaxTextAnswerBytes: cfg.Exam.MaxTextAnswerBytes,
		Policy:             policy,
	}, logger)
	gradingService := service.NewGradingQueueService(gradingRepo, sessionRepo, examRepo, validate, activityService, dispatcher, cfg.Exam.TransitionRetries, logger)
	analyticsService := service.NewAnalyticsService(analyticsRepo, sessionRepo, redisClient, service.AnalyticsConfig{
		WeakThreshold:     cfg.Analytics.WeakThreshold,
		CacheTTL:          cfg.Analytics.CacheTTL,
		TransitionRetries: cfg.Exam.TransitionRetries,
	}, logger)
	wrongbookService := service.NewWrongbookService(wrongbookRepo, validate, policy, logger)

	var generator ai.QuestionGenerator
	if cfg.OpenAIAPIKey != "" {
		openAI, err := ai.NewOpenAIGenerator(ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create question generator")
		}
		generator = openAI
	} else {
		logger.Warn().Msg("openai api key not set, practice generation disabled")
	}
	practiceService := service.NewPracticeService(generator, examRepo, sessionRepo, wrongbookRepo, sessionService, validate, activityService, service.PracticeConfig{
		DurationMinutes: cfg.Practice.DurationMinutes,
		MaxQuestions:    cfg.Practice.MaxQuestions,
		PointsPerItem:   cfg.Practice.PointsPerItem,
	}, logger)

	dispatcher.Handle("analytics", analyticsService.Process)
	dispatcher.Start(ctx)

	sweeper := worker.NewDeadlineSweeper(sessionService, pool, cfg.Exam.SweepInterval, cfg.Exam.SweepBatchSize, logger)
	go sweeper.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		ExamHandler:      handler.NewExamHandler(examService, sessionService, logger),
		SessionHandler:   handler.NewSessionHandler(sessionService, validate, logger),
		GradingHandler:   handler.NewGradingHandler(gradingService, logger),
		AnalyticsHandler: handler.NewAnalyticsHandler(analyticsService, logger),
		WrongbookHandler: handler.NewWrongbookHandler(wrongbookService, logger),
		PracticeHandler:  handler.NewPracticeHandler(practiceService, logger),
		EventsHandler:    handler.NewEventsHandler(dispatcher, logger),
		ActivityHandler:  handler.NewActivityHandler(activityService, logger),
		HealthProbes:     healthProbes(db, redisClient, natsConn),
		JWTMiddleware:    middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(ctx, app, logger)
}

func waitForShutdown(ctx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}

func healthProbes(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) []handler.HealthProbe {
	probes := []handler.HealthProbe{{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if redisClient != nil {
		probes = append(probes, handler.HealthProbe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	if natsConn != nil {
		probes = append(probes, handler.HealthProbe{
			Name: "nats",
			Check: func(context.Context) error {
				if !natsConn.IsConnected() {
					return errors.New("nats disconnected")
				}
				return nil
			},
		})
	}
	return probes
}
