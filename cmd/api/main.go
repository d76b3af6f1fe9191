package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/schoolhub-participation/internal/config"
	"github.com/noah-isme/schoolhub-participation/internal/database"
	"github.com/noah-isme/schoolhub-participation/internal/handler"
	"github.com/noah-isme/schoolhub-participation/internal/middleware"
	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/repository"
	"github.com/noah-isme/schoolhub-participation/internal/router"
	"github.com/noah-isme/schoolhub-participation/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "participation-api").Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, cfg.PoolOptions())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Event{}, &models.Student{}, &models.ParticipationRequest{}, &models.ActivityLog{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var locker service.AdmissionLocker
	var limiterStorage fiber.Storage
	redisClient, err := database.ConnectRedis(rootCtx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, admission lock is node-local")
		redisClient = nil
		locker = service.NewLocalAdmissionLocker(cfg.AdmissionWaitTimeout)
	} else {
		defer redisClient.Close()
		locker = service.NewRedisAdmissionLocker(redisClient, cfg.FeedChannel+":lock", cfg.AdmissionLockTTL, cfg.AdmissionWaitTimeout)
		limiterStorage = database.NewRedisStorage(redisClient, cfg.FeedChannel+":limiter")
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, participation changes stay on this node")
		natsConn = nil
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	eventRepo := repository.NewEventRepository(db)
	requestRepo := repository.NewParticipationRequestRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	activityService := service.NewActivityService(activityRepo, logger)
	rosterService := service.NewRosterService(eventRepo, requestRepo, activityService, locker, logger)
	feed := service.NewParticipationFeed(redisClient, cfg.FeedChannel, natsConn, logger)
	feed.Start(rootCtx)

	deps := service.ParticipationDependencies{
		Events:    eventRepo,
		Requests:  requestRepo,
		Students:  studentRepo,
		Roster:    rosterService,
		Locker:    locker,
		Publisher: feed,
		Activity:  activityService,
	}
	participationService := service.NewParticipationService(deps, logger)
	approvalService := service.NewParticipationApprovalService(deps, validate, logger)
	viewService := service.NewParticipationViewService(eventRepo, requestRepo, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSAllowOrigins,
		AccessLog:    cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		ParticipationHandler:      handler.NewParticipationHandler(participationService, viewService, rosterService, feed, logger),
		ParticipationAdminHandler: handler.NewParticipationAdminHandler(approvalService, validate, logger),
		AdminActivityHandler:      handler.NewAdminActivityHandler(activityService, logger),
		JWTMiddleware:             middleware.JWTProtected(cfg.JWTSecret),
		DB:                        db,
		LimiterStorage:            limiterStorage,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, cancelRoot)
}

func waitForShutdown(app *fiber.App, cancelRoot context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	cancelRoot()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
