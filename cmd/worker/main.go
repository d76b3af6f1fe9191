package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/noah-isme/schoolhub-participation/internal/config"
	"github.com/noah-isme/schoolhub-participation/internal/database"
	"github.com/noah-isme/schoolhub-participation/internal/repository"
	"github.com/noah-isme/schoolhub-participation/internal/service"
	"github.com/noah-isme/schoolhub-participation/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "participation-worker").Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL, cfg.PoolOptions())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	// Reconciliation must share the API's admission lock to serialize with enrollments.
	var locker service.AdmissionLocker
	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, reconciliation lock is node-local")
		locker = service.NewLocalAdmissionLocker(cfg.AdmissionWaitTimeout)
	} else {
		defer redisClient.Close()
		locker = service.NewRedisAdmissionLocker(redisClient, cfg.FeedChannel+":lock", cfg.AdmissionLockTTL, cfg.AdmissionWaitTimeout)
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName+" worker")
	if err != nil {
		logger.Warn().Err(err).Msg("nats unavailable, running schedule only")
		natsConn = nil
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	eventRepo := repository.NewEventRepository(db)
	requestRepo := repository.NewParticipationRequestRepository(db)
	activityService := service.NewActivityService(repository.NewActivityLogRepository(db), logger)
	rosterService := service.NewRosterService(eventRepo, requestRepo, activityService, locker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := worker.NewRosterReconciler(rosterService, cfg.ReconcileSchedule, natsConn, service.FeedSubject(cfg.FeedChannel), logger)
	if err := reconciler.Start(ctx); err != nil {
		log.Fatalf("failed to start roster reconciler: %v", err)
	}

	// Repair drift left by a previous outage before waiting for the first tick.
	reconciler.ReconcileAll(ctx)

	<-ctx.Done()
	reconciler.Stop()
	log.Println("worker stopped")
}
