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

	"payment-service/config"
	"payment-service/internal/api"
	"payment-service/internal/broker"
	"payment-service/internal/lock"
	"payment-service/internal/redisclient"
	"payment-service/internal/service"
	"payment-service/internal/store"
	"payment-service/internal/util"
	"payment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// lockTTL bounds how long a crashed holder keeps an order locked
const lockTTL = 2 * time.Minute

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting payment service",
		zap.String("env", cfg.Server.Env),
		zap.Int("gateways", len(cfg.Gateways)))

	tp, err := util.InitTracer("payment-service", cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	eventProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer eventProducer.Close()
	jobProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicJobs)
	defer jobProducer.Close()
	logger.Info("Kafka producers initialized")

	var locker lock.Locker
	switch cfg.Payment.LockBackend {
	case "postgres":
		locker = lock.NewPostgresLocker(db.GetDB())
	default:
		locker = lock.NewRedisLocker(redisClient, lockTTL)
	}
	guard := lock.NewGuard(locker, cfg.Payment.LockTimeout, cfg.Payment.LockFailClosed)

	registry := service.BuildRegistry(cfg.Gateways, cfg.Processor, redisClient)
	queue := worker.NewQueue(redisClient)
	requery := service.NewRequeryScheduler(queue, cfg.Payment.RequeryBaseDelay, cfg.Payment.RequeryMaxAttempts)
	tokenService := service.NewTokenService(db, registry)

	paymentService := service.NewPaymentService(
		db,
		registry,
		guard,
		tokenService,
		requery,
		broker.NewEventPublisher(eventProducer),
		redisClient,
		service.Options{
			PublicURL:       cfg.Server.PublicURL,
			ReceiptURL:      cfg.Payment.ReceiptURL,
			FailureURL:      cfg.Payment.FailureURL,
			CaptureWindow:   cfg.Payment.CaptureWindow,
			MethodsCacheTTL: cfg.Payment.MethodsCacheTTL,
		},
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	dispatcher := worker.NewDispatcher(redisClient, broker.NewJobPublisher(jobProducer), cfg.Payment.DispatchInterval)
	go func() {
		if err := dispatcher.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Dispatcher error", zap.Error(err))
		}
	}()

	jobConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicJobs, cfg.Kafka.ConsumerGroup)
	jobWorker := worker.NewJobWorker(jobConsumer, paymentService, db)
	go func() {
		if err := jobWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Job worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(paymentService, tokenService, redisClient, db, redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := jobWorker.Stop(); err != nil {
		logger.Error("Failed to stop job worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
