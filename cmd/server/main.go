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

	"commerce-core/config"
	"commerce-core/internal/api"
	"commerce-core/internal/broker"
	"commerce-core/internal/gateway"
	"commerce-core/internal/redisclient"
	"commerce-core/internal/service"
	"commerce-core/internal/store"
	"commerce-core/internal/util"
	"commerce-core/internal/webhook"
	"commerce-core/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting commerce core")

	tp, err := util.InitTracer("commerce-core", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	// TODO: swap the mock for the real gateway adapter once credentials land.
	paymentGateway := gateway.NewMockGateway()
	gatewayTimeout := time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second

	history := service.NewHistoryRecorder(db)

	var stockCache service.StockCache
	if redisClient != nil {
		stockCache = redisClient
	}
	inventoryService := service.NewInventoryService(db, stockCache)
	paymentService := service.NewPaymentService(db, paymentGateway, history, eventPublisher, gatewayTimeout)
	refundService := service.NewRefundService(db, paymentGateway, eventPublisher, gatewayTimeout)
	orderService := service.NewOrderService(db, history, refundService, eventPublisher,
		service.StaticPricing{}, service.StaticPricing{}, service.StaticPricing{})

	dispatcher := webhook.NewDispatcher(db, webhook.Config{
		BackoffBase:    cfg.Webhook.BackoffBase,
		BackoffCap:     cfg.Webhook.BackoffCap,
		DefaultTimeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		MaxRetries:     cfg.Webhook.MaxRetries,
		BatchSize:      cfg.Webhook.BatchSize,
		ClaimTTL:       cfg.Webhook.ClaimTTL,
	})
	fanout := webhook.NewFanout(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var dedupe broker.Deduper
	if redisClient != nil {
		dedupe = redisClient
	}
	eventConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	eventWorker := worker.NewEventWorker(eventConsumer, fanout, orderService, dedupe)
	go func() {
		if err := eventWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("Event worker error: %v", err)
		}
	}()

	deliveryWorker := worker.NewDeliveryWorker(dispatcher, cfg.Webhook.SweepInterval)
	go func() {
		if err := deliveryWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("Delivery worker error: %v", err)
		}
	}()

	var locker worker.Locker
	if redisClient != nil {
		locker = redisClient
	}
	reconWorker := worker.NewReconciliationWorker(paymentService, locker,
		cfg.Gateway.ReconcileInterval, cfg.Gateway.ReconcileBatchSize)
	go func() {
		if err := reconWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			log.Printf("Reconciliation worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(orderService, paymentService, refundService, inventoryService, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	eventWorker.Stop()

	log.Println("Server exited")
}
