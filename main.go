package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"insights-svc/cache"
	"insights-svc/config"
	"insights-svc/database"
	"insights-svc/handlers"
	"insights-svc/ingest"
	"insights-svc/kafka"
	"insights-svc/middleware"
	"insights-svc/shopify"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.InitDB(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis (optional)
	rdb, err := cache.InitRedis(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Initialize Kafka producer (optional)
	producer, err := kafka.InitProducer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	if producer != nil {
		defer producer.Close()
	}

	// Initialize OpenTelemetry
	shutdownTracing, err := middleware.InitTracing("insights-svc")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	shopifyClient := shopify.NewClient(logger)
	ingestor := ingest.NewIngestor(db, logger)
	backfiller := ingest.NewBackfiller(db, shopifyClient, rdb, logger)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("insights-svc"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	authHandler := handlers.NewAuthHandler(db, cfg.JWTSecret, logger)
	tenantsHandler := handlers.NewTenantsHandler(db, logger)
	webhookHandler := handlers.NewWebhookHandler(db, ingestor, producer, rdb, cfg, logger)
	metricsHandler := handlers.NewMetricsHandler(db, rdb, logger)
	ordersHandler := handlers.NewOrdersHandler(db, logger)
	shopifyHandler := handlers.NewShopifyHandler(db, shopifyClient, backfiller, cfg, logger)

	api := router.Group("/api")
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/webhooks/receive", webhookHandler.Receive)
	api.GET("/shopify/install", shopifyHandler.Install)
	api.GET("/shopify/callback", shopifyHandler.Callback)

	authed := api.Group("")
	authed.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	authed.POST("/tenants", tenantsHandler.Create)
	authed.GET("/tenants", tenantsHandler.List)
	authed.GET("/metrics/summary", metricsHandler.Summary)
	authed.GET("/orders", ordersHandler.List)
	authed.GET("/orders/recent", ordersHandler.Recent)
	authed.GET("/export/orders.csv", ordersHandler.ExportCSV)
	authed.POST("/shopify/backfill", shopifyHandler.Backfill)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Insights service started", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Drain in-flight requests before exit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
