package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/config"
	"github.com/startickets/payment-backend/internal/database"
	"github.com/startickets/payment-backend/internal/handlers"
	"github.com/startickets/payment-backend/internal/middleware"
	"github.com/startickets/payment-backend/internal/services"
	"github.com/startickets/payment-backend/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting StarTickets Payment Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	// Optional checkout cache. A nil interface disables caching.
	var checkoutCache services.CheckoutCache
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable at startup; checkout cache will retry per request")
		}
		cancel()
		defer redisClient.Close()
		checkoutCache = services.NewRedisCheckoutCache(redisClient, "payments:")
		logger.WithField("addr", cfg.Redis.Addr).Info("Checkout cache enabled")
	} else {
		logger.Info("REDIS_ADDR not set, checkout cache disabled")
	}

	// Optional domain event publishing
	var publisher services.EventPublisher = services.NoopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPublisher, err := services.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to message broker: %v", err)
		}
		publisher = amqpPublisher
		logger.WithField("exchange", cfg.AMQP.Exchange).Info("Payment events will be published")
	} else {
		logger.Info("AMQP_URL not set, payment events are not published")
	}
	defer publisher.Close()

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(
		cfg.JWT.Secret,
		cfg.JWT.RefreshSecret,
		cfg.JWT.AccessTokenExpiry,
		cfg.JWT.RefreshTokenExpiry,
	)

	bookingRepository := database.NewBookingRepository(db)
	paymentRepository := database.NewPaymentRepository(db)
	webhookRepository := database.NewPaymentWebhookRepository(db)
	auditRepository := database.NewPaymentAuditRepository(db, logger)

	stripeService := services.NewStripeService(cfg.Stripe, logger)
	reconciler := services.NewReconciliationService(bookingRepository, paymentRepository, logger)
	webhookService := services.NewWebhookService(
		db,
		webhookRepository,
		reconciler,
		stripeService,
		publisher,
		auditRepository,
		logger,
	)
	checkoutService := services.NewCheckoutService(
		db,
		bookingRepository,
		paymentRepository,
		reconciler,
		stripeService,
		checkoutCache,
		publisher,
		auditRepository,
		services.CheckoutConfig{
			PublicURL:      cfg.App.PublicURL,
			PublishableKey: cfg.Stripe.PublishableKey,
			Currency:       cfg.Stripe.Currency,
			CacheTTL:       cfg.Redis.CheckoutCacheTTL,
		},
		logger,
	)
	replayer := services.NewWebhookReplayer(webhookRepository, webhookService, cfg.Replay.MaxAttempts, logger)

	// Initialize and start cron service
	var cronService *services.CronService
	if cfg.Replay.Schedule != "" {
		cronService = services.NewCronService(replayer, cfg.Replay.BatchSize, logger)
		if err := cronService.Start(cfg.Replay.Schedule); err != nil {
			logger.Fatalf("Failed to start cron service: %v", err)
		}
	} else {
		logger.Info("WEBHOOK_REPLAY_SCHEDULE not set, scheduled replay disabled")
	}
	logger.Info("Services initialized")

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(checkoutService, cfg.App.FrontendURL, logger)
	webhookHandler := handlers.NewWebhookHandler(webhookService, logger)
	replayHandler := handlers.NewReplayHandler(replayer, cfg.Replay.BatchSize, logger)

	checkoutLimiter := middleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db, redisClient))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments")
		{
			// Provider callback, authenticated by signature only
			payments.POST("/webhook", webhookHandler.Handle)

			customer := payments.Group("")
			customer.Use(middleware.AuthMiddleware(jwtService, logger))
			customer.Use(middleware.RequireRole("customer"))
			{
				customer.GET("/checkout/:booking_id", checkoutLimiter.Middleware(), paymentHandler.Checkout)
				customer.GET("/success", paymentHandler.Success)
				customer.GET("/cancel", paymentHandler.Cancel)
			}
		}

		admin := v1.Group("/admin/payments")
		admin.Use(middleware.AuthMiddleware(jwtService, logger))
		admin.Use(middleware.RequireRole("admin"))
		{
			admin.POST("/:intent_id/refund", paymentHandler.Refund)
			admin.GET("/intents/:intent_id", paymentHandler.GetIntent)
			admin.POST("/webhooks/replay", replayHandler.Replay)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	if cronService != nil {
		cronService.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited successfully")
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"ip":         c.ClientIP(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
			"has_auth":   c.GetHeader("Authorization") != "",
		}

		if userCtx, exists := middleware.GetUserContext(c); exists {
			fields["user_id"] = userCtx.UserID
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		// Query strings carry checkout session ids; log them only on failures
		status := c.Writer.Status()
		switch {
		case status >= 500:
			entry.WithField("query", c.Request.URL.RawQuery).Error("Request completed with server error")
		case status >= 400:
			entry.WithField("query", c.Request.URL.RawQuery).Warn("Request completed with client error")
		default:
			entry.Info("Request completed successfully")
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db *database.PostgresDB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		// The cache is optional; report it without failing the check
		cacheStatus := "disabled"
		if redisClient != nil {
			cacheStatus = "healthy"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				cacheStatus = "unhealthy"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"cache":     cacheStatus,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
