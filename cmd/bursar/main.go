package main

import (
	"context"

	"fitworks/api_escrow/internal/handlers"
	"fitworks/api_escrow/pkg/auth"
	"fitworks/api_escrow/pkg/config"
	"fitworks/api_escrow/pkg/database"
	"fitworks/api_escrow/pkg/logging"
	"fitworks/api_escrow/pkg/middleware"
	"fitworks/api_escrow/pkg/monitoring"
	"fitworks/api_escrow/pkg/server"
	"fitworks/api_escrow/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Escrow & Billing API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom escrow metrics
	metrics := &handlers.BursarMetrics{
		WebhookEvents:            metricsCollector.NewCounter("webhook_events_total", "Webhook events received", []string{"provider", "event_type"}),
		WebhookSignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook signature verification failures", []string{"provider"}),
		EscrowOperations:         metricsCollector.NewCounter("escrow_operations_total", "Escrow ledger operations", []string{"operation", "status"}),
		PromoRedemptions:         metricsCollector.NewCounter("promo_redemptions_total", "Promo code redemptions", []string{"type"}),
		BackfillUpdates:          metricsCollector.NewCounter("backfill_updates_total", "Records repaired by backfill jobs", []string{"job"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Initialize handlers
	handlers.Init(db, logger, metrics)

	// Initialize and start JobManager for background reconciliation sweeps
	jobManager := handlers.NewJobManager(db, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background reconciliation jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/escrow/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.POST("/promo", handlers.HandlePromo)
			protected.POST("/challenges/prize", handlers.UpdatePrizeAssignment)
			protected.GET("/escrow/records/:challenge_id", handlers.GetEscrowRecords)
			protected.GET("/billing/subscription/:user_id", handlers.GetSubscription)
		}

		// Webhook endpoints (no auth required, signature verified inside)
		router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)

		// Operational endpoints (service-to-service)
		serviceAPI := router.Group("")
		serviceAPI.Use(middleware.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/billing/sync", handlers.SyncSubscription)
			serviceAPI.POST("/escrow/records/:record_id/release", handlers.ReleaseEscrowRecord)
			serviceAPI.POST("/escrow/records/:record_id/refund", handlers.RefundEscrowRecord)
			serviceAPI.POST("/admin/backfill/subscription-fields", handlers.RunSubscriptionFieldsBackfill)
			serviceAPI.POST("/admin/backfill/aliases", handlers.RunAliasBackfill)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
