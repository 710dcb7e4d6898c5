package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailfinder/advisory"
	"mailfinder/config"
	controller "mailfinder/controllers"
	"mailfinder/middleware"
	"mailfinder/models"
	"mailfinder/routes"
	"mailfinder/utils"
	"mailfinder/verifier"
	"mailfinder/worker"
)

const version = "1.0.0"

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	logFormat := "text"
	if cfg.Environment == "production" {
		logFormat = "json"
	}
	utils.InitLogger(cfg.LogLevel, logFormat)

	flush, err := utils.InitSentry(cfg.SentryDSN, cfg.Environment)
	if err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}
	defer flush()

	// Job persistence: postgres when configured, process memory otherwise
	var store models.JobStore
	if cfg.DBEnabled {
		if err := config.ConnectDB(); err != nil {
			logrus.Fatalf("Failed to connect to database: %v", err)
		}
		store = models.NewGormJobStore(config.DB)
	} else {
		logrus.Warn("DB_ENABLED is off; bulk jobs are kept in memory and lost on restart")
		store = models.NewMemoryJobStore()
	}

	advisors := advisory.New(cfg.AdvisorySettings())
	v, err := verifier.New(cfg.VerifierOptions(),
		verifier.WithAdvisors(advisors...),
		verifier.WithLogger(logrus.StandardLogger()),
	)
	if err != nil {
		logrus.Fatalf("Failed to build verifier: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"sender_domain": v.Options().SenderDomain,
		"advisors":      len(advisors),
	}).Info("Verifier ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize and start the bulk job worker
	jobWorker := worker.NewJobWorker(store, v, logrus.StandardLogger(), 256)
	go jobWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "mailfinder " + version,
		ErrorHandler: utils.ErrorHandler,
		BodyLimit:    32 * 1024 * 1024,
	})

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowedOrigins = cfg.CORSOrigins
	app.Use(middleware.CORS(corsConfig))

	vc := controller.NewVerificationController(v, store, jobWorker, logrus.StandardLogger())
	routes.SetupRoutes(app, vc, routes.Settings{
		JWTSecret:       cfg.APIJWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
		LimiterStorage:  middleware.NewRateLimitStorage(cfg.Redis),
		Version:         version,
	})

	go func() {
		<-ctx.Done()
		logrus.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logrus.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
