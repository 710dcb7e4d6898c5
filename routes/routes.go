package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "mailfinder/controllers"
	"mailfinder/middleware"
)

// Settings carries what the route table needs beyond the controller.
type Settings struct {
	JWTSecret       string
	RateLimitPerMin int
	// LimiterStorage backs the rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	Version        string
}

func SetupAPIRoutes(app *fiber.App, vc *controller.VerificationController, s Settings) {
	api := app.Group("/api/v1", middleware.Protected(s.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Websocket progress is exempt from the limiter; a stream counts once.
	api.Get("/jobs/:id/ws", vc.UpgradeJobProgress, websocket.New(vc.HandleJobProgressWS))

	limited := api.Group("", middleware.RateLimiter(s.RateLimitPerMin, s.LimiterStorage))

	// Single lookups
	limited.Post("/find", vc.FindEmail)
	limited.Post("/verify", vc.VerifyEmail)
	limited.Post("/internet-check", vc.InternetCheck)

	// Bulk jobs
	limited.Post("/bulk-find", vc.BulkFind)
	limited.Post("/bulk-verify", vc.BulkVerify)
	limited.Get("/jobs/:id", vc.JobStatus)
	limited.Get("/jobs/:id/download", vc.DownloadJob)

	logrus.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, vc *controller.VerificationController, s Settings) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": s.Version})
	})

	SetupAPIRoutes(app, vc, s)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
