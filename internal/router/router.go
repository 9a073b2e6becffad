package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/bizdash-realtime/internal/config"
	"github.com/noah-isme/bizdash-realtime/internal/handler"
	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler         *handler.ChatHandler
	NotificationHandler *handler.NotificationHandler
	JWTMiddleware       fiber.Handler
	SendGuard           fiber.Handler
	Status              func() handler.RealtimeStatus
	Gatherer            prometheus.Gatherer
	UploadDir           string
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Status))

	app.Get("/metrics", observability.MetricsHandler(deps.Gatherer))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(api.Group("/chats", jwtMiddleware), deps.SendGuard)
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(api.Group("/notifications", jwtMiddleware))
	}

	if deps.UploadDir != "" {
		app.Static("/uploads", deps.UploadDir, fiber.Static{ByteRange: true})
	}
}
