package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/noah-isme/schoolhub-participation/internal/config"
	"github.com/noah-isme/schoolhub-participation/internal/handler"
	"github.com/noah-isme/schoolhub-participation/internal/middleware"
	"github.com/noah-isme/schoolhub-participation/internal/observability"
	"github.com/noah-isme/schoolhub-participation/internal/service"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ParticipationHandler      *handler.ParticipationHandler
	ParticipationAdminHandler *handler.ParticipationAdminHandler
	AdminActivityHandler      *handler.AdminActivityHandler
	JWTMiddleware             fiber.Handler
	DB                        *gorm.DB
	// LimiterStorage shares submit rate limits across replicas; nil keeps them in memory.
	LimiterStorage fiber.Storage
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.DB))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ParticipationHandler != nil {
		events := api.Group("/events", jwtMiddleware)
		submitGuards := []fiber.Handler{
			middleware.WithAuth(next, middleware.AuthOptions{Role: middleware.AuthRoleStudent}),
			middleware.RateLimit("participation_submit", cfg.SubmitRateLimit, submitWindow(cfg), deps.LimiterStorage),
		}
		reconcileGuards := []fiber.Handler{
			middleware.RequireRole(service.RoleSuperAdmin),
		}
		deps.ParticipationHandler.Register(events, submitGuards, reconcileGuards)
	}

	if deps.ParticipationAdminHandler != nil {
		requests := api.Group("/participation-requests", jwtMiddleware,
			middleware.RequireRole(service.RoleSchoolAdmin, service.RoleSuperAdmin))
		deps.ParticipationAdminHandler.Register(requests)
	}

	if deps.AdminActivityHandler != nil {
		activity := app.Group("/api/admin/activity", jwtMiddleware,
			middleware.RequireRole(service.RoleSchoolAdmin, service.RoleSuperAdmin))
		deps.AdminActivityHandler.Register(activity)
	}
}

func next(c *fiber.Ctx) error {
	return c.Next()
}

func submitWindow(cfg config.Config) time.Duration {
	if cfg.SubmitRateWindow <= 0 {
		return time.Minute
	}
	return cfg.SubmitRateWindow
}
