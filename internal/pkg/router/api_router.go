package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	apiv1 "github.com/ManuelReschke/HookFox/internal/api/v1"
	"github.com/ManuelReschke/HookFox/internal/pkg/cache"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/middleware"
)

type ApiRouter struct {
	server *apiv1.APIServer
}

func NewApiRouter(server *apiv1.APIServer) *ApiRouter {
	return &ApiRouter{server: server}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(inboundLimiterConfig()))

	// API v1 routes
	v1 := api.Group("/v1")
	v1.Get("/ping", h.server.GetPing)
	v1.Post("/webhook", h.server.PostWebhook)

	admin := v1.Group("/admin", middleware.AdminSecretMiddleware())
	admin.Get("/verification-token", h.server.GetAdminVerificationToken)
	admin.Post("/drain", h.server.PostAdminDrain)
}

// inboundLimiterConfig throttles the public surface. With a cache backend the
// counters are shared across processes; without one Fiber keeps them in memory.
func inboundLimiterConfig() limiter.Config {
	cfg := limiter.Config{
		Max:        env.GetEnvInt("WEBHOOK_INBOUND_LIMIT", 120),
		Expiration: time.Minute,
	}
	if cache.Enabled() {
		cfg.Storage = redisstorage.New(redisstorage.Config{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnvInt("CACHE_PORT", 6379),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		})
	}
	return cfg
}
