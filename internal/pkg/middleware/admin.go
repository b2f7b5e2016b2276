package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

// AdminSecretHeader carries the shared secret for admin endpoints
const AdminSecretHeader = "X-Admin-Secret"

// AdminSecretMiddleware authenticates admin requests against ADMIN_SECRET
// with a constant-time comparison.
func AdminSecretMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := env.GetEnv("ADMIN_SECRET", "")
		if secret == "" {
			log.Error("[Admin] ADMIN_SECRET not configured")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Admin secret not configured"})
		}

		provided := c.Get(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid admin secret"})
		}
		return c.Next()
	}
}
