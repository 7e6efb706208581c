package middleware

import (
	"crypto/subtle"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/velopress/velopress/internal/pkg/env"
)

// InternalAuthMiddleware guards the service-to-service API consumed by the
// content-gating frontend. Fails closed when the token is not configured.
func InternalAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := strings.TrimSpace(env.GetEnv("INTERNAL_API_TOKEN", ""))
		if expected == "" {
			log.Print("internal auth: INTERNAL_API_TOKEN is not set, rejecting request")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service_unavailable"})
		}

		got := strings.TrimSpace(c.Get("X-Internal-Token"))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid internal token"})
		}
		return c.Next()
	}
}
