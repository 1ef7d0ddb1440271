package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// AdminTokenMiddleware guards operator routes with a shared bearer token.
func AdminTokenMiddleware(expectedToken string, logger *zap.Logger) fiber.Handler {
	if expectedToken == "" {
		logger.Fatal("❌ ADMIN_TOKEN is not set, admin routes cannot authenticate")
	}
	logger = logger.Named("admin")

	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			logger.Warn("🚫 missing admin token", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "admin token missing",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			logger.Warn("❌ invalid admin token", zap.String("path", c.Path()), zap.String("prefix", prefix(token, 4)))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid admin token",
			})
		}

		logger.Info("✅ admin request accepted", zap.String("path", c.Path()))
		return c.Next()
	}
}
