package middleware

import (
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// LocalAddress is the ctx key holding the caller's Algorand address.
const LocalAddress = "address"

// AddressAuthMiddleware reads the caller's wallet address from
// "Authorization: Bearer <address>". Wallet signatures prove control of the
// address later; this only identifies who is asking.
func AddressAuthMiddleware(logger *zap.Logger) fiber.Handler {
	logger = logger.Named("auth")
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			logger.Debug("🚫 missing Authorization header", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "wallet address missing",
			})
		}

		// accept a raw address as well as "Bearer <address>"
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		addr, err := types.DecodeAddress(token)
		if err != nil || addr == (types.Address{}) {
			logger.Info("❌ invalid wallet address", zap.String("path", c.Path()), zap.String("prefix", prefix(token, 10)))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid wallet address",
			})
		}

		c.Locals(LocalAddress, addr.String())
		return c.Next()
	}
}

// Address returns the address set by AddressAuthMiddleware, or "".
func Address(c *fiber.Ctx) string {
	v, _ := c.Locals(LocalAddress).(string)
	return v
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
