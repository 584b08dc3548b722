// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// UserContextMiddleware extracts the caller identity set by the gateway. The
// user id is the member's wallet. Secured routes live under /s/.
func UserContextMiddleware(logger *zap.Logger) fiber.Handler {
	logger = logger.Named("user_ctx")
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))

		if strings.HasPrefix(c.Path(), "/s/") && userID == "" {
			logger.Warn("X-User-ID missing on secured route", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}

		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals("user_id", userID)
		c.Locals("user_roles", roles)
		return c.Next()
	}
}
