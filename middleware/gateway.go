// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// GatewayAuthMiddleware validates the Bearer token sent by the gateway and by
// internal callers. Paths in open (e.g. /healthz) pass through.
func GatewayAuthMiddleware(expectedToken string, logger *zap.Logger, open ...string) fiber.Handler {
	logger = logger.Named("gateway_auth")
	if expectedToken == "" {
		logger.Fatal("SERVICE_TOKEN is not set, service cannot authenticate callers")
	}
	public := make(map[string]struct{}, len(open))
	for _, p := range open {
		public[p] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := public[c.Path()]; ok {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			logger.Debug("missing Authorization header", zap.String("path", c.Path()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		// raw tokens are accepted too
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			logger.Warn("invalid token", zap.String("path", c.Path()), zap.String("ip", c.IP()))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}
		return c.Next()
	}
}
