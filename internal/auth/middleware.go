package auth

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	bearerPrefix = "Bearer "
	localsKey    = "operator"
)

// RequireOperator rejects requests without a valid bearer token and stores the
// verified claims in the request locals.
func RequireOperator(m *Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if !strings.HasPrefix(raw, bearerPrefix) {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), time.Now())
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(localsKey, claims)
		return c.Next()
	}
}

// Operator returns the authenticated operator of the request, if any.
func Operator(c *fiber.Ctx) (Claims, bool) {
	claims, ok := c.Locals(localsKey).(Claims)
	return claims, ok
}
