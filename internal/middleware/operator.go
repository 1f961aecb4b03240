package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const operatorTokenHeader = "X-Operator-Token"

// OperatorAuth guards operator-only routes with a shared token compared
// against a bcrypt hash. An empty hash disables the check.
func OperatorAuth(tokenHash string, logger *slog.Logger) fiber.Handler {
	hash := []byte(strings.TrimSpace(tokenHash))
	return func(c *fiber.Ctx) error {
		if len(hash) == 0 {
			return c.Next()
		}
		token := c.Get(operatorTokenHeader)
		if token == "" {
			if authz := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("Bearer "):])
			}
		}
		if token == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing operator token")
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			logger.Warn("operator token rejected", slog.String("path", c.Path()), slog.String("ip", c.IP()))
			return fiber.NewError(http.StatusUnauthorized, "invalid operator token")
		}
		return c.Next()
	}
}
