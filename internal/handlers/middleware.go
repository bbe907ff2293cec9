package handlers

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-rtc/internal/auth"
)

const identityKey = "identity"

// RequireIdentity verifies the JWT once per request and stores the identity
// in Locals. The token is read from the auth cookie, then an
// "Authorization: Bearer" header, then the "token" query parameter.
func RequireIdentity(logger *slog.Logger, verifier *auth.Verifier, cookieName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := verifier.Verify(tokenFrom(c, cookieName))
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, auth.ErrNoToken) {
				level = slog.LevelDebug
			}
			logger.Log(c.UserContext(), level, "Rejected unauthenticated request",
				slog.String("ip", c.IP()),
				slog.String("path", c.Path()),
				slog.Any("error", err),
			)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		c.Locals(identityKey, id)
		return c.Next()
	}
}

func tokenFrom(c *fiber.Ctx, cookieName string) string {
	if v := c.Cookies(cookieName); v != "" {
		return v
	}
	if h := c.Get(fiber.HeaderAuthorization); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return c.Query("token")
}

// RequestLogger logs each HTTP request once it has been handled.
func RequestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logger.Info("HTTP request",
			slog.String("method", c.Method()),
			slog.String("uri", c.OriginalURL()),
			slog.String("ip", c.IP()),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("took", time.Since(start)),
		)
		return err
	}
}
