package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"mailfinder/utils"
)

// Protected requires an HS256 API token signed with secret. With an empty
// secret the API is open and the handler only passes through.
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}

		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = tokenParts[1]
		} else {
			// Browsers cannot set headers on websocket upgrades.
			token = c.Cookies("access_token")
			if token == "" {
				token = c.Query("token")
			}
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
			}
		}

		claims, err := utils.ParseAPIToken(secret, token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}

		c.Locals("client", claims.Subject)
		c.Locals("scope", claims.Scope)
		return c.Next()
	}
}

// ClientID returns the authenticated API client, or "" on an open API.
func ClientID(c *fiber.Ctx) string {
	id, _ := c.Locals("client").(string)
	return id
}
