package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// GenerateRateLimitKey builds the limiter key for a caller on a route.
func GenerateRateLimitKey(subject, ip, path string) string {
	if subject == "" {
		subject = "anon"
	}
	return fmt.Sprintf("rl:%s:%s:%s", subject, ip, path)
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d.Hours() >= 24 {
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%d days", days)
	} else if d.Hours() >= 1 {
		return fmt.Sprintf("%.1f hours", d.Hours())
	} else if d.Minutes() >= 1 {
		return fmt.Sprintf("%.1f minutes", d.Minutes())
	} else if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1f seconds", d.Seconds())
}

// FormatConfidence renders a 0..1 score with two decimals.
func FormatConfidence(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ErrorHandler is the fiber error handler. It renders handler errors in the
// ErrorResponse shape and reports anything that is not a *fiber.Error.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return ErrorResponse(c, fe.Code, fe.Message, nil)
	}
	LogError("unhandled_error", err, map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	})
	return ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", nil)
}
