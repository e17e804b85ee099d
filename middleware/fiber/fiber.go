// Package fiber provides Fiber middleware that gates routes on an active entitlement
package fiber

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	mwhttp "github.com/mihaimyh/designgate/middleware/http"
	"github.com/mihaimyh/designgate/pkg/entitlement"
)

// UserIDKey is the Locals key the verified user ID is stored under
const UserIDKey = "designgate:userID"

// UserIDExtractor extracts the user ID from a Fiber context
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Checker reports active entitlements (required)
	Checker entitlement.Checker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when no user ID was found
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the user has no active entitlement
	OnForbidden func(c *fiber.Ctx) error

	// OnError is called when the entitlement check fails
	OnError func(c *fiber.Ctx, err error) error
}

// RequireEntitlement creates a Fiber middleware that only lets entitled users through
func RequireEntitlement(cfg Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(cfg.GetUserID(c))
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Fiber uses fasthttp, so the request context comes from UserContext
		ok, err := cfg.Checker.HasActiveEntitlement(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}
		if !ok {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": entitlement.ErrNoEntitlement.Error()})
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromJSONField returns a UserIDExtractor that reads a top-level string field
// of a JSON body. Fiber buffers the body, so later handlers still see it.
func FromJSONField(field string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return mwhttp.JSONStringField(c.Body(), field)
	}
}
