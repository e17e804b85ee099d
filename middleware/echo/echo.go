// Package echo provides Echo middleware that gates routes on an active entitlement
package echo

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	mwhttp "github.com/mihaimyh/designgate/middleware/http"
	"github.com/mihaimyh/designgate/pkg/entitlement"
)

// UserIDKey is the echo context key the verified user ID is stored under
const UserIDKey = "designgate:userID"

// UserIDExtractor extracts the user ID from an Echo context
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker reports active entitlements (required)
	Checker entitlement.Checker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when no user ID was found
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the user has no active entitlement
	OnForbidden func(c echo.Context) error

	// OnError is called when the entitlement check fails
	OnError func(c echo.Context, err error) error
}

// RequireEntitlement creates an Echo middleware that only lets entitled users through
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := strings.TrimSpace(cfg.GetUserID(c))
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ok, err := cfg.Checker.HasActiveEntitlement(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
			if !ok {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c)
				}
				return c.JSON(http.StatusForbidden, map[string]string{"error": entitlement.ErrNoEntitlement.Error()})
			}

			c.Set(UserIDKey, userID)
			return next(c)
		}
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromJSONField returns a UserIDExtractor that reads a top-level string field
// of a JSON body. The body is restored for the next handler.
func FromJSONField(field string) UserIDExtractor {
	return func(c echo.Context) string {
		req := c.Request()
		if req.Body == nil {
			return ""
		}
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return ""
		}
		return mwhttp.JSONStringField(body, field)
	}
}
