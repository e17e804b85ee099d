// Package gin provides Gin middleware that gates routes on an active entitlement
package gin

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/designgate/pkg/entitlement"
	mwhttp "github.com/mihaimyh/designgate/middleware/http"
)

// UserIDKey is the gin context key the verified user ID is stored under
const UserIDKey = "designgate:userID"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not identified
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker reports active entitlements (required)
	Checker entitlement.Checker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when no user ID was found
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the user has no active entitlement
	// If nil, returns 403 Forbidden
	OnForbidden func(c *gongin.Context)

	// OnError is called when the entitlement check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireEntitlement creates a Gin middleware that only lets entitled users through
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		userID := strings.TrimSpace(cfg.GetUserID(c))
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ok, err := cfg.Checker.HasActiveEntitlement(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}
		if !ok {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{"error": entitlement.ErrNoEntitlement.Error()})
			}
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// FromContext returns a UserIDExtractor that reads a value set with c.Set
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if userID, ok := val.(string); ok {
				return userID
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromJSONField returns a UserIDExtractor that reads a top-level string field
// of a JSON body. The body is restored for the next handler.
func FromJSONField(field string) UserIDExtractor {
	return func(c *gongin.Context) string {
		body, err := c.GetRawData()
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return ""
		}
		return mwhttp.JSONStringField(body, field)
	}
}
