// Package http provides net/http middleware that gates routes on an active entitlement
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mihaimyh/designgate/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not identified
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker reports active entitlements (required)
	Checker entitlement.Checker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when no user ID was found
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the user has no active entitlement
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement check fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireEntitlement creates an HTTP middleware that only lets entitled users through
func RequireEntitlement(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(config.GetUserID(r))
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			ok, err := config.Checker.HasActiveEntitlement(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}
			if !ok {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r)
				} else {
					writeError(w, http.StatusForbidden, entitlement.ErrNoEntitlement.Error())
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Common extractors for convenience

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromJSONField returns an UserIDExtractor that reads a top-level string field
// of a JSON body. The body is restored for the next handler.
func FromJSONField(field string) UserIDExtractor {
	return func(r *http.Request) string {
		if r.Body == nil {
			return ""
		}
		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return ""
		}
		return JSONStringField(body, field)
	}
}

// JSONStringField returns the named top-level string field of a JSON object,
// or "" when absent or not a string
func JSONStringField(body []byte, field string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(fields[field], &value); err != nil {
		return ""
	}
	return value
}

// FirstOf returns an UserIDExtractor that tries each extractor in order
func FirstOf(extractors ...UserIDExtractor) UserIDExtractor {
	return func(r *http.Request) string {
		for _, extract := range extractors {
			if id := extract(r); id != "" {
				return id
			}
		}
		return ""
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "designgate:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
