package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

// DefaultMaxBodyBytes caps inbound request bodies (two base64 photos fit comfortably)
const DefaultMaxBodyBytes int64 = 20 << 20

// Config holds configuration for the gateway HTTP handler
type Config struct {
	// Gateway runs generation requests (required)
	Gateway *gateway.Gateway

	// Ledger serves balance reads (optional; the credits route is disabled when nil)
	Ledger gateway.Ledger

	// Onboarder serves initialize and delete (optional; those routes are disabled when nil)
	Onboarder *gateway.Onboarder

	// MaxBodyBytes caps request bodies (default: 20 MiB)
	MaxBodyBytes int64

	// OnError handles errors (validation, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger gateway.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway == nil {
		return fmt.Errorf("gateway is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must not be negative")
	}
	return nil
}

// NewHandler creates a new gateway HTTP handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &gateway.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}
