// Package revenuecat checks entitlements against the RevenueCat REST API.
package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/designgate/pkg/entitlement"
	"github.com/mihaimyh/designgate/pkg/gateway"
)

const (
	revenueCatAPIBaseURL = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout   = 10 * time.Second
	maxErrorBodyLen      = 512
)

// Config holds RevenueCat client configuration
type Config struct {
	// APIKey is the secret REST API key (required). A "Bearer " prefix is stripped.
	APIKey string

	// EntitlementID restricts the check to one entitlement; empty accepts any
	EntitlementID string

	// BaseURL overrides the API base URL (default: https://api.revenuecat.com/v1)
	BaseURL string

	// HTTPClient overrides the HTTP client (default: 10s timeout)
	HTTPClient *http.Client

	// Logger is used for structured logging (default: NoopLogger)
	Logger gateway.Logger
}

// Checker implements entitlement.Checker using the RevenueCat subscribers endpoint
type Checker struct {
	apiKey        string
	entitlementID string
	baseURL       string
	httpClient    *http.Client
	logger        gateway.Logger
	now           func() time.Time
}

// New creates a RevenueCat entitlement checker
func New(config Config) (*Checker, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	if apiKey == "" {
		return nil, fmt.Errorf("revenuecat API key is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = revenueCatAPIBaseURL
	}
	logger := config.Logger
	if logger == nil {
		logger = &gateway.NoopLogger{}
	}

	return &Checker{
		apiKey:        apiKey,
		entitlementID: strings.TrimSpace(config.EntitlementID),
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
		now:           time.Now,
	}, nil
}

type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]entitlementInfo `json:"entitlements"`
	} `json:"subscriber"`
}

type entitlementInfo struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
}

// HasActiveEntitlement implements entitlement.Checker. A user unknown to
// RevenueCat has no entitlement; that is not an error.
func (c *Checker) HasActiveEntitlement(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}

	endpoint := fmt.Sprintf("%s/subscribers/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false, fmt.Errorf("revenuecat API error: status %d, body: %s", res.StatusCode, truncate(body))
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("failed to parse response: %w", err)
	}

	now := c.now().UTC()
	for id, ent := range payload.Subscriber.Entitlements {
		if c.entitlementID != "" && !strings.EqualFold(id, c.entitlementID) {
			continue
		}
		if active(ent, now) {
			return true, nil
		}
	}
	c.logger.Debug("no active entitlement",
		gateway.Field{Key: "user_id", Value: userID},
		gateway.Field{Key: "entitlement_id", Value: c.entitlementID},
	)
	return false, nil
}

// active treats a missing expiry as a lifetime entitlement
func active(ent entitlementInfo, now time.Time) bool {
	if ent.ExpiresDate == nil || *ent.ExpiresDate == "" {
		return true
	}
	expires, err := time.Parse(time.RFC3339, *ent.ExpiresDate)
	if err != nil {
		return false
	}
	return expires.After(now)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyLen {
		return string(body[:maxErrorBodyLen]) + "..."
	}
	return string(body)
}

var _ entitlement.Checker = (*Checker)(nil)
