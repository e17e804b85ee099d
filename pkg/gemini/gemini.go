// Package gemini implements gateway.Generator on top of the Gemini generateContent API.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

// DefaultTimeout bounds a single generateContent round trip
const DefaultTimeout = 120 * time.Second

// Config holds Gemini client configuration
type Config struct {
	// APIKey for the Gemini API (required)
	APIKey string

	// BaseURL overrides the API endpoint, mainly for tests and proxies
	BaseURL string

	// Timeout is the HTTP client timeout (default: 120s)
	Timeout time.Duration

	// HTTPClient overrides the transport; Timeout is ignored when set
	HTTPClient *http.Client

	// Logger is used for structured logging (default: NoopLogger)
	Logger gateway.Logger
}

// Generator implements gateway.Generator using google.golang.org/genai
type Generator struct {
	client *genai.Client
	logger gateway.Logger
}

// New creates a Gemini generator
func New(ctx context.Context, config Config) (*Generator, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Logger == nil {
		config.Logger = &gateway.NoopLogger{}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  config.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: config.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &Generator{client: client, logger: config.Logger}, nil
}

// Generate implements gateway.Generator. It performs exactly one call.
func (g *Generator) Generate(ctx context.Context, modelID string, parts []gateway.Part) (*gateway.ModelResponse, error) {
	contents := []*genai.Content{genai.NewContentFromParts(toGenaiParts(parts), genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, modelID, contents, nil)
	if err != nil {
		g.logger.Warn("gemini call failed",
			gateway.Field{Key: "model_id", Value: modelID},
			gateway.Field{Key: "error", Value: err.Error()},
		)
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	return fromGenaiResponse(resp), nil
}

func toGenaiParts(parts []gateway.Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if p.InlineData != nil {
			out = append(out, &genai.Part{InlineData: &genai.Blob{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}})
			continue
		}
		out = append(out, genai.NewPartFromText(p.Text))
	}
	return out
}

func fromGenaiResponse(resp *genai.GenerateContentResponse) *gateway.ModelResponse {
	out := &gateway.ModelResponse{}
	if resp == nil {
		return out
	}

	if resp.PromptFeedback != nil {
		if resp.PromptFeedback.BlockReason != "" && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
			out.BlockReason = string(resp.PromptFeedback.BlockReason)
		}
		out.SafetyRatings = append(out.SafetyRatings, toSafetyRatings(resp.PromptFeedback.SafetyRatings)...)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return out
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != genai.FinishReasonUnspecified {
		out.FinishReason = string(cand.FinishReason)
	}
	out.SafetyRatings = append(out.SafetyRatings, toSafetyRatings(cand.SafetyRatings)...)

	if cand.Content == nil {
		return out
	}
	for _, p := range cand.Content.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.InlineData != nil:
			out.Parts = append(out.Parts, gateway.Part{InlineData: &gateway.Blob{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}})
		case p.Text != "" && !p.Thought:
			out.Parts = append(out.Parts, gateway.Part{Text: p.Text})
		}
	}
	return out
}

func toSafetyRatings(ratings []*genai.SafetyRating) []gateway.SafetyRating {
	out := make([]gateway.SafetyRating, 0, len(ratings))
	for _, r := range ratings {
		if r == nil {
			continue
		}
		out = append(out, gateway.SafetyRating{
			Category:    string(r.Category),
			Probability: string(r.Probability),
			Blocked:     r.Blocked,
		})
	}
	return out
}

var _ gateway.Generator = (*Generator)(nil)
