package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultImageMIMEType is declared for uploads whose content is not a recognized image
const DefaultImageMIMEType = "image/jpeg"

// BuildParts assembles the ordered model payload: instruction text first,
// primary image second, secondary image third when present.
func BuildParts(prompt string, primary, secondary []byte) []Part {
	parts := make([]Part, 0, 3)
	parts = append(parts, Part{Text: prompt})
	parts = append(parts, Part{InlineData: &Blob{MIMEType: DetectImageMIMEType(primary), Data: primary}})
	if len(secondary) > 0 {
		parts = append(parts, Part{InlineData: &Blob{MIMEType: DetectImageMIMEType(secondary), Data: secondary}})
	}
	return parts
}

// DetectImageMIMEType sniffs the image format, falling back to image/jpeg
func DetectImageMIMEType(data []byte) string {
	if len(data) == 0 {
		return DefaultImageMIMEType
	}
	mt := mimetype.Detect(data)
	if strings.HasPrefix(mt.String(), "image/") {
		return mt.String()
	}
	return DefaultImageMIMEType
}

// Invoker performs the single model round trip of a generation
type Invoker struct {
	generator Generator
}

// NewInvoker creates an invoker over the given generator
func NewInvoker(generator Generator) *Invoker {
	return &Invoker{generator: generator}
}

// Invoke sends prompt and images to the model. It never retries; transport
// failures are wrapped with ErrModelTransport.
func (i *Invoker) Invoke(ctx context.Context, modelID, prompt string, primary, secondary []byte) (*ModelResponse, error) {
	resp, err := i.generator.Generate(ctx, modelID, BuildParts(prompt, primary, secondary))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelTransport, err)
	}
	if resp == nil {
		return &ModelResponse{}, nil
	}
	return resp, nil
}
