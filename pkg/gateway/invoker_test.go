package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type recordingGenerator struct {
	modelID string
	parts   []Part
	resp    *ModelResponse
	err     error
}

func (g *recordingGenerator) Generate(_ context.Context, modelID string, parts []Part) (*ModelResponse, error) {
	g.modelID = modelID
	g.parts = parts
	return g.resp, g.err
}

func TestBuildParts(t *testing.T) {
	primary := []byte("primary-bytes")
	secondary := []byte("secondary-bytes")

	parts := BuildParts("prompt", primary, nil)
	require.Len(t, parts, 2)
	assert.Equal(t, "prompt", parts[0].Text)
	assert.Equal(t, primary, parts[1].InlineData.Data)
	assert.Equal(t, DefaultImageMIMEType, parts[1].InlineData.MIMEType)

	parts = BuildParts("prompt", primary, secondary)
	require.Len(t, parts, 3)
	assert.Equal(t, secondary, parts[2].InlineData.Data)
}

func TestDetectImageMIMEType(t *testing.T) {
	assert.Equal(t, "image/png", DetectImageMIMEType(pngHeader))
	assert.Equal(t, DefaultImageMIMEType, DetectImageMIMEType([]byte("plain text")))
	assert.Equal(t, DefaultImageMIMEType, DetectImageMIMEType(nil))
}

func TestInvoker_Invoke(t *testing.T) {
	gen := &recordingGenerator{resp: &ModelResponse{FinishReason: "STOP"}}
	inv := NewInvoker(gen)

	resp, err := inv.Invoke(context.Background(), "model-x", "prompt", []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "STOP", resp.FinishReason)
	assert.Equal(t, "model-x", gen.modelID)
	assert.Len(t, gen.parts, 3)
}

func TestInvoker_TransportError(t *testing.T) {
	gen := &recordingGenerator{err: errors.New("503 from upstream")}
	inv := NewInvoker(gen)

	_, err := inv.Invoke(context.Background(), "model-x", "prompt", []byte("a"), nil)
	assert.ErrorIs(t, err, ErrModelTransport)
	assert.Contains(t, err.Error(), "503 from upstream")
}

func TestInvoker_NilResponse(t *testing.T) {
	inv := NewInvoker(&recordingGenerator{})

	resp, err := inv.Invoke(context.Background(), "model-x", "prompt", []byte("a"), nil)
	require.NoError(t, err)
	_, err = Interpret(resp)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
