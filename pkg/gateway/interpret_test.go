package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpret(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	ratings := []SafetyRating{{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Probability: "HIGH", Blocked: true}}

	tests := []struct {
		name    string
		resp    *ModelResponse
		wantErr error
		wantImg bool
	}{
		{
			name:    "image with stop",
			resp:    &ModelResponse{FinishReason: "STOP", Parts: []Part{{InlineData: &Blob{MIMEType: "image/png", Data: png}}}},
			wantImg: true,
		},
		{
			name:    "image without finish reason",
			resp:    &ModelResponse{Parts: []Part{{Text: "here you go"}, {InlineData: &Blob{MIMEType: "image/png", Data: png}}}},
			wantImg: true,
		},
		{
			name:    "safety stop wins over image",
			resp:    &ModelResponse{FinishReason: "SAFETY", SafetyRatings: ratings, Parts: []Part{{InlineData: &Blob{MIMEType: "image/png", Data: png}}}},
			wantErr: ErrPolicyStop,
		},
		{
			name:    "prompt blocked",
			resp:    &ModelResponse{BlockReason: "PROHIBITED_CONTENT"},
			wantErr: ErrPolicyStop,
		},
		{
			name:    "text only",
			resp:    &ModelResponse{FinishReason: "STOP", Parts: []Part{{Text: "I cannot edit this photo."}}},
			wantErr: ErrTextualRefusal,
		},
		{
			name:    "empty inline data is not an image",
			resp:    &ModelResponse{FinishReason: "STOP", Parts: []Part{{InlineData: &Blob{MIMEType: "image/png"}}}},
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "no parts",
			resp:    &ModelResponse{FinishReason: "STOP"},
			wantErr: ErrMalformedResponse,
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Interpret(tt.resp)
			if tt.wantImg {
				require.NoError(t, err)
				assert.Equal(t, "image/png", img.MIMEType)
				assert.Equal(t, png, img.Data)
				return
			}
			assert.Nil(t, img)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestInterpret_PolicyStopDetails(t *testing.T) {
	ratings := []SafetyRating{{Category: "HARM_CATEGORY_HARASSMENT", Probability: "MEDIUM"}}
	_, err := Interpret(&ModelResponse{FinishReason: "SAFETY", SafetyRatings: ratings})

	var stop *PolicyStopError
	require.True(t, errors.As(err, &stop))
	assert.Equal(t, "SAFETY", stop.Reason)
	assert.Equal(t, ratings, stop.SafetyRatings)
	assert.Equal(t, "generation stopped by model: SAFETY", err.Error())
}

func TestInterpret_RefusalVerbatim(t *testing.T) {
	_, err := Interpret(&ModelResponse{Parts: []Part{{Text: "  I can't do that.  "}}})

	var refusal *RefusalError
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, "  I can't do that.  ", refusal.Text)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassSuccess, Classify(nil))
	assert.Equal(t, ClassValidation, Classify(validationError("x")))
	assert.Equal(t, ClassValidation, Classify(ErrUnknownFeature))
	assert.Equal(t, ClassInsufficient, Classify(&InsufficientCreditsError{}))
	assert.Equal(t, ClassLedger, Classify(ErrLedgerUnavailable))
	assert.Equal(t, ClassPolicyStop, Classify(&PolicyStopError{Reason: "SAFETY"}))
	assert.Equal(t, ClassRefusal, Classify(&RefusalError{Text: "no"}))
	assert.Equal(t, ClassMalformed, Classify(ErrMalformedResponse))
	assert.Equal(t, ClassModelTransport, Classify(ErrModelTransport))
	assert.Equal(t, ClassInternal, Classify(errors.New("boom")))
}
