package gateway

// Interpret classifies a raw model response.
//
// Precedence:
//  1. a finish reason other than STOP (or a prompt block) is a policy stop,
//     even if an image part is present
//  2. an inline image part is a success
//  3. a text part is a textual refusal, captured verbatim
//  4. anything else is malformed
func Interpret(resp *ModelResponse) (*Image, error) {
	if resp == nil {
		return nil, ErrMalformedResponse
	}

	if resp.FinishReason != "" && resp.FinishReason != FinishReasonStop {
		return nil, &PolicyStopError{Reason: resp.FinishReason, SafetyRatings: resp.SafetyRatings}
	}
	if resp.FinishReason == "" && resp.BlockReason != "" && len(resp.Parts) == 0 {
		return nil, &PolicyStopError{Reason: resp.BlockReason, SafetyRatings: resp.SafetyRatings}
	}

	for _, part := range resp.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return &Image{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data}, nil
		}
	}

	for _, part := range resp.Parts {
		if part.Text != "" {
			return nil, &RefusalError{Text: part.Text}
		}
	}

	return nil, ErrMalformedResponse
}
