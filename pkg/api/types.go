package api

// codeInsufficientCredits marks a credit refusal in an otherwise 200 response
const codeInsufficientCredits = "INSUFFICIENT_CREDITS"

// GenerateRequest is the inbound body of POST /generate-design
type GenerateRequest struct {
	ImageBase64          string `json:"imageBase64"`
	SecondaryImageBase64 string `json:"secondaryImageBase64,omitempty"`
	UserID               string `json:"user_id"`
	FeatureID            string `json:"feature_id"`
	Option1ID            string `json:"option1_id,omitempty"`
	Option2ID            string `json:"option2_id,omitempty"`
}

// GenerateResponse carries the generated image as a data URL
type GenerateResponse struct {
	Image string `json:"image"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// CreditsResponse represents a user's spendable balance
type CreditsResponse struct {
	UserID              string `json:"user_id"`
	SubscriptionCredits int    `json:"subscription_credits"`
	PackCredits         int    `json:"pack_credits"`
	Total               int    `json:"total"`
}

// InitializeResponse is returned by POST /v1/users/{userID}/initialize
type InitializeResponse struct {
	Created bool            `json:"created"`
	Credits CreditsResponse `json:"credits"`
}
