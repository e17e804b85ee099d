package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

const maxUserIDLen = 255

// Handler provides the HTTP surface of the gateway
type Handler struct {
	config Config
}

// GenerateDesign decodes a generation request, runs it through the gateway
// and writes the uniform response envelope. An insufficient balance is a
// business outcome and answers 200 with a code; every other failure is a 500.
func (h *Handler) GenerateDesign(w http.ResponseWriter, r *http.Request) {
	var body GenerateRequest
	if err := h.decodeJSON(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}

	primary, err := decodeImage(body.ImageBase64)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("%w: imageBase64: %w", gateway.ErrValidation, err))
		return
	}
	secondary, err := decodeImage(body.SecondaryImageBase64)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("%w: secondaryImageBase64: %w", gateway.ErrValidation, err))
		return
	}

	result, err := h.config.Gateway.Generate(r.Context(), &gateway.GenerationRequest{
		UserID:         strings.TrimSpace(body.UserID),
		FeatureID:      strings.TrimSpace(body.FeatureID),
		Option1ID:      strings.TrimSpace(body.Option1ID),
		Option2ID:      strings.TrimSpace(body.Option2ID),
		PrimaryImage:   primary,
		SecondaryImage: secondary,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{Image: dataURL(result.Image)})
}

// GetCredits returns the user's balance split by origin
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}

	bal, err := h.config.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %w", gateway.ErrLedgerUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, creditsResponse(bal))
}

// InitializeUser grants the one-time welcome credits for a user
func (h *Handler) InitializeUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}

	res, err := h.config.Onboarder.Initialize(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, InitializeResponse{Created: res.Created, Credits: creditsResponse(res.Balance)})
}

// DeleteUser removes a user's credits and onboarding marker
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}

	if err := h.config.Onboarder.Forget(r.Context(), userID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFeature returns the cost and model of a feature
func (h *Handler) GetFeature(w http.ResponseWriter, r *http.Request) {
	info, err := h.config.Gateway.LookupFeature(r.Context(), chi.URLParam(r, "featureID"))
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownFeature) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" || len(userID) > maxUserIDLen {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid user ID format"})
		return "", false
	}
	return userID, true
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", gateway.ErrValidation, tooLarge.Limit)
		}
		return fmt.Errorf("%w: invalid JSON body: %w", gateway.ErrValidation, err)
	}
	return nil
}

// handleError maps gateway errors onto the response envelope
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	var insufficient *gateway.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusOK, ErrorResponse{
			Error:   insufficient.Error(),
			Code:    codeInsufficientCredits,
			Details: insufficient.Debit,
		})
		return
	}

	class := gateway.Classify(err)
	if class == gateway.ClassInternal {
		h.config.Logger.Error("request failed",
			gateway.Field{Key: "path", Value: r.URL.Path},
			gateway.Field{Key: "error", Value: err.Error()},
		)
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: publicMessage(class, err)})
}

// publicMessage keeps infrastructure detail out of client responses while
// passing through the model's stated reasons
func publicMessage(class gateway.Classification, err error) string {
	switch class {
	case gateway.ClassValidation, gateway.ClassPolicyStop, gateway.ClassRefusal:
		return err.Error()
	case gateway.ClassLedger:
		return gateway.ErrLedgerUnavailable.Error()
	case gateway.ClassMalformed:
		return gateway.ErrMalformedResponse.Error()
	case gateway.ClassModelTransport:
		return gateway.ErrModelTransport.Error()
	default:
		return "internal error"
	}
}

// decodeImage decodes standard base64, tolerating a data URL prefix.
// An empty input yields nil.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URL")
		}
		s = s[idx+1:]
	}
	if s == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return data, nil
}

func dataURL(img *gateway.Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = gateway.DefaultImageMIMEType
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func creditsResponse(bal *gateway.Balance) CreditsResponse {
	if bal == nil {
		return CreditsResponse{}
	}
	return CreditsResponse{
		UserID:              bal.UserID,
		SubscriptionCredits: bal.Subscription,
		PackCredits:         bal.Pack,
		Total:               bal.Total(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already sent
		return
	}
}
