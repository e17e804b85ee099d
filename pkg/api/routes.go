package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns a chi router serving every gateway endpoint. gate, when
// non-nil, wraps the generation route (e.g. an entitlement check).
func (h *Handler) Routes(gate func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Group(func(r chi.Router) {
		if gate != nil {
			r.Use(gate)
		}
		r.Post("/generate-design", h.GenerateDesign)
	})

	r.Get("/v1/features/{featureID}", h.GetFeature)
	if h.config.Ledger != nil {
		r.Get("/v1/users/{userID}/credits", h.GetCredits)
	}
	if h.config.Onboarder != nil {
		r.Post("/v1/users/{userID}/initialize", h.InitializeUser)
		r.Delete("/v1/users/{userID}", h.DeleteUser)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
